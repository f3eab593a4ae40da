// Package logging configures the process-wide logrus logger from the
// CLI's verbosity flag.
package logging

import (
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"github.com/sirupsen/logrus"
)

// Factory builds the logrus logger used by the whole pipeline. It mirrors
// the level/format knobs the rest of the ecosystem exposes on its daemons,
// scaled down to the single flag this tool needs.
type Factory struct {
	Verbose bool
	// SessionID tags every log line so a run can be correlated across the
	// probe, mount and exec subprocess output it produces.
	SessionID string
}

// Apply configures the standard logrus logger and returns an entry with
// the session field already attached.
func (f Factory) Apply() *logrus.Entry {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level := logrus.InfoLevel
	if f.Verbose {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)

	fields := logrus.Fields{}
	if f.SessionID != "" {
		fields["session"] = f.SessionID
	}
	return logrus.WithFields(fields)
}

var randPool = &sync.Pool{
	New: func() interface{} {
		return rand.NewSource(time.Now().UnixNano())
	},
}

// NewSessionID returns a lexically sortable identifier for tagging every
// log line a single invocation produces.
func NewSessionID() string {
	entropy := randPool.Get().(rand.Source)
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.New(entropy))
	randPool.Put(entropy)
	return id.String()
}
