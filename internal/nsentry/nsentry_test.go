package nsentry

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// IfRoot skips tests that need CAP_SYS_ADMIN for real namespace entry.
// Namespace join/leave cannot be meaningfully faked: there is no
// substitute for the kernel's own bookkeeping of (device, inode) pairs.
func IfRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		return
	}
	t.Skip("skipping namespace test, must run as root")
}

func TestEnterSameNamespaceIsNoop(t *testing.T) {
	IfRoot(t)

	sess := NewSession()
	defer sess.Close()

	g, err := sess.Enter(uint32(os.Getpid()), Mount)
	require.NoError(t, err)
	require.NotNil(t, g)
	require.Nil(t, g.original, "entering one's own namespace must produce an empty guard")

	require.NoError(t, g.Release())
}

func TestEnterAllSkipsUnavailableNamespaces(t *testing.T) {
	IfRoot(t)

	sess := NewSession()
	defer sess.Close()

	guards := sess.EnterAll(uint32(os.Getpid()))
	require.Len(t, guards, len(enterOrder))
	for _, g := range guards {
		require.NotNil(t, g, "EnterAll must substitute an empty guard rather than a nil entry")
	}

	for _, g := range guards {
		require.NoError(t, g.Release())
	}
}

func TestSessionRunSerializesWork(t *testing.T) {
	sess := NewSession()
	defer sess.Close()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, sess.Run(func() error {
			order = append(order, i)
			return nil
		}))
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestReleaseOnEmptyGuardIsNoop(t *testing.T) {
	var g *Guard
	require.NoError(t, g.Release())

	empty := &Guard{nsType: Mount}
	require.NoError(t, empty.Release())
}
