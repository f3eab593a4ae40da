package image

import (
	"encoding/json"
	"os"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const configSuffix = ".crashcart-config.json"

// ociConfig is the on-disk record of an OCI-sourced debug image, written
// next to its unpacked tree so a later invocation against the same
// reference can tell it is already cached without re-pulling.
type ociConfig struct {
	Ref    string   `json:"ref"`
	Digest string   `json:"digest"`
	Image  v1.Image `json:"image"`
}

func writeOCIConfig(basePath string, cfg *ociConfig) error {
	f, err := os.Create(basePath + configSuffix)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func readOCIConfig(basePath string) (*ociConfig, error) {
	f, err := os.Open(basePath + configSuffix)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := &ociConfig{}
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
