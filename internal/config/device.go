package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/schema"
)

// EnsureDeviceID fills c.Device.ID. An id from config or the environment
// wins; otherwise the id stored in the data directory is used, and on first
// run a new ULID is generated and stored there so it survives restarts.
func (c *Config) EnsureDeviceID() (string, error) {
	if c.Device.ID != "" {
		return c.Device.ID, nil
	}

	path := filepath.Join(c.Data.Dir, DeviceIDFileName)
	// #nosec G304 - path inside the configured data directory
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			c.Device.ID = id
			return id, nil
		}
	case !os.IsNotExist(err):
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	if err := os.MkdirAll(c.Data.Dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	id := strings.ToLower(schema.NewID())
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	c.Device.ID = id
	return id, nil
}
