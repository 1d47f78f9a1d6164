package creds

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const deviceIDFile = "device_id"

// DeviceIdentity issues the stable device id this machine presents to the
// server. The server tracks sync cursors per device, so the id must survive
// restarts and reconnects.
type DeviceIdentity struct {
	dir string
}

// NewDeviceIdentity creates a DeviceIdentity rooted at dir.
func NewDeviceIdentity(dir string) (*DeviceIdentity, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	return &DeviceIdentity{dir: dir}, nil
}

// GetOrCreate returns the persisted device id, generating and persisting a
// new one on first use. The protocol caps device ids at 32 alphanumeric
// characters, which a dash-stripped UUID satisfies exactly.
func (d *DeviceIdentity) GetOrCreate() (string, error) {
	path := filepath.Join(d.dir, deviceIDFile)

	raw, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("reading device id: %w", err)
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing device id: %w", err)
	}
	return id, nil
}
