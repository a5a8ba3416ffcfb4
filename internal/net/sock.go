package net

import (
	"fmt"
	"os"
	"path/filepath"
)

// EphemeralUnixSocket returns a fresh path for a local stream socket,
// inside its own temp directory so the path stays short enough for
// sun_path.
func EphemeralUnixSocket() (string, error) {
	dir, err := os.MkdirTemp("", "usbexecd")
	if err != nil {
		return "", fmt.Errorf("creating socket dir: %w", err)
	}
	return filepath.Join(dir, "usb.sock"), nil
}
