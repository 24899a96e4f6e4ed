package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DataBaseDir resolves the default base directory for labroom durable data.
// Preference order:
// 1. $XDG_DATA_HOME/labroom
// 2. ~/.local/share/labroom
// 3. $XDG_RUNTIME_DIR/labroom
func DataBaseDir() (string, error) {
	if dataHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dataHome != "" {
		return filepath.Join(dataHome, "labroom"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "labroom"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "share", "labroom"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "labroom"), nil
	}
	return "", errors.New("unable to resolve data directory from XDG data/runtime or home")
}

// DatabasePath returns the default location of the session/progress database.
func DatabasePath() (string, error) {
	base, err := DataBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "labroom.db"), nil
}
