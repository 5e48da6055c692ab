package config

import (
	"os"
	"path/filepath"
)

// Paths are the XDG-style directories kiln uses.
type Paths struct {
	Data   string // ~/.local/share/kiln
	Config string // ~/.config/kiln
	State  string // ~/.local/state/kiln
}

// GetPaths resolves the standard paths, honoring XDG overrides.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(envOr("XDG_DATA_HOME", filepath.Join(home(), ".local", "share")), "kiln"),
		Config: filepath.Join(envOr("XDG_CONFIG_HOME", filepath.Join(home(), ".config")), "kiln"),
		State:  filepath.Join(envOr("XDG_STATE_HOME", filepath.Join(home(), ".local", "state")), "kiln"),
	}
}

// EnsurePaths creates the directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.State} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// StoragePath is the root of the key-path store.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "storage")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func home() string {
	return os.Getenv("HOME")
}
