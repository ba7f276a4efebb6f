package journal

import (
	"path/filepath"

	"codeberg.org/mutker/gpuctl/internal/errors"
)

const (
	defaultDirPerm = 0o750
	DefaultPath    = "/var/lib/gpuctl/journal.db"
)

type Config struct {
	Enabled bool
	Path    string
}

func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Path:    DefaultPath,
	}
}

func (c Config) Validate() error {
	if c.Enabled && c.Path == "" {
		return errors.New().New(ErrInvalidPath)
	}
	return nil
}

// backupDir sits next to the database.
func (c Config) backupDir() string {
	return filepath.Join(filepath.Dir(c.Path), "backups")
}
