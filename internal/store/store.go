// Package store persists one profile per device as YAML and reapplies
// them at startup.
package store

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"gopkg.in/yaml.v3"
)

const (
	formatVersion = 1

	dirPerm  = 0o750
	filePerm = 0o640
)

const (
	ErrReadProfile  = errors.ErrorCode("store_read_failed")
	ErrWriteProfile = errors.ErrorCode("store_write_failed")
	ErrBadProfile   = errors.ErrorCode("store_invalid_profile")
)

type document struct {
	Version int          `yaml:"version"`
	Device  gpu.DeviceID `yaml:"device"`
	Profile gpu.Profile  `yaml:",inline"`
}

type Store struct {
	dir    string
	logger logger.Logger
	mu     sync.Mutex
}

// New stores profiles under dir, creating it if needed.
func New(dir string, log logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.New().Wrap(errors.ErrInitFailed, err).WithMessage("create profile directory " + dir)
	}
	return &Store{dir: dir, logger: log.With("store")}, nil
}

// Path returns the file holding id's profile.
func (s *Store) Path(id gpu.DeviceID) string {
	return filepath.Join(s.dir, strings.ReplaceAll(string(id), "/", "_")+".yaml")
}

// Load returns the stored profile for id, or the default profile when
// none was saved.
func (s *Store) Load(id gpu.DeviceID) (gpu.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

// Save replaces id's profile atomically.
func (s *Store) Save(id gpu.DeviceID, p gpu.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(id, p)
}

// Update loads id's profile, lets fn modify it and saves the result.
func (s *Store) Update(id gpu.DeviceID, fn func(p *gpu.Profile)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.loadLocked(id)
	if err != nil {
		s.logger.Warn().Err(err).Str("device", string(id)).Msg("Replacing unreadable profile")
		p = gpu.DefaultProfile()
	}
	fn(&p)
	return s.saveLocked(id, p)
}

func (s *Store) loadLocked(id gpu.DeviceID) (gpu.Profile, error) {
	errFactory := errors.New()

	data, err := os.ReadFile(s.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return gpu.DefaultProfile(), nil
	}
	if err != nil {
		return gpu.Profile{}, errFactory.Wrap(ErrReadProfile, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return gpu.Profile{}, errFactory.Wrap(ErrBadProfile, err).WithMessage("parse " + s.Path(id))
	}
	if doc.Version > formatVersion {
		return gpu.Profile{}, errFactory.WithMessage(ErrBadProfile, "unsupported profile version in "+s.Path(id))
	}
	if doc.Profile.Fan.Mode == "" {
		doc.Profile.Fan.Mode = gpu.FanModeAuto
	}

	return doc.Profile, nil
}

func (s *Store) saveLocked(id gpu.DeviceID, p gpu.Profile) error {
	errFactory := errors.New()

	data, err := yaml.Marshal(document{Version: formatVersion, Device: id, Profile: p})
	if err != nil {
		return errFactory.Wrap(ErrWriteProfile, err)
	}

	if err := writeFileAtomic(s.Path(id), data); err != nil {
		return errFactory.Wrap(ErrWriteProfile, err)
	}

	s.logger.Debug().Str("device", string(id)).Str("path", s.Path(id)).Msg("Profile saved")
	return nil
}

// writeFileAtomic writes data to a temporary file next to path, syncs
// it, renames it into place and syncs the directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
