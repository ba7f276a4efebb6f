package journal

import (
	"context"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
)

type noopJournal struct{}

// New opens the journal database, or returns a journal that records
// nothing when the journal is disabled.
func New(cfg Config, log logger.Logger) (Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.New().Wrap(errors.ErrInvalidConfig, err)
	}

	log = log.With("journal")
	if !cfg.Enabled {
		log.Debug().Msg("Change journal disabled, using no-op journal")
		return Nop(), nil
	}

	return newRepository(cfg, log)
}

// Nop returns a journal that records nothing.
func Nop() Journal {
	return noopJournal{}
}

func (noopJournal) Record(context.Context, Entry) error { return nil }

func (noopJournal) Last(context.Context, gpu.DeviceID) (Entry, bool, error) {
	return Entry{}, false, nil
}

func (noopJournal) Recent(context.Context, gpu.DeviceID, int) ([]Entry, error) {
	return nil, nil
}

func (noopJournal) Close() error { return nil }
