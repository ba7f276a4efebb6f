package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
}

func newRepository(cfg Config, log logger.Logger) (*repository, error) {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(cfg.Path), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.Path,
			Error: err.Error(),
		})
	}

	// Entries must be durable before the caller moves on: a startup
	// proposal is checked on the next boot.
	dsn := cfg.Path + "?_journal=WAL&_synchronous=FULL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	db.SetMaxOpenConns(1)

	if err := ValidateAndUpdateSchema(db, cfg.backupDir(), log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	log.Info().
		Str("path", cfg.Path).
		Int("schema_version", SchemaVersion).
		Msg("Change journal opened")

	return &repository{db: db, logger: log, cfg: cfg}, nil
}

func (r *repository) Record(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	var profile any
	if e.Profile != nil {
		data, err := json.Marshal(e.Profile)
		if err != nil {
			return errors.New().Wrap(ErrWriteFailed, err)
		}
		profile = string(data)
	}

	_, err := r.db.ExecContext(ctx, insertChangeSQL,
		e.Time.UnixNano(),
		string(e.Device),
		e.PendingID,
		string(e.Source),
		string(e.Outcome),
		profile,
		e.Detail,
	)
	if err != nil {
		return errors.New().WithData(ErrWriteFailed, struct {
			Device  string
			Outcome string
			Error   string
		}{
			Device:  string(e.Device),
			Outcome: string(e.Outcome),
			Error:   err.Error(),
		})
	}
	return nil
}

func (r *repository) Last(ctx context.Context, device gpu.DeviceID) (Entry, bool, error) {
	entries, err := r.Recent(ctx, device, 1)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[0], true, nil
}

func (r *repository) Recent(ctx context.Context, device gpu.DeviceID, limit int) ([]Entry, error) {
	errFactory := errors.New()

	query := selectChangesSQL
	args := []any{}
	if device != "" {
		query += " WHERE device = ?"
		args = append(args, string(device))
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			nanos   int64
			dev     string
			source  string
			outcome string
			profile sql.NullString
		)
		if err := rows.Scan(&e.ID, &nanos, &dev, &e.PendingID, &source, &outcome, &profile, &e.Detail); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		e.Time = time.Unix(0, nanos)
		e.Device = gpu.DeviceID(dev)
		e.Source = Source(source)
		e.Outcome = Outcome(outcome)
		if profile.Valid {
			var p gpu.ClockProfile
			if err := json.Unmarshal([]byte(profile.String), &p); err != nil {
				return nil, errFactory.Wrap(ErrQueryFailed, err)
			}
			e.Profile = &p
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	return entries, nil
}

func (r *repository) Close() error {
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		r.logger.Debug().Err(err).Msg("WAL checkpoint failed")
	}

	if err := r.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	r.logger.Info().Msg("Change journal closed")
	return nil
}
