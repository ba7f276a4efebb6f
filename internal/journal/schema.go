package journal

import (
	"database/sql"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS changes (
	       id          INTEGER PRIMARY KEY AUTOINCREMENT,
	       recorded_at INTEGER NOT NULL CHECK (typeof(recorded_at) = 'integer'),
	       device      TEXT NOT NULL,
	       pending_id  TEXT NOT NULL DEFAULT '',
	       source      TEXT NOT NULL CHECK (source IN ('client', 'startup')),
	       outcome     TEXT NOT NULL CHECK (outcome IN (
	           'proposed', 'confirmed', 'reverted', 'expired',
	           'revert_failed', 'rejected', 'cancelled', 'reset')),
	       profile     TEXT,
	       detail      TEXT NOT NULL DEFAULT ''
	   );
	   CREATE INDEX IF NOT EXISTS changes_by_device ON changes (device, id);`

	insertChangeSQL = `
    INSERT INTO changes (
        recorded_at, device, pending_id, source, outcome, profile, detail
    ) VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectChangesSQL = `
    SELECT id, recorded_at, device, pending_id, source, outcome, profile, detail
    FROM changes`
)

// InitSchema creates the tables and records the current version.
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "create_tables",
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().Int("version", SchemaVersion).Msg("Journal schema initialized")

	return nil
}

// GetSchemaVersion returns 0 for a database without a version table.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}

	return version, nil
}

func TableExists(db *sql.DB, table string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, table).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: table,
			Error: err.Error(),
		})
	}
	return exists, nil
}
