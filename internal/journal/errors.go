package journal

import "codeberg.org/mutker/gpuctl/internal/errors"

const (
	ErrInvalidPath = errors.ErrorCode("journal_invalid_path")

	ErrSchemaInitFailed       = errors.ErrorCode("journal_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("journal_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("journal_schema_migration_failed")

	ErrWriteFailed = errors.ErrorCode("journal_write_failed")
	ErrQueryFailed = errors.ErrorCode("journal_query_failed")

	ErrStorageInit  = errors.ErrInitFailed
	ErrStorageClose = errors.ErrShutdownFailed
)
