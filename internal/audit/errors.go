package audit

import "codeberg.org/mutker/plantqc/internal/errors"

const (
	// Configuration errors
	ErrInvalidConfig    = errors.ErrorCode("audit_invalid_config")
	ErrInvalidDBPath    = errors.ErrorCode("audit_invalid_db_path")
	ErrInvalidRetention = errors.ErrorCode("audit_invalid_retention")

	// Storage errors
	ErrStorageAccess = errors.ErrorCode("audit_storage_access_failed")
	ErrStorageInit   = errors.ErrorCode("audit_storage_init_failed")
	ErrStorageClose  = errors.ErrorCode("audit_storage_close_failed")
	ErrSchemaInit    = errors.ErrorCode("audit_schema_init_failed")

	// Operation errors
	ErrEncodeDetail = errors.ErrorCode("audit_encode_detail_failed")
)
