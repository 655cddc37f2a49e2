package rowseal

import "github.com/pkg/errors"

// Error kinds surfaced by the SDK. Callers match them with errors.Is;
// wrapped causes carry the driver or syscall detail. Key material never
// appears in error messages.
var (
	// ErrInvalidArgument indicates a caller-supplied argument was
	// unusable, e.g. an empty partition id or a row record with no key.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidConfig indicates the factory configuration is incomplete
	// or inconsistent.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrPartitionMismatch indicates a row record references an
	// intermediate key belonging to a different partition.
	ErrPartitionMismatch = errors.New("record partition does not match session partition")

	// ErrMetadataMissing indicates a referenced key record does not
	// exist in the metastore.
	ErrMetadataMissing = errors.New("key record not found in metastore")

	// ErrMetastoreUnavailable indicates a metastore operation failed.
	// The engine does not retry; the driver may have retried internally.
	ErrMetastoreUnavailable = errors.New("metastore unavailable")

	// ErrKMS indicates the key management service failed. For
	// multi-region drivers this is surfaced only after all regions have
	// been tried.
	ErrKMS = errors.New("key management service failure")

	// ErrDecryptionFailed indicates an authenticated decryption failed.
	// Tag mismatch, truncation, and wrong-key are deliberately not
	// distinguished.
	ErrDecryptionFailed = errors.New("decryption failed")
)
