package domain

import "errors"

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested document was not found
	ErrNotFound = errors.New("not found")

	// ErrDomainNotBound indicates no adapter is bound for a routed domain
	ErrDomainNotBound = errors.New("domain not bound to an adapter")

	// ErrUnsupportedTx indicates a transaction class outside the CUD family
	ErrUnsupportedTx = errors.New("unsupported transaction class")

	// ErrInvalidTx indicates a malformed transaction (missing object id, class...)
	ErrInvalidTx = errors.New("invalid transaction")

	// ErrManifestMissing indicates the backup manifest does not exist on restore
	ErrManifestMissing = errors.New("backup manifest missing")

	// ErrBackupCancelled indicates a backup run was cooperatively cancelled
	ErrBackupCancelled = errors.New("backup cancelled")

	// ErrChunkNotFound indicates an unknown replication cursor index
	ErrChunkNotFound = errors.New("chunk cursor not found")

	// ErrClassNotFound indicates the class is not present in the hierarchy
	ErrClassNotFound = errors.New("class not found")

	// ErrPipelineCancelled indicates an indexing pass was cancelled mid-flight
	ErrPipelineCancelled = errors.New("indexing cancelled")
)
