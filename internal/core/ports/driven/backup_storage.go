package driven

import "io"

// BackupStorage abstracts the file store backup archives and manifests are
// written to. The local-filesystem implementation lives in internal/backup;
// blob-store bindings implement the same contract.
type BackupStorage interface {
	// Load opens a stored file for reading.
	Load(name string) (io.ReadCloser, error)

	// Write creates or truncates a stored file for writing.
	Write(name string) (io.WriteCloser, error)

	// Exists reports whether the file is present.
	Exists(name string) (bool, error)

	// Delete removes a file. Deleting a missing file is not an error.
	Delete(name string) error
}
