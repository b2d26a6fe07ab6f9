// Package apperr defines the typed failure taxonomy shared by the bundle
// pipelines. Hard failures abort an operation and trigger scratch cleanup;
// soft findings travel as warnings, not errors.
package apperr

import "errors"

var (
	// ErrBundleIncomplete means a required bundle file (database or
	// manifest) is missing from the bundle root.
	ErrBundleIncomplete = errors.New("bundle incomplete")

	// ErrNotADatabase means the database file does not carry the SQLite
	// file header, e.g. a truncated or mislabeled file.
	ErrNotADatabase = errors.New("not a database")

	// ErrManifestMalformed means the manifest could not be decoded or is
	// missing fields required by its declared schema version.
	ErrManifestMalformed = errors.New("manifest malformed")

	// ErrIntegrityMismatch means the database file's digest does not match
	// the manifest's declared hash. Primary tamper/corruption gate.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrDatabaseCorrupt means the engine's integrity check failed, even
	// after a repair attempt where one is allowed.
	ErrDatabaseCorrupt = errors.New("database corrupt")

	// ErrForeignKeyViolation means foreign-key inconsistencies remain after
	// export-time remediation.
	ErrForeignKeyViolation = errors.New("foreign key violation")

	// ErrDuplicateArchive means the same archive (name + modification time)
	// was already imported and force was not set.
	ErrDuplicateArchive = errors.New("duplicate archive")

	// ErrEncryptionFailed means the encryption collaborator did not produce
	// a usable encrypted database.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrNotFound is the generic lookup miss (alias, pending import,
	// export file).
	ErrNotFound = errors.New("not found")
)
