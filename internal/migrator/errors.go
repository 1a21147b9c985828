package migrator

import "errors"

// Failure classes. Every error recorded in a Report wraps one of these.
var (
	// ErrClockUnavailable: the warehouse time query failed.
	ErrClockUnavailable = errors.New("warehouse clock unavailable")
	// ErrArchiveFailed: a view or procedure definition could not be captured.
	ErrArchiveFailed = errors.New("archive failed")
	// ErrStatementRejected: the warehouse rejected a DDL or restore statement.
	ErrStatementRejected = errors.New("statement rejected")
	// ErrStatementMissing: no statement text exists for a planned resource.
	ErrStatementMissing = errors.New("statement missing")
	// ErrBackupMissing: restore found no archived definition.
	ErrBackupMissing = errors.New("backup missing")
	// ErrSnapshotMissing: a table could not be restored without a timestamp.
	ErrSnapshotMissing = errors.New("no snapshot timestamp")
	// ErrVerificationFailed: a post-apply verification query failed.
	ErrVerificationFailed = errors.New("verification failed")
)
