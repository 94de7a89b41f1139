package clone

import "errors"

var (
	// ErrMigrationBusy is returned when the tablet is being migrated and
	// the migration lock could not be taken without waiting. The caller
	// may retry the clone later.
	ErrMigrationBusy = errors.New("tablet is migrating, clone try lock failed")

	// ErrInconsistentSnapshot is returned when the downloaded snapshot
	// contradicts itself or the local replica: a missing version absent
	// from the cloned header, binlog files without a manifest, or a binlog
	// content mismatch.
	ErrInconsistentSnapshot = errors.New("inconsistent snapshot")

	// ErrVersionCrossLatest is returned when a local rowset's range
	// straddles the cloned snapshot's max version, so the local replica
	// cannot be reconciled with the snapshot.
	ErrVersionCrossLatest = errors.New("version cross src latest")

	// ErrUnexpectedVersion is returned when the replica still does not
	// cover the requested version after a completed clone.
	ErrUnexpectedVersion = errors.New("unexpected version")
)
