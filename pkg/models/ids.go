package models

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed ULID, e.g. "patch_01J9ZC…". ULIDs sort by
// creation time, which keeps queue inspection output readable.
func NewID(prefix string) string {
	if prefix == "" {
		return ulid.Make().String()
	}
	return prefix + "_" + ulid.Make().String()
}

// NewCorrelationID returns a fresh correlation id (cid) for a chat turn.
func NewCorrelationID() string {
	return uuid.New().String()
}

// NewLeaseID returns a lease id for a pulled queue item.
func NewLeaseID() string {
	return NewID("lease")
}

// NewPatchID returns a globally unique patch id. Patch ids are the
// idempotence key of the whole pipeline: a patch id seen twice is applied
// exactly once.
func NewPatchID() string {
	return NewID("patch")
}
