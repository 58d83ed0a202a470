package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/sagaflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when an instance is not in the store.
	ErrInstanceNotFound = api.ErrInstanceNotFound

	// ErrCheckpointNotFound is returned when a named checkpoint does not exist.
	ErrCheckpointNotFound = api.ErrCheckpointNotFound

	// ErrArchived is returned by SaveInstance for instances that were archived.
	ErrArchived = errors.New("instance archived")
)

// Store persists workflow instance records. Implementations must be safe for
// concurrent use. The engine hands every state change to SaveInstance and
// treats the store as the source of truth for instances it does not hold in
// memory.
type Store interface {
	// SaveInstance inserts or replaces the record.
	SaveInstance(ctx context.Context, rec *api.InstanceRecord) error

	// LoadInstance returns ErrInstanceNotFound for unknown or archived IDs.
	LoadInstance(ctx context.Context, id string) (*api.InstanceRecord, error)

	// DeleteInstance removes the record and its checkpoints. Deleting an
	// unknown ID is not an error.
	DeleteInstance(ctx context.Context, id string) error

	// ListInstances returns live records matching filter, oldest first.
	ListInstances(ctx context.Context, filter api.ListFilter) ([]*api.InstanceRecord, error)

	// ArchiveInstance moves the record out of the live set. Archived records
	// no longer show up in LoadInstance or ListInstances.
	ArchiveInstance(ctx context.Context, rec *api.InstanceRecord) error

	SaveCheckpoint(ctx context.Context, instanceID string, cp api.Checkpoint) error
	LoadCheckpoint(ctx context.Context, instanceID, name string) (api.Checkpoint, error)
}

// applyLimit truncates records to the filter's limit.
func applyLimit(recs []*api.InstanceRecord, f api.ListFilter) []*api.InstanceRecord {
	if f.Limit > 0 && len(recs) > f.Limit {
		return recs[:f.Limit]
	}
	return recs
}
