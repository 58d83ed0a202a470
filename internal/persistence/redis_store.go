package persistence

import (
	"context"
	"errors"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/sagaflow/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>          => JSON-encoded InstanceRecord
//	<prefix>arch:<id>          => JSON-encoded archived InstanceRecord
//	<prefix>cp:<id>            => HASH of checkpoint name => JSON checkpoint
//	<prefix>idx:all            => SET of live instance IDs
//	<prefix>idx:wf:<workflow>  => SET of live instance IDs for a workflow
//
// States change on every transition, so state filters are applied to the
// loaded records rather than kept in an index.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "sagaflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sagaflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyInstance(id string) string {
	return s.prefix + "inst:" + id
}

func (s *RedisStore) keyArchived(id string) string {
	return s.prefix + "arch:" + id
}

func (s *RedisStore) keyCheckpoints(id string) string {
	return s.prefix + "cp:" + id
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyWorkflow(workflowID string) string {
	return s.prefix + "idx:wf:" + workflowID
}

func (s *RedisStore) SaveInstance(ctx context.Context, rec *api.InstanceRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	n, err := s.client.Exists(ctx, s.keyArchived(rec.InstanceID)).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrArchived
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyInstance(rec.InstanceID), data, 0)
	pipe.SAdd(ctx, s.keyAll(), rec.InstanceID)
	pipe.SAdd(ctx, s.keyWorkflow(rec.WorkflowID), rec.InstanceID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) LoadInstance(ctx context.Context, id string) (*api.InstanceRecord, error) {
	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return DecodeRecord(data)
}

func (s *RedisStore) removeLive(ctx context.Context, pipe redis.Pipeliner, id string) error {
	rec, err := s.LoadInstance(ctx, id)
	if err != nil && !errors.Is(err, ErrInstanceNotFound) {
		return err
	}
	pipe.Del(ctx, s.keyInstance(id), s.keyCheckpoints(id))
	pipe.SRem(ctx, s.keyAll(), id)
	if rec != nil {
		pipe.SRem(ctx, s.keyWorkflow(rec.WorkflowID), id)
	}
	return nil
}

func (s *RedisStore) DeleteInstance(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	if err := s.removeLive(ctx, pipe, id); err != nil {
		return err
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListInstances(ctx context.Context, filter api.ListFilter) ([]*api.InstanceRecord, error) {
	key := s.keyAll()
	if filter.WorkflowID != "" {
		key = s.keyWorkflow(filter.WorkflowID)
	}
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.InstanceRecord{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.InstanceRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []*api.InstanceRecord
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		rec, err := DecodeRecord(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b *api.InstanceRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return applyLimit(out, filter), nil
}

func (s *RedisStore) ArchiveInstance(ctx context.Context, rec *api.InstanceRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	if err := s.removeLive(ctx, pipe, rec.InstanceID); err != nil {
		return err
	}
	pipe.SRem(ctx, s.keyWorkflow(rec.WorkflowID), rec.InstanceID)
	pipe.Set(ctx, s.keyArchived(rec.InstanceID), data, 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) SaveCheckpoint(ctx context.Context, instanceID string, cp api.Checkpoint) error {
	data, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.keyCheckpoints(instanceID), cp.Name, data).Err()
}

func (s *RedisStore) LoadCheckpoint(ctx context.Context, instanceID, name string) (api.Checkpoint, error) {
	data, err := s.client.HGet(ctx, s.keyCheckpoints(instanceID), name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return api.Checkpoint{}, ErrCheckpointNotFound
		}
		return api.Checkpoint{}, err
	}
	return DecodeCheckpoint(data)
}
