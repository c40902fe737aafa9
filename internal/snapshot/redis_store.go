package snapshot

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/avorel/ensemble/pkg/api"
)

// RedisStore is a Store backed by Redis. It uses a simple key structure:
//
//	<prefix>snap:<runID>       => JSON-encoded snapshot
//	<prefix>idx:all            => SET of all run IDs
//	<prefix>idx:ens:<name>     => SET of run IDs for a given ensemble
//
// The indexes are updated on every Save/Delete, and List uses them for
// filtering instead of scanning the keyspace.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "ensemble:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ensemble:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keySnap(runID string) string {
	return s.prefix + "snap:" + runID
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyEnsemble(name string) string {
	return s.prefix + "idx:ens:" + name
}

func (s *RedisStore) Save(ctx context.Context, snap *api.SuspendedState) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keySnap(snap.RunID), data, 0)
	pipe.SAdd(ctx, s.keyAll(), snap.RunID)
	pipe.SAdd(ctx, s.keyEnsemble(snap.Ensemble), snap.RunID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Load(ctx context.Context, runID string) (*api.SuspendedState, error) {
	data, err := s.client.Get(ctx, s.keySnap(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data)
}

func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*api.SuspendedState, error) {
	indexKey := s.keyAll()
	if filter.Ensemble != "" {
		indexKey = s.keyEnsemble(filter.Ensemble)
	}

	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}

	var result []*api.SuspendedState
	for _, id := range ids {
		snap, err := s.Load(ctx, id)
		if errors.Is(err, ErrSnapshotNotFound) {
			// Index member without a payload, typically a half-finished
			// delete. Skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, nil
}

func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	snap, err := s.Load(ctx, runID)
	if errors.Is(err, ErrSnapshotNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keySnap(runID))
	pipe.SRem(ctx, s.keyAll(), runID)
	pipe.SRem(ctx, s.keyEnsemble(snap.Ensemble), runID)
	_, err = pipe.Exec(ctx)
	return err
}
