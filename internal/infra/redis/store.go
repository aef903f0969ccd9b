package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vietddude/ingestor/internal/blockstore"
	"github.com/vietddude/ingestor/internal/metrics"
)

// BlockStore implements blockstore.Store on Redis. Entries live under
// per-key string values; a sorted set scored by block height serves as the
// rollback index, so rollback touches only the affected keys.
type BlockStore struct {
	rdb  *redis.Client
	name string
}

// NewBlockStore creates a Redis-backed store with the given instance name.
// The name namespaces all keys, so multiple stores can share one connection.
func NewBlockStore(client *Client, name string) *BlockStore {
	return &BlockStore{rdb: client.rdb, name: name}
}

func (s *BlockStore) Name() string { return s.name }

// Key helpers
func (s *BlockStore) entryKey(key string) string {
	return fmt.Sprintf("blockstore:%s:entry:%s", s.name, key)
}

func (s *BlockStore) indexKey() string {
	return fmt.Sprintf("blockstore:%s:heights", s.name)
}

func (s *BlockStore) Set(ctx context.Context, key string, value []byte, blockHeight uint64) error {
	entry := blockstore.Entry{
		Key:         key,
		Value:       value,
		BlockHeight: blockHeight,
		WrittenAt:   time.Now(),
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.entryKey(key), data, 0)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(blockHeight), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set entry: %w", err)
	}
	return nil
}

func (s *BlockStore) Get(ctx context.Context, key string) (*blockstore.Entry, error) {
	data, err := s.rdb.Get(ctx, s.entryKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}

	var entry blockstore.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

func (s *BlockStore) Delete(ctx context.Context, key string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.entryKey(key))
	pipe.ZRem(ctx, s.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

// RollbackToBlock removes every entry written above height. The index range
// query bounds the work to the affected keys.
func (s *BlockStore) RollbackToBlock(ctx context.Context, height uint64) (int, error) {
	min := "(" + strconv.FormatUint(height, 10)
	keys, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to query height index: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := s.rdb.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, s.entryKey(key))
	}
	pipe.ZRemRangeByScore(ctx, s.indexKey(), min, "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to prune entries: %w", err)
	}

	metrics.RollbackEntriesDeleted.WithLabelValues(s.name).Add(float64(len(keys)))
	return len(keys), nil
}

func (s *BlockStore) Len(ctx context.Context) (int, error) {
	count, err := s.rdb.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}
