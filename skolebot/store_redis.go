package skolebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/redis/go-redis/v9"
	"log/slog"
	"strings"
)

func redisKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// RedisStore keeps a collection in a single redis hash. Each field is a
// user ID and each value is the record's JSON document.
type RedisStore[T any, P keyedRecord[T]] struct {
	client redis.UniversalClient
	key    string
	logger *slog.Logger
}

func NewRedisStore[T any, P keyedRecord[T]](
	client redis.UniversalClient,
	key string,
	logger *slog.Logger,
) *RedisStore[T, P] {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore[T, P]{
		client: client,
		key:    key,
		logger: logger.With("redis_key", key),
	}
}

func (s *RedisStore[T, P]) decode(id string, data string) (T, error) {
	var rec T
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return rec, fmt.Errorf("error decoding %s[%s]: %w", s.key, id, err)
	}
	P(&rec).SetUserID(id)
	return rec, nil
}

func (s *RedisStore[T, P]) Get(ctx context.Context, id string) (T, bool, error) {
	var rec T
	data, err := s.client.HGet(ctx, s.key, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return rec, false, nil
		}
		return rec, false, err
	}
	rec, err = s.decode(id, data)
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (s *RedisStore[T, P]) Upsert(ctx context.Context, id string, record T) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, id, data).Err()
}

func (s *RedisStore[T, P]) Delete(ctx context.Context, id string) error {
	return s.client.HDel(ctx, s.key, id).Err()
}

func (s *RedisStore[T, P]) LoadAll(ctx context.Context) (map[string]T, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	records := make(map[string]T, len(values))
	for id, data := range values {
		rec, decodeErr := s.decode(id, data)
		if decodeErr != nil {
			return nil, decodeErr
		}
		records[id] = rec
	}
	return records, nil
}

func (s *RedisStore[T, P]) SaveAll(ctx context.Context, records map[string]T) error {
	fields := make([]any, 0, len(records)*2)
	for id, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		fields = append(fields, id, data)
	}
	_, err := s.client.TxPipelined(
		ctx,
		func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.key)
			if len(fields) > 0 {
				pipe.HSet(ctx, s.key, fields...)
			}
			return nil
		},
	)
	return err
}
