package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/record"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis key layout. The hash holds progress metadata, the list holds the
// records as JSON in insertion order.
const (
	redisKeyPrefix       = "setlist:artist:"
	redisRecordsSuffix   = ":records"
	redisFieldName       = "name"
	redisFieldInProgress = "in_progress"
	redisFieldUpdated    = "last_updated"
)

// updateIfExists sets hash fields only when the artist exists, mirroring an
// update-one on a missing document.
var updateIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// appendIfExists pushes records and stamps last_updated in one atomic step.
// ARGV[1] is the timestamp, ARGV[2..] the JSON records.
var appendIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
for i = 2, #ARGV do
	redis.call('RPUSH', KEYS[2], ARGV[i])
end
redis.call('HSET', KEYS[1], 'last_updated', ARGV[1])
return 1
`)

// RedisStore is a Store backed by Redis, one hash + one list per artist.
type RedisStore struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewRedisStore creates a Redis-backed store. The client is owned by the caller.
func NewRedisStore(redisClient *redis.Client, logger zerolog.Logger) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient, logger: logger}
}

func metaKey(mbid string) string    { return redisKeyPrefix + mbid }
func recordsKey(mbid string) string { return redisKeyPrefix + mbid + redisRecordsSuffix }

func stamp(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// InsertSubject implements Store.
func (s *RedisStore) InsertSubject(ctx context.Context, mbid, name string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordsKey(mbid))
		pipe.HSet(ctx, metaKey(mbid),
			redisFieldName, name,
			redisFieldInProgress, "1",
			redisFieldUpdated, stamp(time.Now()),
		)
		return nil
	})
	if err != nil {
		return s.fail("insert", mbid, err)
	}
	return nil
}

// ReinsertSubject implements Store.
func (s *RedisStore) ReinsertSubject(ctx context.Context, mbid string) error {
	err := updateIfExists.Run(ctx, s.redis, []string{metaKey(mbid)},
		redisFieldInProgress, "1",
		redisFieldUpdated, stamp(time.Now()),
	).Err()
	if err != nil {
		return s.fail("reinsert", mbid, err)
	}
	return nil
}

// CheckSubject implements Store.
func (s *RedisStore) CheckSubject(ctx context.Context, mbid string) (Status, error) {
	fields, err := s.redis.HGetAll(ctx, metaKey(mbid)).Result()
	if err != nil {
		return Status{}, s.fail("check", mbid, err)
	}
	if len(fields) == 0 {
		return Status{}, nil
	}

	status := Status{Exists: true, InProgress: fields[redisFieldInProgress] == "1"}
	if raw := fields[redisFieldUpdated]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Status{}, s.fail("check", mbid, fmt.Errorf("parse last_updated: %w", err))
		}
		status.LastUpdated = time.UnixMilli(ms)
	}
	return status, nil
}

// AppendRecords implements Store.
func (s *RedisStore) AppendRecords(ctx context.Context, mbid string, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(records)+1)
	args = append(args, stamp(time.Now()))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return s.fail("append", mbid, fmt.Errorf("marshal record: %w", err))
		}
		args = append(args, string(data))
	}

	if err := appendIfExists.Run(ctx, s.redis, []string{metaKey(mbid), recordsKey(mbid)}, args...).Err(); err != nil {
		return s.fail("append", mbid, err)
	}
	return nil
}

// AllRecords implements Store.
func (s *RedisStore) AllRecords(ctx context.Context, mbid string) ([]record.Record, error) {
	raw, err := s.redis.LRange(ctx, recordsKey(mbid), 0, -1).Result()
	if err != nil {
		return nil, s.fail("all_records", mbid, err)
	}

	records := make([]record.Record, 0, len(raw))
	for _, item := range raw {
		var rec record.Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, s.fail("all_records", mbid, fmt.Errorf("unmarshal record: %w", err))
		}
		records = append(records, rec)
	}
	return records, nil
}

// MostRecentRecord implements Store.
func (s *RedisStore) MostRecentRecord(ctx context.Context, mbid string) (record.Record, bool, error) {
	records, err := s.AllRecords(ctx, mbid)
	if err != nil {
		return record.Record{}, false, err
	}
	rec, ok := record.MostRecent(records)
	return rec, ok, nil
}

// MarkComplete implements Store.
func (s *RedisStore) MarkComplete(ctx context.Context, mbid string) error {
	err := updateIfExists.Run(ctx, s.redis, []string{metaKey(mbid)},
		redisFieldInProgress, "0",
		redisFieldUpdated, stamp(time.Now()),
	).Err()
	if err != nil {
		return s.fail("mark_complete", mbid, err)
	}
	return nil
}

// DeleteSubject implements Store.
func (s *RedisStore) DeleteSubject(ctx context.Context, mbid string) error {
	if err := s.redis.Del(ctx, metaKey(mbid), recordsKey(mbid)).Err(); err != nil {
		return s.fail("delete", mbid, err)
	}
	return nil
}

// Close implements Store. The Redis client stays open; its owner closes it.
func (s *RedisStore) Close() error {
	return nil
}

func (s *RedisStore) fail(op, mbid string, err error) error {
	s.logger.Error().
		Err(err).
		Str("op", op).
		Str("mbid", mbid).
		Msg("Redis store operation failed")
	return newStorageError(BackendRedis, op, mbid, err)
}
