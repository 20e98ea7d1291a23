package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisJournal keeps each lock under its own key. Keys expire with the lock,
// so Redis drops stale entries on its own.
type RedisJournal struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisJournal stores locks under prefix+token. The journal owns rdb and
// closes it in Close.
func NewRedisJournal(rdb redis.UniversalClient, prefix string) *RedisJournal {
	if prefix == "" {
		prefix = "webdav:lock:"
	}
	return &RedisJournal{rdb: rdb, prefix: prefix}
}

func (j *RedisJournal) Save(ctx context.Context, l Lock) error {
	data, err := json.Marshal(toRecord(l))
	if err != nil {
		return fmt.Errorf("encode lock %s: %w", l.Token, err)
	}
	key := j.prefix + l.Token
	_, err = j.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.ExpireAt(ctx, key, l.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save lock %s: %w", l.Token, err)
	}
	return nil
}

func (j *RedisJournal) Delete(ctx context.Context, token string) error {
	if err := j.rdb.Del(ctx, j.prefix+token).Err(); err != nil {
		return fmt.Errorf("delete lock %s: %w", token, err)
	}
	return nil
}

func (j *RedisJournal) Load(ctx context.Context, now time.Time) ([]Lock, error) {
	var out []Lock
	iter := j.rdb.Scan(ctx, 0, j.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := j.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", iter.Val(), err)
		}
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Val(), err)
		}
		l := r.lock()
		if l.expired(now) {
			continue
		}
		out = append(out, l)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan locks: %w", err)
	}
	return out, nil
}

func (j *RedisJournal) Close() error {
	return j.rdb.Close()
}
