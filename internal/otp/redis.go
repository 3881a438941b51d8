package otp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"authsvc/internal/common"
)

// retention past expiry so verification of a stale code can still be
// reported as expired rather than unknown.
const expiredRetention = time.Hour

// RedisStore keeps passcode records as redis hashes. Both the guarded
// insert and the consume are single server-side scripts, so concurrent
// issuance keeps one active record and concurrent verification has exactly
// one winner.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

var putIfAbsentScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "account_id", "code_hash", "issued_at", "expires_at", "consumed")
local now = tonumber(ARGV[1])
if cur[2] and cur[5] == "0" and now < tonumber(cur[4]) then
	return {0, cur[1], cur[2], cur[3], cur[4]}
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "account_id", ARGV[2], "code_hash", ARGV[3], "issued_at", ARGV[1], "expires_at", ARGV[4], "consumed", "0")
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {1, ARGV[2], ARGV[3], ARGV[1], ARGV[4]}
`)

var consumeScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "account_id", "code_hash", "issued_at", "expires_at", "consumed")
if not cur[2] then
	return {"not_found"}
end
if cur[2] ~= ARGV[1] then
	return {"mismatch"}
end
if cur[5] == "1" then
	return {"consumed"}
end
if tonumber(ARGV[2]) > tonumber(cur[4]) + tonumber(ARGV[3]) then
	return {"expired"}
end
redis.call("HSET", KEYS[1], "consumed", "1")
return {"ok", cur[1], cur[2], cur[3], cur[4]}
`)

func (s *RedisStore) PutIfAbsent(ctx context.Context, key Key, rec Record) (Record, bool, error) {
	res, err := putIfAbsentScript.Run(ctx, s.client, []string{redisKey(key)},
		rec.IssuedAt.Unix(),
		rec.AccountID,
		rec.CodeHash,
		rec.ExpiresAt.Unix(),
		time.Until(rec.ExpiresAt.Add(expiredRetention)).Milliseconds(),
	).Result()
	if err != nil {
		return Record{}, false, err
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 5 {
		return Record{}, false, fmt.Errorf("unexpected reply shape %v", res)
	}
	stored := toInt64(reply[0]) == 1
	active, err := parseRecord(reply[1:])
	if err != nil {
		return Record{}, false, err
	}
	return active, stored, nil
}

func (s *RedisStore) Replace(ctx context.Context, key Key, rec Record) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisKey(key))
	pipe.HSet(ctx, redisKey(key),
		"account_id", rec.AccountID,
		"code_hash", rec.CodeHash,
		"issued_at", strconv.FormatInt(rec.IssuedAt.Unix(), 10),
		"expires_at", strconv.FormatInt(rec.ExpiresAt.Unix(), 10),
		"consumed", "0",
	)
	pipe.PExpire(ctx, redisKey(key), time.Until(rec.ExpiresAt.Add(expiredRetention)))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Consume(ctx context.Context, key Key, codeHash string, now time.Time, skew time.Duration) (Record, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{redisKey(key)},
		codeHash,
		now.Unix(),
		int64(skew.Seconds()),
	).Result()
	if err != nil {
		return Record{}, err
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) == 0 {
		return Record{}, fmt.Errorf("unexpected reply shape %v", res)
	}
	switch reply[0] {
	case "ok":
		if len(reply) != 5 {
			return Record{}, fmt.Errorf("unexpected reply shape %v", res)
		}
		rec, err := parseRecord(reply[1:])
		if err != nil {
			return Record{}, err
		}
		rec.Consumed = true
		return rec, nil
	case "not_found":
		return Record{}, common.ErrOTPNotFound
	case "mismatch":
		return Record{}, common.ErrOTPMismatch
	case "consumed":
		return Record{}, common.ErrOTPConsumed
	case "expired":
		return Record{}, common.ErrOTPExpired
	}
	return Record{}, fmt.Errorf("unexpected reply %v", reply[0])
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	return s.client.Del(ctx, redisKey(key)).Err()
}

func redisKey(key Key) string {
	return fmt.Sprintf("otp:%s:%s:%s", key.Channel, key.Address, key.Purpose)
}

func parseRecord(fields []interface{}) (Record, error) {
	if len(fields) != 4 {
		return Record{}, fmt.Errorf("unexpected record fields %v", fields)
	}
	issued, err := strconv.ParseInt(toString(fields[2]), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse issued_at: %w", err)
	}
	expires, err := strconv.ParseInt(toString(fields[3]), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse expires_at: %w", err)
	}
	return Record{
		AccountID: toString(fields[0]),
		CodeHash:  toString(fields[1]),
		IssuedAt:  time.Unix(issued, 0).UTC(),
		ExpiresAt: time.Unix(expires, 0).UTC(),
	}, nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return fmt.Sprintf("%v", v)
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}
