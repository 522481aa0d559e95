package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "throttle:v1:"

// hitScript mirrors advance() so that the read-modify-write of one caller is a
// single Redis operation shared by every instance. Times are unix milliseconds.
var hitScript = redis.NewScript(`
local function num(v)
  if v then return tonumber(v) end
  return nil
end

local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local suspension = tonumber(ARGV[4])
local reason = ARGV[5]

local st = redis.call('HMGET', key, 'window_start', 'count', 'suspended_until', 'reason')
local windowStart = num(st[1])
local count = num(st[2]) or 0
local suspendedUntil = num(st[3]) or 0
local curReason = st[4] or ''

if suspendedUntil > now then
  return {0, suspendedUntil - now, curReason, windowStart or 0, count, suspendedUntil}
end
if suspendedUntil > 0 then
  windowStart = nil
  count = 0
  suspendedUntil = 0
  curReason = ''
end
if windowStart == nil or now - windowStart >= window then
  windowStart = now
  count = 0
end

count = count + 1
local allowed = 1
local retry = 0
if count > limit then
  suspendedUntil = now + suspension
  curReason = reason
  allowed = 0
  retry = suspension
end

redis.call('HSET', key, 'window_start', windowStart, 'count', count, 'suspended_until', suspendedUntil, 'reason', curReason)
local expireAt = windowStart + window
if suspendedUntil > expireAt then expireAt = suspendedUntil end
redis.call('PEXPIRE', key, expireAt - now + 1000)
return {allowed, retry, curReason, windowStart, count, suspendedUntil}
`)

// RedisStore shares caller state across instances. Entries expire on their own
// once the caller's window and suspension are both over.
type RedisStore struct {
	client redis.Scripter
}

// NewRedisStore builds a store over client.
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, p Policy) (Decision, error) {
	res, err := hitScript.Run(ctx, s.client, []string{keyPrefix + key},
		now.UnixMilli(), p.Limit, p.Window.Milliseconds(), p.Suspension.Milliseconds(), ReasonRateExceeded,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("throttle hit: %w", err)
	}
	if len(res) != 6 {
		return Decision{}, fmt.Errorf("throttle hit: unexpected reply of length %d", len(res))
	}

	allowed, _ := res[0].(int64)
	retry, _ := res[1].(int64)
	reason, _ := res[2].(string)
	windowStart, _ := res[3].(int64)
	count, _ := res[4].(int64)
	suspendedUntil, _ := res[5].(int64)

	state := State{RequestCount: int(count), SuspensionReason: reason}
	if windowStart > 0 {
		state.WindowStartedAt = time.UnixMilli(windowStart)
	}
	if suspendedUntil > 0 {
		state.SuspendedUntil = time.UnixMilli(suspendedUntil)
	}
	return Decision{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(retry) * time.Millisecond,
		Reason:     reason,
		State:      state,
	}, nil
}
