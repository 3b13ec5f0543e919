package governor

import "github.com/go-redis/redis/v8"

// acquireScript atomically checks and increments an arbitrary number of
// (key, max) counter pairs: KEYS are the counters, ARGV[1..#KEYS] their
// maxima, and the final ARGV entry a TTL (seconds) applied to every key so
// a crashed instance's leaked grants drain instead of wedging a queue
// forever. Returns 1 if every counter had headroom and all were
// incremented, 0 otherwise (nothing is mutated on a 0).
var acquireScript = redis.NewScript(`
local ttl = tonumber(ARGV[#ARGV])
for i = 1, #KEYS do
  local max = tonumber(ARGV[i])
  local cur = tonumber(redis.call('GET', KEYS[i]) or '0')
  if cur >= max then
    return 0
  end
end
for i = 1, #KEYS do
  redis.call('INCR', KEYS[i])
  redis.call('EXPIRE', KEYS[i], ttl)
end
return 1
`)

// releaseScript decrements every counter key, floored at zero.
var releaseScript = redis.NewScript(`
for i = 1, #KEYS do
  local cur = tonumber(redis.call('GET', KEYS[i]) or '0')
  if cur > 0 then
    redis.call('DECR', KEYS[i])
  end
end
return 1
`)

// rateScript implements a sliding-window rate limiter over a sorted set:
// KEYS[1] is the window's set, ARGV is (now_ms, window_ms, limit, member).
// It prunes entries older than the window, and either admits the new
// member (returning 0) or reports how many milliseconds until the oldest
// entry ages out (returning that value, >0).
var rateScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if #oldest < 2 then
    return 0
  end
  local retry_after = tonumber(oldest[2]) + window_ms - now
  if retry_after < 0 then
    retry_after = 0
  end
  return retry_after
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window_ms)
return 0
`)
