package jobbus

import "github.com/go-redis/redis/v8"

// idempotencyScript implements the "return the existing job ID within the
// window, else claim this key" contract from spec §4.2: KEYS[1] is the
// idempotency key, ARGV is (candidateJobID, ttlSeconds). Returns the job
// ID the caller should use — its own candidate if it won the race, or
// whichever ID got there first.
var idempotencyScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return existing
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return ARGV[1]
`)

// promoteDelayedScript moves every delayed-queue member due by now into
// pending, scored by its stored priority so it takes its place in
// priority order rather than jumping the queue. KEYS are (delayedKey,
// pendingKey), ARGV are (nowUnixMs, jobKeyPrefix). Returns the count
// promoted.
var promoteDelayedScript = redis.NewScript(`
local delayedKey = KEYS[1]
local pendingKey = KEYS[2]
local now = tonumber(ARGV[1])
local jobKeyPrefix = ARGV[2]

local due = redis.call('ZRANGEBYSCORE', delayedKey, '-inf', now)
for _, id in ipairs(due) do
  redis.call('ZREM', delayedKey, id)
  local raw = redis.call('GET', jobKeyPrefix .. id)
  local priority = 5
  if raw then
    local ok, decoded = pcall(cjson.decode, raw)
    if ok and decoded.priority then
      priority = decoded.priority
    end
  end
  local score = priority * 1e15 + now * 1e6
  redis.call('ZADD', pendingKey, score, id)
end
return #due
`)
