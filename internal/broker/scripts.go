package broker

import "github.com/redis/go-redis/v9"

// The six atomic operations are the correctness core of the broker: each
// touches more than one of the four per-queue keys and must execute as a
// single indivisible step on the Redis server. Lua via EVAL is the
// mechanism (grounded on the Lua-script idiom used for Redis side-effects
// elsewhere in the pack); miniredis's own EVAL implementation (backed by
// gopher-lua) is what lets these run against an in-memory fake in tests.

// sizeScript sums the ready list and the two sorted sets.
// KEYS[1]=ready KEYS[2]=delayed KEYS[3]=reserved
var sizeScript = redis.NewScript(`
local ready = redis.call("LLEN", KEYS[1])
local delayed = redis.call("ZCARD", KEYS[2])
local reserved = redis.call("ZCARD", KEYS[3])
return ready + delayed + reserved
`)

// pushScript appends a payload to the ready list and emits one notify
// token, atomically so a blocked consumer never wakes to an empty list.
// KEYS[1]=ready KEYS[2]=notify ARGV[1]=payload
var pushScript = redis.NewScript(`
redis.call("RPUSH", KEYS[1], ARGV[1])
redis.call("RPUSH", KEYS[2], "1")
return 1
`)

// migrateScript moves every member of the `from` sorted set whose score is
// <= ARGV[1] (now) to the tail of the `to` list, emitting one notify token
// per moved member, bounded by ARGV[2] (batch size, -1 = unlimited). Used
// both for delayed->ready and reserved->ready (visibility recovery).
// KEYS[1]=from KEYS[2]=to KEYS[3]=to_notify ARGV[1]=now ARGV[2]=batchSize
var migrateScript = redis.NewScript(`
local now = ARGV[1]
local batchSize = tonumber(ARGV[2])

local members
if batchSize < 0 then
	members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", now)
else
	members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", now, "LIMIT", 0, batchSize)
end

for i, member in ipairs(members) do
	redis.call("RPUSH", KEYS[2], member)
	redis.call("RPUSH", KEYS[3], "1")
	redis.call("ZREM", KEYS[1], member)
end

return members
`)

// reapScript unconditionally migrates every member of the reserved set to
// ready regardless of score, the manual escape hatch for queues that were
// run for a while with retryAfter disabled and then had it turned on.
// KEYS[1]=reserved KEYS[2]=ready KEYS[3]=notify
var reapScript = redis.NewScript(`
local members = redis.call("ZRANGE", KEYS[1], 0, -1)
for i, member in ipairs(members) do
	redis.call("RPUSH", KEYS[2], member)
	redis.call("RPUSH", KEYS[3], "1")
	redis.call("ZREM", KEYS[1], member)
end
return members
`)

// popScript reserves the next ready payload: it pops the payload and a
// notify token, stamps attempts/reserved_at on a copy, and files that copy
// in the reserved set scored by its visibility expiry.
// KEYS[1]=ready KEYS[2]=reserved KEYS[3]=notify
// ARGV[1]=now ARGV[2]=visibilityExpiry
var popScript = redis.NewScript(`
local payload = redis.call("LPOP", KEYS[1])
if not payload then
	return false
end

redis.call("LPOP", KEYS[3])

local decoded = cjson.decode(payload)
decoded.attempts = (decoded.attempts or 0) + 1
decoded.reserved_at = tonumber(ARGV[1])
local reservedCopy = cjson.encode(decoded)

redis.call("ZADD", KEYS[2], ARGV[2], reservedCopy)

return {payload, reservedCopy}
`)

// releaseScript moves a reserved copy back to the delayed set, to become
// visible again at ARGV[2] (availableAt). No notify token is emitted here;
// migration emits one when the delay elapses.
// KEYS[1]=delayed KEYS[2]=reserved ARGV[1]=reservedCopy ARGV[2]=availableAt
var releaseScript = redis.NewScript(`
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// clearScript reports the queue's total size and deletes all four keys.
// KEYS[1]=ready KEYS[2]=delayed KEYS[3]=reserved KEYS[4]=notify
var clearScript = redis.NewScript(`
local total = redis.call("LLEN", KEYS[1]) + redis.call("ZCARD", KEYS[2]) + redis.call("ZCARD", KEYS[3])
redis.call("DEL", KEYS[1], KEYS[2], KEYS[3], KEYS[4])
return total
`)
