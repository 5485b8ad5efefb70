package seat

// Lua scripts executed atomically on the KV store. Each returns either a
// plain success value (string/number) or a Redis error reply carrying one of
// the stable seat error codes, which classifyScriptErr maps to apierrors.
//
// seatsKey is a hash: seatIndex (string) -> JSON {"userId":N,"muted":bool}.
// lockedKey is a set of locked seat-index strings.

const takeScript = `
local seatIndex = ARGV[1]
local userId = ARGV[2]
local seatCount = tonumber(ARGV[3])
local idx = tonumber(seatIndex)
if idx == nil or idx < 0 or idx >= seatCount then
  return redis.error_reply("SEAT_INVALID")
end
if redis.call('SISMEMBER', KEYS[2], seatIndex) == 1 then
  return redis.error_reply("SEAT_LOCKED")
end
if redis.call('HEXISTS', KEYS[1], seatIndex) == 1 then
  return redis.error_reply("SEAT_TAKEN")
end
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  local decoded = cjson.decode(all[i+1])
  if tostring(decoded.userId) == userId then
    redis.call('HDEL', KEYS[1], all[i])
  end
end
redis.call('HSET', KEYS[1], seatIndex, cjson.encode({userId = tonumber(userId), muted = false}))
redis.call('SET', KEYS[3], seatIndex)
return seatIndex
`

const leaveScript = `
local userId = ARGV[1]
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  local decoded = cjson.decode(all[i+1])
  if tostring(decoded.userId) == userId then
    redis.call('HDEL', KEYS[1], all[i])
    redis.call('DEL', KEYS[2])
    return all[i]
  end
end
return redis.error_reply("NOT_SEATED")
`

const assignScript = `
local seatIndex = ARGV[1]
local targetUserId = ARGV[2]
local seatCount = tonumber(ARGV[3])
local roomPrefix = ARGV[4]
local idx = tonumber(seatIndex)
if idx == nil or idx < 0 or idx >= seatCount then
  return redis.error_reply("SEAT_INVALID")
end
if redis.call('SISMEMBER', KEYS[2], seatIndex) == 1 then
  return redis.error_reply("SEAT_LOCKED")
end
local existing = redis.call('HGET', KEYS[1], seatIndex)
if existing then
  local decoded = cjson.decode(existing)
  redis.call('HDEL', KEYS[1], seatIndex)
  redis.call('DEL', roomPrefix .. tostring(decoded.userId))
end
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  local decoded = cjson.decode(all[i+1])
  if tostring(decoded.userId) == targetUserId then
    redis.call('HDEL', KEYS[1], all[i])
  end
end
redis.call('HSET', KEYS[1], seatIndex, cjson.encode({userId = tonumber(targetUserId), muted = false}))
redis.call('SET', KEYS[3], seatIndex)
return seatIndex
`

const setMuteScript = `
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if not existing then
  return 0
end
local decoded = cjson.decode(existing)
decoded.muted = (ARGV[2] == "true")
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(decoded))
return 1
`

const lockScript = `
local seatIndex = ARGV[1]
local roomPrefix = ARGV[2]
if redis.call('SISMEMBER', KEYS[2], seatIndex) == 1 then
  return redis.error_reply("SEAT_ALREADY_LOCKED")
end
local kicked = ""
local existing = redis.call('HGET', KEYS[1], seatIndex)
if existing then
  local decoded = cjson.decode(existing)
  kicked = tostring(decoded.userId)
  redis.call('HDEL', KEYS[1], seatIndex)
  redis.call('DEL', roomPrefix .. kicked)
end
redis.call('SADD', KEYS[2], seatIndex)
return kicked
`

const unlockScript = `
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return redis.error_reply("SEAT_NOT_LOCKED")
end
redis.call('SREM', KEYS[1], ARGV[1])
return 1
`
