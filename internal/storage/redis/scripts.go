package redis

const (
	// addAlertScript atomically stores an alert and indexes it by fire time
	addAlertScript = `
local alert_key = KEYS[1]     -- {prefix}:alert:{id}
local pending_set = KEYS[2]   -- {prefix}:alerts:pending

local id = ARGV[1]
local title = ARGV[2]
local body = ARGV[3]
local payload = ARGV[4]
local fire_at = ARGV[5]
local fire_at_ms = tonumber(ARGV[6])
local created_at = ARGV[7]
local retention_ms = tonumber(ARGV[8])

redis.call('HSET', alert_key,
  'id', id,
  'title', title,
  'body', body,
  'payload', payload,
  'fire_at', fire_at,
  'created_at', created_at
)

-- Alerts that are never claimed (dispatcher down) expire after the retention window
redis.call('PEXPIREAT', alert_key, fire_at_ms + retention_ms)

redis.call('ZADD', pending_set, fire_at_ms, id)

return 'OK'
`

	// removeAlertScript atomically removes an alert and its index entry.
	// Returns 1 if the alert was still pending, 0 otherwise.
	removeAlertScript = `
local alert_key = KEYS[1]     -- {prefix}:alert:{id}
local pending_set = KEYS[2]   -- {prefix}:alerts:pending

local id = ARGV[1]

local removed = redis.call('ZREM', pending_set, id)
redis.call('DEL', alert_key)

return removed
`

	// claimDueAlertsScript atomically pops every alert due at or before now
	// (up to limit) and returns their hashes as flat field/value arrays
	claimDueAlertsScript = `
local pending_set = KEYS[1]   -- {prefix}:alerts:pending

local alert_prefix = ARGV[1]  -- {prefix}:alert:
local now_ms = ARGV[2]
local limit = tonumber(ARGV[3])

local ids = redis.call('ZRANGEBYSCORE', pending_set, '-inf', now_ms, 'LIMIT', 0, limit)
local claimed = {}

for _, id in ipairs(ids) do
  local alert_key = alert_prefix .. id
  local fields = redis.call('HGETALL', alert_key)
  redis.call('ZREM', pending_set, id)
  redis.call('DEL', alert_key)
  if #fields > 0 then
    table.insert(claimed, fields)
  end
end

return claimed
`
)
