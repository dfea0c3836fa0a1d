package redis

const (
	// compareAndSetScript replaces the root document only if the stored
	// revision matches. Returns the new revision, or 0 on conflict.
	compareAndSetScript = `
local state_key = KEYS[1]     -- tollgate:state

local expected = tonumber(ARGV[1])
local doc = ARGV[2]

local current = tonumber(redis.call('HGET', state_key, 'rev') or '0')
if current ~= expected then
  return 0
end

local next_rev = current + 1
redis.call('HSET', state_key,
  'doc', doc,
  'rev', next_rev
)

return next_rev
`
)
