package timeline

import "github.com/redis/go-redis/v9"

// Ids are compared as strings: Lua numbers lose precision above 2^53.
const luaHelpers = `
local function altkey(tl, orig) return tl .. ':reblogs:' .. orig end
`

// KEYS: timeline, mapping, reverse mapping, built marker
// ARGV: status id, original id or '', max items
// returns 1 when the id is in the timeline afterwards, 0 otherwise
var pushScript = redis.NewScript(luaHelpers + `
local tl, map, rev = KEYS[1], KEYS[2], KEYS[3]
local id, orig, max = ARGV[1], ARGV[2], tonumber(ARGV[3])
redis.call('SET', KEYS[4], '1')

if redis.call('ZSCORE', tl, id) then
  return 1
end

if orig ~= '' then
  if redis.call('ZSCORE', tl, orig) then
    redis.call('ZADD', altkey(tl, orig), id, id)
    return 0
  end
  local occ = redis.call('HGET', map, orig)
  if occ then
    if occ ~= id then
      redis.call('ZADD', altkey(tl, orig), id, id)
    end
    return 0
  end
  redis.call('ZADD', tl, id, id)
  redis.call('HSET', map, orig, id)
  redis.call('HSET', rev, id, orig)
else
  if redis.call('HGET', map, id) then
    redis.call('ZADD', altkey(tl, id), id, id)
    return 0
  end
  redis.call('ZADD', tl, id, id)
end

local n = redis.call('ZCARD', tl)
if n > max then
  local evicted = redis.call('ZRANGE', tl, 0, n - max - 1)
  redis.call('ZREMRANGEBYRANK', tl, 0, n - max - 1)
  for _, e in ipairs(evicted) do
    redis.call('DEL', altkey(tl, e))
    local o = redis.call('HGET', rev, e)
    if o then
      redis.call('HDEL', rev, e)
      redis.call('HDEL', map, o)
      redis.call('DEL', altkey(tl, o))
    end
  end
end

if redis.call('ZSCORE', tl, id) then
  return 1
end
return 0
`)

// KEYS: timeline, mapping, reverse mapping
// ARGV: status id, original id or ''
// returns {removed, promoted id or ''}
var removeScript = redis.NewScript(luaHelpers + `
local tl, map, rev = KEYS[1], KEYS[2], KEYS[3]
local id, orig = ARGV[1], ARGV[2]

local slot = id
if orig ~= '' then
  slot = orig
end

if not redis.call('ZSCORE', tl, id) then
  redis.call('ZREM', altkey(tl, slot), id)
  if redis.call('ZCARD', altkey(tl, slot)) == 0 then
    redis.call('DEL', altkey(tl, slot))
  end
  return {0, ''}
end

redis.call('ZREM', tl, id)
if orig ~= '' then
  if redis.call('HGET', map, orig) == id then
    redis.call('HDEL', map, orig)
  end
  redis.call('HDEL', rev, id)
end

local ak = altkey(tl, slot)
local nxt = redis.call('ZRANGE', ak, 0, 0)
if #nxt == 0 then
  redis.call('DEL', ak)
  return {1, ''}
end

local p = nxt[1]
redis.call('ZREM', ak, p)
redis.call('ZADD', tl, p, p)
if p ~= slot then
  redis.call('HSET', map, slot, p)
  redis.call('HSET', rev, p, slot)
end
if redis.call('ZCARD', ak) == 0 then
  redis.call('DEL', ak)
end
return {1, p}
`)

// KEYS: timeline, mapping, reverse mapping, built marker
var clearScript = redis.NewScript(luaHelpers + `
local tl, map, rev = KEYS[1], KEYS[2], KEYS[3]
for _, m in ipairs(redis.call('ZRANGE', tl, 0, -1)) do
  redis.call('DEL', altkey(tl, m))
end
for _, o in ipairs(redis.call('HKEYS', map)) do
  redis.call('DEL', altkey(tl, o))
end
redis.call('DEL', tl, map, rev, KEYS[4])
return 1
`)
