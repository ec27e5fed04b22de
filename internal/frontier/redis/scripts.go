package redis

import goredis "github.com/redis/go-redis/v9"

// popScript removes the head entry and counts it as in flight.
// KEYS: frontier, inflight.
var popScript = goredis.NewScript(`
local v = redis.call('LPOP', KEYS[1])
if v then
  redis.call('INCR', KEYS[2])
end
return v
`)

// releaseScript decrements the in-flight counter without going below zero.
// KEYS: inflight.
var releaseScript = goredis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

// admitScript marks a canonical URL and pushes its entry only if it was new.
// KEYS: seen, frontier. ARGV: canonical url, encoded entry.
var admitScript = goredis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// lockDomainScript is a compare-and-set: the first writer wins and every
// caller gets the stored value back. KEYS: domain. ARGV: candidate.
var lockDomainScript = goredis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'NX')
return redis.call('GET', KEYS[1])
`)

// clearScript deletes every key of a job. KEYS: all job keys.
var clearScript = goredis.NewScript(`
return redis.call('DEL', unpack(KEYS))
`)

// resetScript clears a job and seeds it. KEYS: frontier, seen, then the
// remaining job keys. ARGV: canonical seed, encoded seed entry.
var resetScript = goredis.NewScript(`
redis.call('DEL', unpack(KEYS))
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// finishJobScript sets the terminal fields only on an existing job record, so
// a job cleared mid-run is not recreated. KEYS: meta. ARGV: status, finished at.
var finishJobScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'finished_at', ARGV[2])
return 1
`)
