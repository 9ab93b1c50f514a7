// Package redis keeps occupancy counters in Redis so several limen
// instances can share one count per zone.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/limenhq/limen/internal/limen/types"
)

const defaultPrefix = "limen:occ"

// applyScript moves one counter hash. Running it server-side makes each
// event atomic per key without a client lock.
var applyScript = redis.NewScript(`
local function num(f)
  local v = redis.call('HGET', KEYS[1], f)
  if v then return tonumber(v) end
  return 0
end

local count = num('count')
if ARGV[1] == 'entry' then
  count = count + 1
  redis.call('HSET', KEYS[1], 'last_entry', ARGV[2])
else
  if count > 0 then count = count - 1 end
  redis.call('HSET', KEYS[1], 'last_exit', ARGV[2])
end

redis.call('HSET', KEYS[1],
  'count', count,
  'peak_today', math.max(num('peak_today'), count),
  'peak_week', math.max(num('peak_week'), count),
  'peak_month', math.max(num('peak_month'), count),
  'updated_at', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return redis.call('HGETALL', KEYS[1])
`)

var capacityScript = redis.NewScript(`
if ARGV[1] == '' then
  redis.call('HDEL', KEYS[1], 'max_capacity')
else
  redis.call('HSET', KEYS[1], 'max_capacity', ARGV[1])
end
if redis.call('HEXISTS', KEYS[1], 'count') == 0 then
  redis.call('HSET', KEYS[1], 'count', 0)
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return redis.call('HGETALL', KEYS[1])
`)

// OccupancyStore implements store.OccupancyStore over a Redis hash per key
// plus one index set per tenant.
type OccupancyStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewOccupancyStore(rdb redis.UniversalClient) *OccupancyStore {
	return &OccupancyStore{rdb: rdb, prefix: defaultPrefix}
}

// tenantTag length-prefixes the tenant so no tenant id can spell another
// tenant's keys. The braces make it a cluster hash tag: a tenant's counters
// and index share one slot, which the scripts need.
func (s *OccupancyStore) tenantTag(tenantID string) string {
	return fmt.Sprintf("%s:{%d:%s}", s.prefix, len(tenantID), tenantID)
}

func (s *OccupancyStore) counterKey(k types.OccupancyKey) string {
	scope, id := k.Scope()
	return fmt.Sprintf("%s:%s:%d:%s", s.tenantTag(k.TenantID), scope, len(id), id)
}

func (s *OccupancyStore) indexKey(tenantID string) string {
	return s.tenantTag(tenantID) + ":index"
}

func member(k types.OccupancyKey) string {
	scope, id := k.Scope()
	return scope + ":" + id
}

func (s *OccupancyStore) ApplyEvent(ctx context.Context, key types.OccupancyKey, action types.OccupancyAction, at time.Time) (types.OccupancyCounter, error) {
	if err := key.Validate(); err != nil {
		return types.OccupancyCounter{}, err
	}
	if !action.Valid() {
		return types.OccupancyCounter{}, fmt.Errorf("unknown occupancy action %q", action)
	}
	raw, err := applyScript.Run(ctx, s.rdb,
		[]string{s.counterKey(key), s.indexKey(key.TenantID)},
		string(action), at.UTC().UnixMilli(), member(key),
	).StringSlice()
	if err != nil {
		return types.OccupancyCounter{}, fmt.Errorf("redis apply %s: %w", key, err)
	}
	return decodeCounter(key, pairs(raw))
}

func (s *OccupancyStore) SetCapacity(ctx context.Context, key types.OccupancyKey, capacity *int, at time.Time) (types.OccupancyCounter, error) {
	if err := key.Validate(); err != nil {
		return types.OccupancyCounter{}, err
	}
	var capArg string
	if capacity != nil {
		capArg = strconv.Itoa(*capacity)
	}
	raw, err := capacityScript.Run(ctx, s.rdb,
		[]string{s.counterKey(key), s.indexKey(key.TenantID)},
		capArg, at.UTC().UnixMilli(), member(key),
	).StringSlice()
	if err != nil {
		return types.OccupancyCounter{}, fmt.Errorf("redis set capacity %s: %w", key, err)
	}
	return decodeCounter(key, pairs(raw))
}

func (s *OccupancyStore) CurrentOccupancy(ctx context.Context, f types.OccupancyFilter) ([]types.OccupancyCounter, error) {
	members, err := s.rdb.SMembers(ctx, s.indexKey(f.TenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index %s: %w", f.TenantID, err)
	}

	var keys []types.OccupancyKey
	for _, m := range members {
		scope, id, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		k := types.OccupancyKey{TenantID: f.TenantID}
		if scope == "zone" {
			k.ZoneID = id
		} else {
			k.SpaceID = id
		}
		if f.Match(k) {
			keys = append(keys, k)
		}
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, s.counterKey(k))
	}
	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("redis read counters: %w", err)
		}
	}

	out := make([]types.OccupancyCounter, 0, len(keys))
	for i, k := range keys {
		c, err := decodeCounter(k, cmds[i].Val())
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

func pairs(flat []string) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m
}

func decodeCounter(key types.OccupancyKey, h map[string]string) (types.OccupancyCounter, error) {
	c := types.OccupancyCounter{Key: key}

	ints := []struct {
		field string
		dst   *int
	}{
		{"count", &c.CurrentCount},
		{"peak_today", &c.PeakToday},
		{"peak_week", &c.PeakThisWeek},
		{"peak_month", &c.PeakThisMonth},
	}
	for _, f := range ints {
		v, ok := h[f.field]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.OccupancyCounter{}, fmt.Errorf("counter %s field %s: %w", key, f.field, err)
		}
		*f.dst = n
	}

	if v, ok := h["max_capacity"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.OccupancyCounter{}, fmt.Errorf("counter %s max_capacity: %w", key, err)
		}
		c.MaxCapacity = &n
	}

	var err error
	if c.LastEntry, err = msField(h, "last_entry"); err != nil {
		return types.OccupancyCounter{}, err
	}
	if c.LastExit, err = msField(h, "last_exit"); err != nil {
		return types.OccupancyCounter{}, err
	}
	if u, err := msField(h, "updated_at"); err != nil {
		return types.OccupancyCounter{}, err
	} else if u != nil {
		c.UpdatedAt = *u
	}
	return c, nil
}

func msField(h map[string]string, field string) (*time.Time, error) {
	v, ok := h[field]
	if !ok {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", field, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}
