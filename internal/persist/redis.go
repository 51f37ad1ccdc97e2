package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dgnsrekt/tunnelhub/internal/mirror"
)

const redisKeyPrefix = "tunnelhub:mirror:"

// upsertScript writes an instance only if it is not older than the stored one.
const upsertScript = `
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local ok, prev = pcall(cjson.decode, cur)
  if ok and prev['updatedAtMs'] and tonumber(prev['updatedAtMs']) > tonumber(ARGV[3]) then
    return 0
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`

// RedisMirror keeps one hash per endpoint, field = instance id, value = JSON.
// It stores mirror state only; pair it with an EventLog through Combine.
type RedisMirror struct {
	rdb *redis.Client
}

type redisInstance struct {
	mirror.Instance
	UpdatedAtMs int64 `json:"updatedAtMs"`
}

// ConnectRedis parses a redis:// URL and pings the server.
func ConnectRedis(ctx context.Context, url string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis opts: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctxPing).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisMirror{rdb: rdb}, nil
}

// NewRedisMirror wraps an existing client.
func NewRedisMirror(rdb *redis.Client) *RedisMirror {
	return &RedisMirror{rdb: rdb}
}

func (r *RedisMirror) UpsertInstanceMirror(ctx context.Context, inst mirror.Instance) error {
	ms := inst.UpdatedAt.UnixMilli()
	data, err := json.Marshal(redisInstance{Instance: inst, UpdatedAtMs: ms})
	if err != nil {
		return fmt.Errorf("encode mirror %s/%s: %w", inst.EndpointID, inst.InstanceID, err)
	}
	if err := r.rdb.Eval(ctx, upsertScript, []string{redisKeyPrefix + inst.EndpointID}, inst.InstanceID, data, ms).Err(); err != nil {
		return fmt.Errorf("upsert mirror %s/%s: %w", inst.EndpointID, inst.InstanceID, err)
	}
	return nil
}

func (r *RedisMirror) RemoveInstanceMirror(ctx context.Context, endpointID, instanceID string) error {
	if err := r.rdb.HDel(ctx, redisKeyPrefix+endpointID, instanceID).Err(); err != nil {
		return fmt.Errorf("remove mirror %s/%s: %w", endpointID, instanceID, err)
	}
	return nil
}

func (r *RedisMirror) QueryLatestMirror(ctx context.Context, endpointID string) ([]mirror.Instance, error) {
	fields, err := r.rdb.HGetAll(ctx, redisKeyPrefix+endpointID).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("query mirror %s: %w", endpointID, err)
	}
	out := make([]mirror.Instance, 0, len(fields))
	for id, raw := range fields {
		var ri redisInstance
		if err := json.Unmarshal([]byte(raw), &ri); err != nil {
			return nil, fmt.Errorf("decode mirror %s/%s: %w", endpointID, id, err)
		}
		ri.Instance.EndpointID = endpointID
		ri.Instance.InstanceID = id
		out = append(out, ri.Instance)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// Close closes the client.
func (r *RedisMirror) Close() error {
	return r.rdb.Close()
}
