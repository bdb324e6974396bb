package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const devicesSetKey = "devices"

func deviceKey(sensorID string) string {
	return fmt.Sprintf("device:%s", sensorID)
}

// RedisRegistry shares device status between the gateway, the MQTT
// listener and the analytics processes.
type RedisRegistry struct {
	redis *redis.Client
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{redis: client}
}

func (r *RedisRegistry) Get(ctx context.Context, sensorID string) (DeviceStatus, bool, error) {
	data, err := r.redis.Get(ctx, deviceKey(sensorID)).Bytes()
	if err == redis.Nil {
		return DeviceStatus{}, false, nil
	}
	if err != nil {
		return DeviceStatus{}, false, fmt.Errorf("failed to get device from Redis: %w", err)
	}
	var status DeviceStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return DeviceStatus{}, false, fmt.Errorf("failed to unmarshal device: %w", err)
	}
	return status, true, nil
}

func (r *RedisRegistry) Upsert(ctx context.Context, status DeviceStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal device: %w", err)
	}
	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, deviceKey(status.SensorID), data, 0)
	pipe.SAdd(ctx, devicesSetKey, status.SensorID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store device in Redis: %w", err)
	}
	return nil
}

func (r *RedisRegistry) MarkOffline(ctx context.Context, sensorID string) error {
	status, ok, err := r.Get(ctx, sensorID)
	if err != nil || !ok {
		return err
	}
	status.Online = false
	return r.Upsert(ctx, status)
}

func (r *RedisRegistry) Devices(ctx context.Context) ([]DeviceStatus, error) {
	ids, err := r.redis.SMembers(ctx, devicesSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if len(ids) == 0 {
		return []DeviceStatus{}, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = deviceKey(id)
	}
	values, err := r.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}

	out := make([]DeviceStatus, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// set member without a record; registered but never reported
			out = append(out, DeviceStatus{SensorID: ids[i]})
			continue
		}
		var status DeviceStatus
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device %s: %w", ids[i], err)
		}
		out = append(out, status)
	}
	return out, nil
}
