package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"noisemon/internal/config"
	"noisemon/internal/model"
)

// Redis mirrors the live feed into Redis: the latest record per source
// under a TTL, a capped list of recent records and a capped list plus a
// pub/sub channel for anomaly events.
type Redis struct {
	client     redis.UniversalClient
	prefix     string
	recentSize int64
	latestTTL  time.Duration
}

func NewRedis(cfg config.RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedis(client, cfg)
}

func newRedis(client redis.UniversalClient, cfg config.RedisConfig) *Redis {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "noisemon"
	}
	size := int64(cfg.RecentSize)
	if size <= 0 {
		size = 1000
	}
	return &Redis{client: client, prefix: prefix, recentSize: size, latestTTL: cfg.LatestTTL}
}

func (r *Redis) Check(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *Redis) LatestKey(source string) string {
	if source == "" {
		return r.key("latest")
	}
	return r.key("latest", source)
}

func (r *Redis) RecentKey() string { return r.key("recent") }

func (r *Redis) AnomaliesKey() string { return r.key("anomalies") }

func (r *Redis) PublishRecord(ctx context.Context, rec model.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.LatestKey(""), payload, r.latestTTL)
	if rec.Source != "" {
		pipe.Set(ctx, r.LatestKey(rec.Source), payload, r.latestTTL)
	}
	pipe.LPush(ctx, r.RecentKey(), payload)
	pipe.LTrim(ctx, r.RecentKey(), 0, r.recentSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis exec: %w", err)
	}
	return nil
}

func (r *Redis) PublishAnomaly(ctx context.Context, a model.Anomaly) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal anomaly: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.LPush(ctx, r.AnomaliesKey(), payload)
	pipe.LTrim(ctx, r.AnomaliesKey(), 0, r.recentSize-1)
	pipe.Publish(ctx, r.AnomaliesKey(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis exec: %w", err)
	}
	return nil
}

// FetchLatest returns nil without error when no record is cached.
func (r *Redis) FetchLatest(ctx context.Context, source string) (*model.Record, error) {
	data, err := r.client.Get(ctx, r.LatestKey(source)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rec model.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}
