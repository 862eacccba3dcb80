package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Publisher is the part of a Redis client the relay uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisRelay republishes events on a Redis channel for servers that relay them to
// POS clients, and keeps the last event of each device under "<prefix>:<device>".
type RedisRelay struct {
	client    Publisher
	closer    func() error
	channel   string
	keyPrefix string
	ttl       time.Duration
	log       *logrus.Logger
}

func NewRedisRelay(addr, password string, db int, channel string, log *logrus.Logger) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 4,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis relay %s: %w", addr, err)
	}

	log.Infof("Redis relay connected: %s channel=%s", addr, channel)

	relay := NewRedisRelayWithClient(client, channel, log)
	relay.closer = client.Close
	return relay, nil
}

func NewRedisRelayWithClient(client Publisher, channel string, log *logrus.Logger) *RedisRelay {
	if channel == "" {
		channel = "iot:device_changed"
	}

	return &RedisRelay{
		client:    client,
		channel:   channel,
		keyPrefix: channel,
		ttl:       10 * time.Minute,
		log:       log,
	}
}

func (r *RedisRelay) DeviceChanged(ctx context.Context, ev DeviceChanged) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if err = r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	key := r.keyPrefix + ":" + ev.DeviceIdentifier
	if err = r.client.Set(ctx, key, payload, r.ttl).Err(); err != nil {
		r.log.Warnf("Redis relay: keep last event for %s: %v", ev.DeviceIdentifier, err)
	}

	return nil
}

func (r *RedisRelay) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
