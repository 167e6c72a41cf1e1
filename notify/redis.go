package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "papertrade:events"

// Publisher is the part of *redis.Client the Redis sink uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes each event as JSON on a pub/sub channel.
type Redis struct {
	pub     Publisher
	channel string
}

func NewRedis(pub Publisher, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{pub: pub, channel: channel}
}

func (r *Redis) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis notify: encode: %w", err)
	}
	if err := r.pub.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis notify: publish to %s: %w", r.channel, err)
	}
	return nil
}

// RedisOptions configures DialRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
	})

	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", o.Addr, err)
	}
	return client, nil
}
