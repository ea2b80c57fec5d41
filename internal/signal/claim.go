package signal

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// ClaimTTL bounds how long a fingerprint stays claimed by one instance.
const ClaimTTL = 2 * time.Minute

// Claimer reserves a fingerprint so only one instance processes it.
type Claimer interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisClaimer claims fingerprints with SETNX across instances. The database
// unique key stays authoritative; a claim only avoids wasted work.
type RedisClaimer struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisClaimer connects to addr and pings the server.
func NewRedisClaimer(ctx context.Context, addr string) (*RedisClaimer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisClaimerFromClient(client), nil
}

// NewRedisClaimerFromClient wraps an existing client.
func NewRedisClaimerFromClient(client *goredis.Client) *RedisClaimer {
	return &RedisClaimer{client: client, prefix: "signal:claim:", ttl: ClaimTTL}
}

// Claim returns true if this caller now owns key.
func (c *RedisClaimer) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, time.Now().UTC().Format(time.RFC3339), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim: %w", err)
	}
	return ok, nil
}

// Release drops the claim on key.
func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (c *RedisClaimer) Close() error { return c.client.Close() }
