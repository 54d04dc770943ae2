package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// View is a read-only copy of one entity's cart, published for projections.
type View struct {
	EntityID  int        `json:"entity_id"`
	UserID    string     `json:"user_id,omitempty"`
	Zone      string     `json:"zone,omitempty"`
	Items     []LineItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// KV is the subset of redis.Cmdable the projection needs.
type KV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisProjection mirrors live carts into redis so other services can show
// what a person is carrying before they check out. It never feeds back into
// the engine.
type RedisProjection struct {
	kv   KV
	ttl  time.Duration
	keys map[string]bool
}

// NewRedisProjection returns a projection writing through kv with the given TTL.
func NewRedisProjection(kv KV, ttl time.Duration) *RedisProjection {
	return &RedisProjection{kv: kv, ttl: ttl, keys: make(map[string]bool)}
}

// Key returns the redis key for an entity's cart.
func Key(entityID int) string {
	return fmt.Sprintf("cart:entity:%d", entityID)
}

// Apply writes every view and deletes keys for entities no longer present.
func (p *RedisProjection) Apply(ctx context.Context, views []View) error {
	current := make(map[string]bool, len(views))
	for _, v := range views {
		key := Key(v.EntityID)
		current[key] = true
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := p.kv.Set(ctx, key, data, p.ttl).Err(); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	var stale []string
	for key := range p.keys {
		if !current[key] {
			stale = append(stale, key)
		}
	}
	if len(stale) > 0 {
		if err := p.kv.Del(ctx, stale...).Err(); err != nil {
			return fmt.Errorf("del stale carts: %w", err)
		}
	}
	p.keys = current
	return nil
}

// Run applies each batch from updates until ctx is done or updates closes.
// Failures are logged and the next batch is tried.
func (p *RedisProjection) Run(ctx context.Context, updates <-chan []View) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case views, ok := <-updates:
			if !ok {
				return nil
			}
			if err := p.Apply(ctx, views); err != nil {
				opsf("cart projection: %v", err)
			}
		}
	}
}

// NewRedisClient parses url and verifies the server answers a PING.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
