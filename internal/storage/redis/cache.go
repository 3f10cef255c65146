package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const healthTTL = 5 * time.Minute

// ErrMiss is returned by the Get helpers when the key is absent.
var ErrMiss = errors.New("cache miss")

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) *Client {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		opt = &redis.Options{
			Addr: redisURL,
		}
	}

	return &Client{redis.NewClient(opt)}
}

func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return c.Set(ctx, key, data, expiration).Err()
}

func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

func HealthKey(applicationID, subdomain string) string {
	if subdomain == "" {
		return fmt.Sprintf("healer:health:%s", applicationID)
	}
	return fmt.Sprintf("healer:health:%s:%s", applicationID, subdomain)
}

func (c *Client) CacheHealth(ctx context.Context, applicationID, subdomain string, health interface{}) error {
	return c.SetJSON(ctx, HealthKey(applicationID, subdomain), health, healthTTL)
}

func (c *Client) GetCachedHealth(ctx context.Context, applicationID, subdomain string, dest interface{}) error {
	return c.GetJSON(ctx, HealthKey(applicationID, subdomain), dest)
}

// InvalidateHealth drops the cached score of every target of the
// application after a diagnosis or heal.
func (c *Client) InvalidateHealth(ctx context.Context, applicationID string) error {
	keys, err := c.Keys(ctx, HealthKey(applicationID, "")+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.Del(ctx, keys...).Err()
}
