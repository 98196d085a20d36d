// Package cache projects the latest pooled prices into Redis for cheap
// read access by the operator API. The cache is optional; every read has a
// storage fallback, so Redis absence degrades instead of failing.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gtnet/storage"
)

const (
	familySecurity     = "security"
	familyCurrencypair = "pair"
)

// Entry is the cached projection of one pooled price.
type Entry struct {
	Isin       *string  `json:"isin,omitempty"`
	Currency   string   `json:"currency"`
	ToCurrency *string  `json:"to_currency,omitempty"`
	Timestamp  *int64   `json:"timestamp,omitempty"`
	Last       *float64 `json:"last,omitempty"`
	Volume     *float64 `json:"volume,omitempty"`
}

// Cache wraps one Redis client.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies reachability.
func New(addr, password string, db int, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// keyFor builds the cache key of one pooled instrument.
func keyFor(instrument storage.PooledInstrument) string {
	if instrument.Isin != nil {
		return fmt.Sprintf("pool:last:%s:%s:%s", familySecurity, *instrument.Isin, instrument.Currency)
	}
	toCurrency := ""
	if instrument.ToCurrency != nil {
		toCurrency = *instrument.ToCurrency
	}
	return fmt.Sprintf("pool:last:%s:%s:%s", familyCurrencypair, instrument.Currency, toCurrency)
}

// SetPooledPrice stores the latest price of one pool entry.
func (c *Cache) SetPooledPrice(ctx context.Context, entry storage.PooledEntry) error {
	cached := Entry{
		Isin:       entry.Instrument.Isin,
		Currency:   entry.Instrument.Currency,
		ToCurrency: entry.Instrument.ToCurrency,
		Timestamp:  entry.Price.Timestamp,
		Last:       entry.Price.Last,
		Volume:     entry.Price.Volume,
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshal cached price: %w", err)
	}
	if err := c.client.Set(ctx, keyFor(entry.Instrument), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached price: %w", err)
	}
	return nil
}

// GetSecurityPrice reads the cached price of one pooled security. A cache
// miss yields (nil, nil).
func (c *Cache) GetSecurityPrice(ctx context.Context, isin, currency string) (*Entry, error) {
	return c.get(ctx, fmt.Sprintf("pool:last:%s:%s:%s", familySecurity, isin, currency))
}

// GetCurrencypairPrice reads the cached price of one pooled currency pair.
// A cache miss yields (nil, nil).
func (c *Cache) GetCurrencypairPrice(ctx context.Context, fromCurrency, toCurrency string) (*Entry, error) {
	return c.get(ctx, fmt.Sprintf("pool:last:%s:%s:%s", familyCurrencypair, fromCurrency, toCurrency))
}

func (c *Cache) get(ctx context.Context, key string) (*Entry, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached price: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal cached price: %w", err)
	}
	return &entry, nil
}

// RefreshPool projects the whole push pool into the cache. It runs after a
// push-open exchange mutated the pool.
func (c *Cache) RefreshPool(ctx context.Context, store *storage.Store) error {
	entries, err := store.ListPool()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := c.SetPooledPrice(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
