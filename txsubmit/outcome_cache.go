package txsubmit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"
)

// StoredOutcome is the redis-persisted summary of a submission, shared across
// node instances. It doubles as the double-submit guard.
type StoredOutcome struct {
	Signature    string        `json:"signature"`
	Success      bool          `json:"success"`
	Provider     string        `json:"provider,omitempty"`
	BundleID     string        `json:"bundleId,omitempty"`
	FinalState   string        `json:"finalState,omitempty"`
	DecodedError *DecodedError `json:"decodedError,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

type RedisOutcomeCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewRedisOutcomeCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *RedisOutcomeCache {
	return &RedisOutcomeCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

// MarkSubmitted claims the signature. It returns false if another submission
// of the same payload already went out within the cache window.
func (c *RedisOutcomeCache) MarkSubmitted(ctx context.Context, sig solana.Signature) (bool, error) {
	stored := StoredOutcome{Signature: sig.String(), UpdatedAt: time.Now()}
	data, err := json.Marshal(stored)
	if err != nil {
		return false, err
	}
	return c.client.SetNX(ctx, c.keyPrefix+sig.String(), data, c.expireDuration).Result()
}

// Store overwrites the signature's entry with its latest known outcome.
func (c *RedisOutcomeCache) Store(ctx context.Context, outcome StoredOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.keyPrefix+outcome.Signature, data, c.expireDuration).Err()
}

// Get returns the stored outcome, or nil if the signature is unknown.
func (c *RedisOutcomeCache) Get(ctx context.Context, sig solana.Signature) (*StoredOutcome, error) {
	data, err := c.client.Get(ctx, c.keyPrefix+sig.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored StoredOutcome
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// DeleteAll deletes all the keys in the cache. It can be very slow and should
// only be used for testing.
func (c *RedisOutcomeCache) DeleteAll(ctx context.Context) error {
	keys, err := c.client.Keys(ctx, c.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
