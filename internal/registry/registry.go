// Package registry enforces one active voice session per conversation
// across daemon instances. Ownership is a Redis key set with SETNX; without
// Redis the check only covers this process.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ai-voice-session-controller/internal/observability/logging"
)

// ErrConflict is returned when another owner holds the conversation.
var ErrConflict = errors.New("conversation already has an active voice session")

// releaseScript deletes the key only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only if the key still belongs to the caller.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets how long a claim lives without Refresh. Zero means no expiry.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		r.ttl = ttl
	}
}

// WithPrefix sets the Redis key prefix.
func WithPrefix(prefix string) Option {
	return func(r *Registry) {
		r.prefix = prefix
	}
}

// Registry tracks which owner holds each conversation.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger zerolog.Logger

	mu    sync.Mutex
	local map[string]string
}

// New creates a registry over client. A nil client keeps claims in memory.
func New(client *redis.Client, opts ...Option) *Registry {
	r := &Registry{
		client: client,
		ttl:    time.Minute,
		prefix: "voice-session",
		logger: logging.WithComponent("registry"),
		local:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect dials Redis and falls back to an in-memory registry when the
// server does not answer a ping.
func Connect(ctx context.Context, redisOpts *redis.Options, opts ...Option) *Registry {
	if redisOpts == nil || redisOpts.Addr == "" {
		return New(nil, opts...)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger := logging.WithComponent("registry")
		logger.Warn().
			Err(err).
			Str("addr", redisOpts.Addr).
			Msg("Redis unavailable, using in-memory session registry")
		_ = client.Close()
		return New(nil, opts...)
	}
	return New(client, opts...)
}

// Backend reports where claims are stored.
func (r *Registry) Backend() string {
	if r.client == nil {
		return "memory"
	}
	return "redis"
}

func (r *Registry) key(conversationID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, conversationID)
}

// Acquire claims conversationID for owner. Claiming again with the same
// owner succeeds. Returns ErrConflict if someone else holds it.
func (r *Registry) Acquire(ctx context.Context, conversationID, owner string) error {
	if r.client == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.local[conversationID]; ok && cur != owner {
			return fmt.Errorf("%w: %s", ErrConflict, conversationID)
		}
		r.local[conversationID] = owner
		return nil
	}

	key := r.key(conversationID)
	ok, err := r.client.SetNX(ctx, key, owner, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("claim %s: %w", conversationID, err)
	}
	if ok {
		r.logger.Debug().Str("conversationId", conversationID).Str("owner", owner).Msg("Conversation claimed")
		return nil
	}

	cur, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET.
		return r.Acquire(ctx, conversationID, owner)
	}
	if err != nil {
		return fmt.Errorf("read claim %s: %w", conversationID, err)
	}
	if cur != owner {
		return fmt.Errorf("%w: %s", ErrConflict, conversationID)
	}
	return r.Refresh(ctx, conversationID, owner)
}

// Refresh extends owner's claim. Returns ErrConflict if the claim was lost.
func (r *Registry) Refresh(ctx context.Context, conversationID, owner string) error {
	if r.client == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.local[conversationID] != owner {
			return fmt.Errorf("%w: %s", ErrConflict, conversationID)
		}
		return nil
	}
	if r.ttl <= 0 {
		return nil
	}
	n, err := refreshScript.Run(ctx, r.client, []string{r.key(conversationID)}, owner, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", conversationID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConflict, conversationID)
	}
	return nil
}

// Release drops owner's claim. Releasing a claim held by someone else is a no-op.
func (r *Registry) Release(ctx context.Context, conversationID, owner string) error {
	if r.client == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.local[conversationID] == owner {
			delete(r.local, conversationID)
		}
		return nil
	}
	if err := releaseScript.Run(ctx, r.client, []string{r.key(conversationID)}, owner).Err(); err != nil {
		return fmt.Errorf("release %s: %w", conversationID, err)
	}
	r.logger.Debug().Str("conversationId", conversationID).Str("owner", owner).Msg("Conversation released")
	return nil
}

// Owner returns the current holder of conversationID.
func (r *Registry) Owner(ctx context.Context, conversationID string) (string, bool, error) {
	if r.client == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		owner, ok := r.local[conversationID]
		return owner, ok, nil
	}
	owner, err := r.client.Get(ctx, r.key(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

// Ping checks the backing store.
func (r *Registry) Ping(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *Registry) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
