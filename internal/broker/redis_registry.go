package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-io-canvas/internal/config"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/pkg/log"
)

// Only touch a key while this node still owns it, so an expired claim that
// another node took over is never refreshed or deleted from here.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisRegistry shares peer registrations between broker nodes. Keys expire
// unless the owning node keeps refreshing them, so a crashed node's peers
// become free again after KeyTTL.
type RedisRegistry struct {
	client            *redis.Client
	prefix            string
	keyTTL            time.Duration
	heartbeatInterval time.Duration
	managedKeys       map[string]string // key -> owning node
	mu                sync.RWMutex
	cancel            context.CancelFunc
}

func NewRedisRegistry(cfg config.RedisConfig) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisRegistry(client, cfg), nil
}

func newRedisRegistry(client *redis.Client, cfg config.RedisConfig) *RedisRegistry {
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.KeyTTL / 3
	}
	return &RedisRegistry{
		client:            client,
		prefix:            cfg.Prefix,
		keyTTL:            cfg.KeyTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		managedKeys:       make(map[string]string),
	}
}

func (r *RedisRegistry) keyFor(peerID string) string {
	return fmt.Sprintf("%s:peer:%s", r.prefix, peerID)
}

func (r *RedisRegistry) Claim(ctx context.Context, peerID, nodeID string) error {
	key := r.keyFor(peerID)

	ok, err := r.client.SetNX(ctx, key, nodeID, r.keyTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to claim peer id: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrIdentifierTaken, peerID)
	}

	r.mu.Lock()
	r.managedKeys[key] = nodeID
	r.mu.Unlock()

	l := log.L()
	l.Info().Str(log.FieldPeerID, peerID).Str(log.FieldNode, nodeID).Msg("claimed peer id")
	return nil
}

func (r *RedisRegistry) Release(ctx context.Context, peerID, nodeID string) error {
	key := r.keyFor(peerID)

	r.mu.Lock()
	delete(r.managedKeys, key)
	r.mu.Unlock()

	if err := releaseScript.Run(ctx, r.client, []string{key}, nodeID).Err(); err != nil {
		return fmt.Errorf("failed to release peer id: %w", err)
	}

	l := log.L()
	l.Info().Str(log.FieldPeerID, peerID).Str(log.FieldNode, nodeID).Msg("released peer id")
	return nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, peerID string) (string, error) {
	node, err := r.client.Get(ctx, r.keyFor(peerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", domain.ErrPeerUnavailable, peerID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to lookup peer id: %w", err)
	}
	return node, nil
}

func (r *RedisRegistry) StartHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.heartbeatLoop(ctx)
	l := log.L()
	l.Info().Dur("interval", r.heartbeatInterval).Dur("ttl", r.keyTTL).Msg("registry heartbeat started")
	return nil
}

func (r *RedisRegistry) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshKeys(ctx)
		}
	}
}

func (r *RedisRegistry) refreshKeys(ctx context.Context) {
	r.mu.RLock()
	keys := make(map[string]string, len(r.managedKeys))
	for k, node := range r.managedKeys {
		keys[k] = node
	}
	r.mu.RUnlock()

	for key, node := range keys {
		if err := refreshScript.Run(ctx, r.client, []string{key}, node, r.keyTTL.Milliseconds()).Err(); err != nil {
			l := log.L()
			l.Error().Str("key", key).Err(err).Msg("failed to refresh key")
		}
	}
}

func (r *RedisRegistry) StopHeartbeat() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *RedisRegistry) Close() error {
	r.StopHeartbeat()
	return r.client.Close()
}
