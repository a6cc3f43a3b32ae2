package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/research/state"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "research:session:"
	sessionIndexKey  = "research:sessions"
)

// ErrNotFound is returned when no checkpoint exists for a session.
var ErrNotFound = errors.New("checkpoint not found")

// Conn dials redis and verifies the connection.
func Conn(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		DialTimeout: cfg.Timeout,
		Password:    cfg.Password,
		DB:          cfg.DB,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr(), err)
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

// Store keeps the latest snapshot of each session in redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{
		client: client,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[CHECKPOINT] ", log.LstdFlags),
	}
}

// Save overwrites the session's checkpoint and refreshes its position in the index.
func (s *Store) Save(ctx context.Context, snap state.Snapshot) error {
	if snap.SessionID == "" {
		return errors.New("checkpoint: session id required")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+snap.SessionID, data, s.ttl)
	pipe.ZAdd(ctx, sessionIndexKey, redis.Z{Score: float64(snap.UpdatedAt.Unix()), Member: snap.SessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", snap.SessionID, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, sessionID string) (state.Snapshot, error) {
	val, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return state.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return state.Snapshot{}, err
	}
	var snap state.Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return state.Snapshot{}, fmt.Errorf("decode checkpoint %s: %w", sessionID, err)
	}
	return snap, nil
}

// List returns session ids, most recently updated first. Expired sessions are pruned from the index.
func (s *Store) List(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, sessionIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := s.client.Exists(ctx, sessionKeyPrefix+id).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			if err := s.client.ZRem(ctx, sessionIndexKey, id).Err(); err != nil {
				s.logger.Printf("prune %s: %v", id, err)
			}
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+sessionID)
	pipe.ZRem(ctx, sessionIndexKey, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}
