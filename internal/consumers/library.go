// Package consumers holds the downstream subscribers fed by the event bus:
// library grants, user notifications, and revenue analytics. Delivery is
// at-least-once, so every handler tolerates seeing the same event twice.
package consumers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloudgames/payment-engine/internal/payment/domain"
	"github.com/cloudgames/payment-engine/pkg/bus"
)

// LibraryStore records game ownership for a user. AddGame reports false
// when the entry already existed, which makes redelivery a no-op.
type LibraryStore interface {
	AddGame(ctx context.Context, userID, gameID, paymentID string) (bool, error)
	Owns(ctx context.Context, userID, gameID string) (bool, error)
}

type Library struct {
	log   *slog.Logger
	store LibraryStore
}

func NewLibrary(log *slog.Logger, store LibraryStore) *Library {
	return &Library{log: log, store: store}
}

func (l *Library) Register(b *bus.Broker) {
	b.Subscribe("library", l.handle, domain.EventGamePurchased)
}

func (l *Library) handle(ctx context.Context, e bus.Event) error {
	var purchased domain.GamePurchased
	if err := json.Unmarshal(e.Payload, &purchased); err != nil {
		return fmt.Errorf("decode GamePurchased: %w", err)
	}

	added, err := l.store.AddGame(ctx, purchased.UserID, purchased.GameID, purchased.PaymentID)
	if err != nil {
		return err
	}
	if !added {
		l.log.Info("library entry already present",
			"user_id", purchased.UserID, "game_id", purchased.GameID, "event_id", e.ID)
		return nil
	}
	l.log.Info("game added to library",
		"user_id", purchased.UserID, "game_id", purchased.GameID, "payment_id", purchased.PaymentID)
	return nil
}

// RedisLibrary persists ownership as SETNX keys shared between worker
// instances.
type RedisLibrary struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLibrary(rdb *redis.Client, ttl time.Duration) *RedisLibrary {
	return &RedisLibrary{rdb: rdb, ttl: ttl}
}

func libraryKey(userID, gameID string) string {
	return fmt.Sprintf("library:%s:%s", userID, gameID)
}

func (s *RedisLibrary) AddGame(ctx context.Context, userID, gameID, paymentID string) (bool, error) {
	return s.rdb.SetNX(ctx, libraryKey(userID, gameID), paymentID, s.ttl).Result()
}

func (s *RedisLibrary) Owns(ctx context.Context, userID, gameID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, libraryKey(userID, gameID)).Result()
	return n > 0, err
}

type MemoryLibrary struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewMemoryLibrary() *MemoryLibrary {
	return &MemoryLibrary{entries: make(map[string]string)}
}

func (s *MemoryLibrary) AddGame(ctx context.Context, userID, gameID, paymentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := libraryKey(userID, gameID)
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = paymentID
	return true, nil
}

func (s *MemoryLibrary) Owns(ctx context.Context, userID, gameID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[libraryKey(userID, gameID)]
	return ok, nil
}
