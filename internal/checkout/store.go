package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("checkout: session not found")

// Store persists sessions as JSON in Redis with a sliding TTL.
type Store struct {
	R      *redis.Client
	Prefix string
	TTL    time.Duration
}

// NewStore returns a store using the default key prefix.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Store{R: client, Prefix: "checkout:session:", TTL: ttl}
}

func (s *Store) key(id string) string {
	return s.Prefix + id
}

// LockKey is the key used to serialise events for one session.
func (s *Store) LockKey(id string) string {
	return s.Prefix + id + ":lock"
}

// Load fetches a session.
func (s *Store) Load(ctx context.Context, id string) (State, error) {
	raw, err := s.R.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("load session: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("decode session: %w", err)
	}
	return st, nil
}

// Save writes a session and refreshes its TTL.
func (s *Store) Save(ctx context.Context, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.R.Set(ctx, s.key(st.ID), raw, s.TTL).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
