package spot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-bullion/internal/obs"
	"github.com/noah-isme/backend-bullion/internal/pricing"
)

const (
	// DefaultSnapshotKey stores the latest published snapshot.
	DefaultSnapshotKey = "spot:latest"
	// DefaultChannel carries snapshot updates to subscribers.
	DefaultChannel = "spot:quotes"
)

// Store persists snapshots in Redis and fans them out over pub/sub.
type Store struct {
	R       *redis.Client
	Key     string
	Channel string
	Logger  zerolog.Logger
}

// NewStore returns a store using the given key and channel, or the defaults.
func NewStore(client *redis.Client, key, channel string, logger zerolog.Logger) *Store {
	if key == "" {
		key = DefaultSnapshotKey
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Store{R: client, Key: key, Channel: channel, Logger: logger}
}

// Publish stores the snapshot and notifies subscribers.
func (s *Store) Publish(ctx context.Context, quotes pricing.Quotes) error {
	payload, err := json.Marshal(quotes.List())
	if err != nil {
		return fmt.Errorf("encode spot snapshot: %w", err)
	}
	pipe := s.R.TxPipeline()
	pipe.Set(ctx, s.Key, payload, 0)
	pipe.Publish(ctx, s.Channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish spot snapshot: %w", err)
	}
	return nil
}

// Load reads the last stored snapshot. A missing key yields an empty snapshot.
func (s *Store) Load(ctx context.Context) (pricing.Quotes, error) {
	payload, err := s.R.Get(ctx, s.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return pricing.Quotes{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load spot snapshot: %w", err)
	}
	return decodeSnapshot(payload)
}

// Subscribe replaces feed's snapshot with every published update until ctx
// is cancelled. The stored snapshot is loaded once the subscription is live so
// no update published in between is missed.
func (s *Store) Subscribe(ctx context.Context, feed *Feed) error {
	sub := s.R.Subscribe(ctx, s.Channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe spot channel: %w", err)
	}
	if quotes, err := s.Load(ctx); err != nil {
		s.Logger.Warn().Err(err).Msg("spot_snapshot_load_failed")
	} else if len(quotes) > 0 {
		feed.Replace(quotes)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			quotes, err := decodeSnapshot([]byte(msg.Payload))
			if err != nil {
				s.Logger.Warn().Err(err).Msg("spot_snapshot_decode_failed")
				continue
			}
			feed.Replace(quotes)
			s.Logger.Debug().Int("metals", len(quotes)).Msg("spot_snapshot_received")
		}
	}
}

func decodeSnapshot(payload []byte) (pricing.Quotes, error) {
	var list []pricing.SpotQuote
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("decode spot snapshot: %w", err)
	}
	valid := make([]pricing.SpotQuote, 0, len(list))
	for _, q := range list {
		if q.Validate() == nil {
			valid = append(valid, q)
		}
	}
	return pricing.NewQuotes(valid), nil
}

func recordUpdate(metal pricing.Metal) {
	if obs.SpotQuoteUpdates != nil {
		obs.SpotQuoteUpdates.WithLabelValues(string(metal)).Inc()
	}
}
