// Package redis stores verification results in Redis.
//
// A result written to redis://<key> is stored as JSON under <key>, its
// attributes as a hash under <key>:attrs, and its run ID is pushed onto the
// capped list <key>:runs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"
	goredis "github.com/redis/go-redis/v9"

	"github.com/couchcryptid/point-verif/internal/adapter/sink"
	"github.com/couchcryptid/point-verif/internal/domain"
)

// Options tunes how results are stored.
type Options struct {
	// TTL expires the stored result; zero keeps it.
	TTL time.Duration
	// History caps the run ID list.
	History int64
	// Attempts is the number of write attempts before giving up.
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultOptions keeps results forever and the last 100 run IDs.
func DefaultOptions() Options {
	return Options{
		History:        100,
		Attempts:       3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Sink implements pipeline.Sink for redis:// destinations.
type Sink struct {
	client *goredis.Client
	opts   Options
	logger *slog.Logger
}

// NewClient connects to the Redis server at url, e.g. redis://localhost:6379/0.
func NewClient(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, &domain.ConfigError{Field: "REDIS_URL", Value: url, Msg: err.Error()}
	}
	return goredis.NewClient(opts), nil
}

// NewSink creates a Redis sink.
func NewSink(client *goredis.Client, opts Options, logger *slog.Logger) *Sink {
	return &Sink{client: client, opts: opts, logger: logger}
}

// CheckReadiness pings the server.
func (s *Sink) CheckReadiness(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Persist stores res under the key named by dest, retrying failed writes
// with exponential backoff.
func (s *Sink) Persist(ctx context.Context, res *domain.VerificationResult, dest string) error {
	key := sink.Target(dest)
	if key == "" {
		return &domain.ConfigError{Field: "output", Value: dest, Msg: "redis destination needs a key"}
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("serialize result: %w", err)
	}

	backoff := s.opts.InitialBackoff
	attempts := max(s.opts.Attempts, 1)
	for attempt := 1; ; attempt++ {
		err = s.write(ctx, key, payload, res.Attributes)
		if err == nil {
			return nil
		}
		if attempt >= attempts || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("write result to redis key %s: %w", key, err)
		}
		s.logger.Warn("redis write failed, retrying",
			"key", key,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if !retry.SleepWithContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff = retry.NextBackoff(backoff, s.opts.MaxBackoff)
	}
}

func (s *Sink) write(ctx context.Context, key string, payload []byte, attrs domain.Attributes) error {
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, key, payload, s.opts.TTL)
		p.HSet(ctx, key+":attrs", map[string]any{
			"parameter":      attrs.Parameter,
			"units":          attrs.Units,
			"num_stations":   attrs.NumStations,
			"num_iterations": strconv.Itoa(attrs.NumIterations),
			"run_id":         attrs.RunID,
			"created_at":     attrs.CreatedAt.UTC().Format(time.RFC3339),
		})
		if s.opts.TTL > 0 {
			p.Expire(ctx, key+":attrs", s.opts.TTL)
		}
		if attrs.RunID != "" && s.opts.History > 0 {
			p.LPush(ctx, key+":runs", attrs.RunID)
			p.LTrim(ctx, key+":runs", 0, s.opts.History-1)
		}
		return nil
	})
	return err
}
