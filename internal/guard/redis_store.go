package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/booking-guard/internal/fingerprint"
	"github.com/wolfman30/booking-guard/internal/observability/metrics"
	"github.com/wolfman30/booking-guard/pkg/logging"
)

const (
	inFlightKeyPrefix = "guard:inflight:"
	lastKeyPrefix     = "guard:last:"
)

// RedisStore shares the duplicate guard between processes. In-flight marks
// and minimum-interval records are plain keys with a TTL, so Redis does the
// sweeping.
type RedisStore struct {
	rdb         *redis.Client
	minInterval time.Duration
	retention   time.Duration
	logger      *logging.Logger
	metrics     *metrics.ClientMetrics
}

var _ Guard = (*RedisStore)(nil)

// NewRedisStore creates a guard backed by Redis. cfg.Clock is ignored.
func NewRedisStore(rdb *redis.Client, cfg RegistryConfig) *RedisStore {
	if rdb == nil {
		panic("guard: redis client required")
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &RedisStore{
		rdb:         rdb,
		minInterval: cfg.MinInterval,
		retention:   cfg.Retention,
		logger:      cfg.Logger.Component("guard.redis"),
		metrics:     cfg.Metrics,
	}
}

func inFlightKey(fp fingerprint.Fingerprint) string { return inFlightKeyPrefix + string(fp) }

func lastKey(fp fingerprint.Fingerprint) string { return lastKeyPrefix + string(fp) }

// CheckRapidRequest records fp for minInterval unless a record already exists.
func (s *RedisStore) CheckRapidRequest(ctx context.Context, fp fingerprint.Fingerprint, minInterval time.Duration) (bool, error) {
	if minInterval <= 0 {
		minInterval = s.minInterval
	}
	ok, err := s.rdb.SetNX(ctx, lastKey(fp), time.Now().UnixMilli(), minInterval).Result()
	if err != nil {
		return false, fmt.Errorf("guard: record request time: %w", err)
	}
	return ok, nil
}

// IsDuplicateInFlight reports whether an in-flight mark exists for fp.
func (s *RedisStore) IsDuplicateInFlight(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	n, err := s.rdb.Exists(ctx, inFlightKey(fp)).Result()
	if err != nil {
		return false, fmt.Errorf("guard: check in flight: %w", err)
	}
	return n > 0, nil
}

// Acquire checks both records and then claims the in-flight key with SET NX,
// so two processes racing on the same fingerprint cannot both win.
func (s *RedisStore) Acquire(ctx context.Context, fp fingerprint.Fingerprint) error {
	dup, err := s.IsDuplicateInFlight(ctx, fp)
	if err != nil {
		return err
	}
	if dup {
		s.metrics.ObserveSuppressed("duplicate_in_flight")
		return ErrDuplicateInFlight
	}
	allowed, err := s.CheckRapidRequest(ctx, fp, s.minInterval)
	if err != nil {
		return err
	}
	if !allowed {
		s.metrics.ObserveSuppressed("too_soon")
		return ErrTooSoon
	}
	claimed, err := s.rdb.SetNX(ctx, inFlightKey(fp), time.Now().UnixMilli(), s.retention).Result()
	if err != nil {
		return fmt.Errorf("guard: mark in flight: %w", err)
	}
	if !claimed {
		s.metrics.ObserveSuppressed("duplicate_in_flight")
		return ErrDuplicateInFlight
	}
	return nil
}

// ReleaseAfter shortens the in-flight key's TTL to delay.
func (s *RedisStore) ReleaseAfter(ctx context.Context, fp fingerprint.Fingerprint, delay time.Duration) error {
	if delay <= 0 {
		return s.Release(ctx, fp)
	}
	if err := s.rdb.PExpire(ctx, inFlightKey(fp), delay).Err(); err != nil {
		return fmt.Errorf("guard: schedule release: %w", err)
	}
	return nil
}

// Release deletes the in-flight key now.
func (s *RedisStore) Release(ctx context.Context, fp fingerprint.Fingerprint) error {
	if err := s.rdb.Del(ctx, inFlightKey(fp)).Err(); err != nil {
		return fmt.Errorf("guard: release: %w", err)
	}
	return nil
}

// Stats counts guard keys with SCAN.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	inFlight, err := s.count(ctx, inFlightKeyPrefix+"*")
	if err != nil {
		return Stats{}, err
	}
	tracked, err := s.count(ctx, lastKeyPrefix+"*")
	if err != nil {
		return Stats{}, err
	}
	return Stats{InFlight: inFlight, Tracked: tracked}, nil
}

func (s *RedisStore) count(ctx context.Context, pattern string) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, fmt.Errorf("guard: scan %s: %w", pattern, err)
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}
