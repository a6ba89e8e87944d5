package corr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/riskgate/riskgate/internal/config"
	"github.com/riskgate/riskgate/internal/numerics"
)

// Snapshot is one published, immutable matrix set. The Gatekeeper consumes
// snapshots by id reference only.
type Snapshot struct {
	ID           int64    `json:"corr_matrix_snapshot_id"`
	Instruments  []string `json:"instruments"`
	PSD          Matrix   `json:"psd"`
	Stress       Matrix   `json:"stress"`
	Blend        Matrix   `json:"blend"`
	Gamma        float64  `json:"gamma_s"`
	ComputedAtMs int64    `json:"computed_at_ts"`
	ValidFromMs  int64    `json:"valid_from_ts"`
	SHA256       string   `json:"sha256"`
}

// AgeSec returns the snapshot age at the given wall time.
func (s *Snapshot) AgeSec(nowMs int64) float64 {
	return float64(nowMs-s.ComputedAtMs) / 1000.0
}

// Index returns the row index for an instrument, or -1.
func (s *Snapshot) Index(instrument string) int {
	for i, inst := range s.Instruments {
		if inst == instrument {
			return i
		}
	}
	return -1
}

// Store persists snapshots out of process. Implemented by RedisStore; tests
// supply an in-memory fake.
type Store interface {
	Put(ctx context.Context, snap *Snapshot) error
	Latest(ctx context.Context) (*Snapshot, error)
}

// RedisStore keeps JSON-encoded snapshots under corr:snapshot:<id> with a
// corr:latest pointer.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore builds a store over an existing client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal corr snapshot: %w", err)
	}
	key := fmt.Sprintf("corr:snapshot:%d", snap.ID)
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store corr snapshot: %w", err)
	}
	if err := s.client.Set(ctx, "corr:latest", key, s.ttl).Err(); err != nil {
		return fmt.Errorf("store corr latest pointer: %w", err)
	}
	return nil
}

func (s *RedisStore) Latest(ctx context.Context) (*Snapshot, error) {
	key, err := s.client.Get(ctx, "corr:latest").Result()
	if err != nil {
		return nil, fmt.Errorf("fetch corr latest pointer: %w", err)
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("fetch corr snapshot %s: %w", key, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode corr snapshot: %w", err)
	}
	return &snap, nil
}

// RawSource supplies the raw correlation estimate and the instantaneous
// stress weight; the correlation service behind it is a black box.
type RawSource interface {
	Raw(ctx context.Context) (instruments []string, raw Matrix, gammaTarget float64, err error)
}

// Publisher conditions raw matrices on a timer and publishes snapshots. It
// owns an in-process copy-on-write cache so hot-path readers never touch the
// store; store failures trip the breaker and readers degrade to the stale
// path.
type Publisher struct {
	algebra *Algebra
	cfg     *config.CorrConfig
	source  RawSource
	store   Store
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
	nowMs   func() int64

	mu       sync.RWMutex
	current  *Snapshot
	nextID   int64
	gammaEMA float64
}

// NewPublisher builds a publisher. store may be nil (in-process only).
func NewPublisher(cfg *config.CorrConfig, source RawSource, store Store, log zerolog.Logger, nowMs func() int64) *Publisher {
	return &Publisher{
		algebra: NewAlgebra(cfg),
		cfg:     cfg,
		source:  source,
		store:   store,
		log:     log.With().Str("component", "corr_publisher").Logger(),
		nowMs:   nowMs,
		nextID:  1,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "corr-store",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// PublishOnce computes and publishes one snapshot.
func (p *Publisher) PublishOnce(ctx context.Context) (*Snapshot, error) {
	instruments, raw, gammaTarget, err := p.source.Raw(ctx)
	if err != nil {
		return nil, fmt.Errorf("raw correlation source: %w", err)
	}
	psd, err := p.algebra.Condition(raw)
	if err != nil {
		return nil, fmt.Errorf("condition correlation matrix: %w", err)
	}
	stress, err := p.algebra.Stress(psd)
	if err != nil {
		return nil, fmt.Errorf("stress correlation matrix: %w", err)
	}

	p.mu.Lock()
	alpha := p.cfg.GammaEMAAlpha
	p.gammaEMA = alpha*numerics.Clamp01(gammaTarget) + (1-alpha)*p.gammaEMA
	gamma := p.gammaEMA
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	now := p.nowMs()
	snap := &Snapshot{
		ID:           id,
		Instruments:  instruments,
		PSD:          psd,
		Stress:       stress,
		Blend:        p.algebra.Blend(psd, stress, gamma),
		Gamma:        gamma,
		ComputedAtMs: now,
		ValidFromMs:  now,
	}
	snap.SHA256 = hashSnapshot(snap)

	p.mu.Lock()
	p.current = snap
	p.mu.Unlock()

	if p.store != nil {
		if _, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, p.store.Put(ctx, snap)
		}); err != nil {
			p.log.Error().Err(err).Int64("snapshot_id", snap.ID).Msg("corr snapshot store failed")
		}
	}
	p.log.Info().
		Int64("snapshot_id", snap.ID).
		Int("dim", len(instruments)).
		Float64("gamma_s", gamma).
		Msg("published correlation snapshot")
	return snap, nil
}

// Run publishes on the configured period until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.PublishPeriodSec * float64(time.Second)))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PublishOnce(ctx); err != nil {
				p.log.Error().Err(err).Msg("correlation publish failed")
			}
		}
	}
}

// Current returns the freshest snapshot whose valid_from has passed and whose
// age is inside the configured bound. ok=false means the stale path applies:
// the caller forces DEFENSIVE and the stale risk multiplier.
func (p *Publisher) Current(nowMs int64) (*Snapshot, bool) {
	p.mu.RLock()
	snap := p.current
	p.mu.RUnlock()
	if snap == nil {
		return nil, false
	}
	if nowMs < snap.ValidFromMs || snap.AgeSec(nowMs) > p.cfg.MaxAgeSec {
		return snap, false
	}
	return snap, true
}

func hashSnapshot(s *Snapshot) string {
	payload, _ := json.Marshal(struct {
		ID          int64    `json:"id"`
		Instruments []string `json:"instruments"`
		Blend       Matrix   `json:"blend"`
		Gamma       float64  `json:"gamma"`
	}{s.ID, s.Instruments, s.Blend, s.Gamma})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
