package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/homesense/event-resolver/internal/metrics"
)

// DefaultInterval is the cadence of scheduled resolution cycles.
const DefaultInterval = 10 * time.Minute

// ErrCycleInProgress is returned when another cycle, local or on a peer holding the lease, is running.
var ErrCycleInProgress = errors.New("resolution cycle already in progress")

// CycleRunner executes one resolution pass.
type CycleRunner interface {
	ResolveOpenRecords(ctx context.Context) (CycleSummary, error)
}

// Lease is a distributed mutual-exclusion primitive; cache.Provider satisfies it.
type Lease interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
}

// SchedulerConfig configures cadence and the optional cross-process lease.
type SchedulerConfig struct {
	Interval time.Duration
	LeaseKey string
	LeaseTTL time.Duration
	Owner    string
}

// Scheduler runs resolution cycles on a fixed cadence and never overlaps them.
type Scheduler struct {
	logger *slog.Logger
	runner CycleRunner
	lease  Lease
	cfg    SchedulerConfig

	mu sync.Mutex
}

// NewScheduler constructs a Scheduler. lease may be nil for single-instance deployments.
func NewScheduler(logger *slog.Logger, runner CycleRunner, lease Lease, cfg SchedulerConfig) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LeaseKey == "" {
		cfg.LeaseKey = "homesense:resolver:cycle"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.Interval
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	return &Scheduler{logger: logger, runner: runner, lease: lease, cfg: cfg}
}

// Interval reports the effective tick interval.
func (s *Scheduler) Interval() time.Duration { return s.cfg.Interval }

// Run ticks until ctx is cancelled. Ticks that find a cycle running are skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("resolution scheduler started", slog.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("resolution scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	summary, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		metrics.ObserveSkippedTick()
		s.logger.Warn("resolution tick skipped; previous cycle still running")
	case err != nil:
		s.logger.Error("resolution cycle failed", slog.Any("error", err))
	default:
		s.logger.Info("resolution cycle finished",
			slog.Int("scanned", summary.Scanned),
			slog.Int("updated", summary.Updated),
			slog.Int("unchanged", summary.Unchanged),
			slog.Int("corrupt", summary.Corrupt),
		)
	}
}

// RunOnce executes a single cycle immediately, or returns ErrCycleInProgress.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleSummary, error) {
	if !s.mu.TryLock() {
		return CycleSummary{}, ErrCycleInProgress
	}
	defer s.mu.Unlock()

	if s.lease != nil {
		acquired, err := s.lease.SetNX(ctx, s.cfg.LeaseKey, []byte(s.cfg.Owner), s.cfg.LeaseTTL)
		if err != nil {
			return CycleSummary{}, fmt.Errorf("acquire cycle lease: %w", err)
		}
		if !acquired {
			return CycleSummary{}, ErrCycleInProgress
		}
		defer s.release()
	}

	return s.runner.ResolveOpenRecords(ctx)
}

func (s *Scheduler) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	released, err := s.lease.CompareAndDelete(ctx, s.cfg.LeaseKey, []byte(s.cfg.Owner))
	if err != nil {
		s.logger.Warn("release cycle lease failed", slog.String("key", s.cfg.LeaseKey), slog.Any("error", err))
		return
	}
	if !released {
		s.logger.Warn("cycle lease expired before release; consider a longer lease TTL", slog.String("key", s.cfg.LeaseKey))
	}
}
