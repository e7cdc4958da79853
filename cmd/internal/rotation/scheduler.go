package rotation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"clubrotor/cmd/internal/platform/retry"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSchedulerInterval = time.Minute
	defaultSchedulerWorkers  = 8
	defaultClubTimeout       = 15 * time.Second
	defaultMaxAttempts       = 3
	defaultRetryBackoff      = 200 * time.Millisecond
	maxRetryBackoff          = 5 * time.Second
)

// Ensurer is the engine surface the scheduler drives.
type Ensurer interface {
	EnsureRotated(ctx context.Context, clubID string) (Result, error)
}

// ClubLister enumerates the clubs to rotate.
type ClubLister interface {
	ListClubIDs(ctx context.Context) ([]string, error)
}

// SchedulerConfig tunes the periodic trigger. Zero fields use defaults.
type SchedulerConfig struct {
	Interval       time.Duration
	Concurrency    int
	ClubTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = defaultSchedulerInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultSchedulerWorkers
	}
	if c.ClubTimeout <= 0 {
		c.ClubTimeout = defaultClubTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultRetryBackoff
	}
	return c
}

// PassReport summarizes one scheduler pass.
type PassReport struct {
	Clubs        int
	Rotated      int
	RotatedEmpty int
	NoChange     int
	Skipped      int
	Failed       int
}

// Scheduler periodically calls EnsureRotated for every club.
type Scheduler struct {
	engine  Ensurer
	clubs   ClubLister
	cfg     SchedulerConfig
	clock   clockwork.Clock
	log     *slog.Logger
	metrics *Metrics
}

// SchedulerOption configures the Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock sets the clock driving ticks and retry backoff.
func WithSchedulerClock(c clockwork.Clock) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSchedulerMetrics records per-club results and pass durations.
func WithSchedulerMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler constructs a Scheduler.
func NewScheduler(engine Ensurer, clubs ClubLister, cfg SchedulerConfig, opts ...SchedulerOption) (*Scheduler, error) {
	if engine == nil || clubs == nil {
		return nil, ErrInvalidInput
	}
	s := &Scheduler{
		engine: engine,
		clubs:  clubs,
		cfg:    cfg.withDefaults(),
		clock:  clockwork.NewRealClock(),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Run performs a pass immediately and then every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler.start",
		"interval", s.cfg.Interval.String(),
		"concurrency", s.cfg.Concurrency,
	)

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("scheduler.pass.fail", "err", err)
		}
		select {
		case <-ctx.Done():
			s.log.Info("scheduler.stop")
			return nil
		case <-ticker.Chan():
		}
	}
}

// RunOnce rotates every club once with bounded concurrency. A failing club
// never stops the others; the error is only for a failed club listing.
func (s *Scheduler) RunOnce(ctx context.Context) (PassReport, error) {
	start := s.clock.Now()

	clubIDs, err := s.clubs.ListClubIDs(ctx)
	if err != nil {
		return PassReport{}, opError("scheduler.RunOnce", "", err)
	}

	var (
		mu     sync.Mutex
		report = PassReport{Clubs: len(clubIDs)}
		g      errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)

	for _, clubID := range clubIDs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			result := s.runClub(ctx, clubID)
			s.metrics.schedulerRun(result)

			mu.Lock()
			defer mu.Unlock()
			switch result {
			case OutcomeRotated.String():
				report.Rotated++
			case OutcomeRotatedEmpty.String():
				report.RotatedEmpty++
			case OutcomeNoChange.String():
				report.NoChange++
			case "skipped":
				report.Skipped++
			default:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	elapsed := s.clock.Since(start)
	s.metrics.pass(elapsed)
	s.log.Debug("scheduler.tick",
		"clubs", report.Clubs,
		"rotated", report.Rotated+report.RotatedEmpty,
		"failed", report.Failed,
		"duration_ms", elapsed.Milliseconds(),
	)
	return report, nil
}

// runClub returns the outcome name, "skipped" or "failed".
func (s *Scheduler) runClub(ctx context.Context, clubID string) string {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ClubTimeout)
	defer cancel()

	policy := retry.Policy{
		MaxAttempts:    s.cfg.MaxAttempts,
		InitialBackoff: s.cfg.InitialBackoff,
		MaxBackoff:     maxRetryBackoff,
		Clock:          s.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			s.log.Debug("scheduler.club.retry",
				"club_id", clubID,
				"attempt", attempt,
				"backoff_ms", backoff.Milliseconds(),
				"err", err,
			)
		},
	}

	res, err := retry.Do(cctx, policy, classifyForRetry, func(ctx context.Context) (Result, error) {
		return s.engine.EnsureRotated(ctx, clubID)
	})
	if err == nil {
		return res.Outcome.String()
	}

	switch KindOf(unwrapPermanent(err)) {
	case KindInvalidConfig, KindNotFound, KindInvalidInput:
		s.log.Warn("scheduler.club.skip", "club_id", clubID, "err", err)
		return "skipped"
	default:
		s.log.Error("scheduler.club.fail", "club_id", clubID, "err", err)
		return "failed"
	}
}

func classifyForRetry(err error) retry.Action {
	if Retryable(err) {
		return retry.Retry
	}
	return retry.Stop
}

func unwrapPermanent(err error) error {
	var p *retry.PermanentError
	if errors.As(err, &p) {
		return p.Err
	}
	return err
}
