package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultSweepSchedule runs the idle sweep every 30 seconds.
	DefaultSweepSchedule = "@every 30s"

	// DefaultIdleTimeout is the inactivity after which a stream is cancelled.
	DefaultIdleTimeout = 2 * time.Minute
)

var sweepScheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule parses a standard five-field UTC cron expression or a
// descriptor such as "@every 30s".
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}
	schedule, err := sweepScheduleParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// SweeperConfig configures the idle-stream sweeper.
type SweeperConfig struct {
	Registry    *Registry
	IdleTimeout time.Duration
	Schedule    string
	Now         func() time.Time
	Logger      *slog.Logger
}

// Sweeper cancels streams that have been idle longer than IdleTimeout.
type Sweeper struct {
	registry *Registry
	idle     time.Duration
	schedule cron.Schedule
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a sweeper. It does not start until Start is called.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Registry == nil {
		return nil, errors.New("stream sweeper registry is nil")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("stream sweeper: %w", err)
	}
	return &Sweeper{
		registry: cfg.Registry,
		idle:     cfg.IdleTimeout,
		schedule: schedule,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}, nil
}

// Start schedules the sweep. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(time.UTC))
	c.Schedule(s.schedule, cron.FuncJob(func() { s.SweepOnce() }))
	c.Start()
	s.cron = c
	return nil
}

// Stop unschedules the sweep and waits for a running pass to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	done := c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the sweep is scheduled.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// SweepOnce cancels every idle entry and returns how many were signalled.
func (s *Sweeper) SweepOnce() int {
	now := s.now()
	cancelled := 0
	for _, e := range s.registry.List() {
		idle := e.Idle(now)
		if idle < s.idle {
			continue
		}
		if e.Cancel(&CancelledError{Reason: ReasonIdle}) {
			cancelled++
			s.logger.Info("cancelled idle stream",
				"stream_id", e.ID,
				"session_id", e.SessionID,
				"idle", idle.Round(time.Millisecond),
			)
		}
	}
	return cancelled
}
