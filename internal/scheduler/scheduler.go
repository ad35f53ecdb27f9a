// Package scheduler periodically retries payments that failed earlier.
package scheduler

import (
	"context"
	"time"

	"github.com/dmitrijs2005/nostreward/internal/ledger"
	"github.com/dmitrijs2005/nostreward/internal/logging"
	"github.com/dmitrijs2005/nostreward/internal/timex"
)

const DefaultInterval = 60 * time.Second

type Source interface {
	DueRetries(now time.Time) []ledger.Retry
}

type Retrier interface {
	RetryPayment(ctx context.Context, r ledger.Retry) error
}

type Option func(*Scheduler)

func WithClock(c timex.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

type Scheduler struct {
	src      Source
	retrier  Retrier
	clock    timex.Clock
	interval time.Duration
	logger   logging.Logger
}

func New(src Source, retrier Retrier, opts ...Option) *Scheduler {
	s := &Scheduler{
		src:      src,
		retrier:  retrier,
		clock:    timex.System,
		interval: DefaultInterval,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run checks for due retries every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce retries every payment due now and returns how many succeeded.
// Retries run one after another; a failure only affects its own entry.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	due := s.src.DueRetries(s.clock.Now())
	if len(due) == 0 {
		return 0
	}
	s.logger.Info(ctx, "retrying failed payments", "count", len(due))

	ok := 0
	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.retrier.RetryPayment(ctx, r); err != nil {
			s.logger.Warn(ctx, "payment retry failed", "code", ledger.Short(r.Fingerprint), "error", err)
			continue
		}
		ok++
	}
	return ok
}
