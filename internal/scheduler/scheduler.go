package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrTooManyFailures stops Run once MaxConsecutiveFailures rounds failed in a row.
var ErrTooManyFailures = errors.New("scheduler: too many consecutive round failures")

// RoundFunc is invoked at every epoch boundary with the boundary instant.
type RoundFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Interval is the epoch length.
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// MaxRounds stops Run after that many rounds; zero runs until ctx is done.
	MaxRounds              int
	MaxConsecutiveFailures int
}

// Scheduler closes consensus rounds on a fixed cadence.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}, nil
}

// Run blocks, invoking round at each boundary until ctx is cancelled or MaxRounds is reached.
func (s *Scheduler) Run(ctx context.Context, round RoundFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	var (
		executed int
		failures int
	)
	next := s.nextBoundary(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			// a slow round overran the next boundary; skip to the upcoming one
			skipped := s.nextBoundary(time.Now().UTC())
			s.logger.Warn().Time("missed", next).Time("next_round", skipped).Msg("round boundary missed")
			next = skipped
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_round", next).Msg("waiting for next round")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		at := s.boundary(next)
		s.logger.Info().Time("round_at", at).Int("round", executed+1).Msg("closing round")

		if err := round(ctx, at); err != nil {
			failures++
			s.logger.Error().Err(err).Time("round_at", at).Int("consecutive_failures", failures).Msg("round failed")
			if s.opts.MaxConsecutiveFailures > 0 && failures >= s.opts.MaxConsecutiveFailures {
				return fmt.Errorf("%w: last error: %v", ErrTooManyFailures, err)
			}
		} else {
			failures = 0
		}

		executed++
		if s.opts.MaxRounds > 0 && executed >= s.opts.MaxRounds {
			return nil
		}
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) nextBoundary(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	b := now.Truncate(s.opts.Interval)
	if !b.After(now) {
		b = b.Add(s.opts.Interval)
	}
	return b
}

func (s *Scheduler) boundary(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
