// Package sweep periodically records the expiry of approved exports whose
// download window has closed.
package sweep

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/keithlinneman/govexport/internal/log"
)

const (
	DefaultInterval  = time.Minute
	DefaultBatchSize = 200

	maxBackoff = 10 * time.Minute
)

type result int

const (
	resultIdle     result = iota // nothing expired
	resultRecorded               // at least one expiry recorded
	resultError
)

// Expirer records expiries; the gate service implements it.
type Expirer interface {
	RecordExpired(ctx context.Context, limit int) (int, error)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncSweepRuns()
	IncSweepErrors()
	SetSweepLastSuccess(unixSeconds float64)
}

type Options struct {
	Logger    log.Logger
	Expirer   Expirer
	Interval  time.Duration
	BatchSize int
	Metrics   Metrics

	// StaleThreshold is how long sweeps may fail before an error is logged.
	// Zero means 30 minutes.
	StaleThreshold time.Duration
}

type Sweeper struct {
	expirer  Expirer
	logger   log.Logger
	interval time.Duration
	batch    int
	metrics  Metrics

	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	runs     int64
	recorded int64
}

func New(opts Options) *Sweeper {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	stale := opts.StaleThreshold
	if stale <= 0 {
		stale = 30 * time.Minute
	}
	return &Sweeper{
		expirer:        opts.Expirer,
		logger:         opts.Logger,
		interval:       interval,
		batch:          batch,
		metrics:        opts.Metrics,
		staleThreshold: stale,
		lastSuccessAt:  time.Now(),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info(ctx, "expiry sweeper starting",
		"interval", s.interval.String(),
		"batch_size", s.batch,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "expiry sweeper stopping",
				"reason", ctx.Err(),
				"runs", s.runs,
				"recorded", s.recorded,
			)
			return ctx.Err()
		case <-ticker.C:
			res := s.sweepOnce(ctx)

			if res == resultError {
				s.consecutiveErrs++
				backoff := s.backoffDuration()
				s.logger.Warn(ctx, "expiry sweeper: backing off",
					"consecutive_errors", s.consecutiveErrs,
					"next_run_in", backoff.String(),
				)
				ticker.Reset(backoff)

				if time.Since(s.lastSuccessAt) > s.staleThreshold && !s.staleLogged {
					s.logger.Error(ctx, fmt.Errorf("last successful sweep was %s ago", time.Since(s.lastSuccessAt).Truncate(time.Second)),
						"expiry sweeper: expiries are not being recorded",
					)
					s.staleLogged = true
				}
				continue
			}

			if s.consecutiveErrs > 0 {
				s.logger.Info(ctx, "expiry sweeper: recovered",
					"had_consecutive_errors", s.consecutiveErrs,
				)
				s.consecutiveErrs = 0
				s.staleLogged = false
				ticker.Reset(s.interval)
			}
		}
	}
}

// sweepOnce records one batch. A full batch is followed immediately by
// another so a backlog drains within one tick.
func (s *Sweeper) sweepOnce(ctx context.Context) result {
	s.runs++
	if s.metrics != nil {
		s.metrics.IncSweepRuns()
	}

	total := 0
	for {
		n, err := s.expirer.RecordExpired(ctx, s.batch)
		total += n
		if err != nil {
			s.logger.Error(ctx, err, "expiry sweep failed", "recorded_before_error", total)
			if s.metrics != nil {
				s.metrics.IncSweepErrors()
			}
			s.recorded += int64(total)
			return resultError
		}
		if n < s.batch || ctx.Err() != nil {
			break
		}
	}

	now := time.Now()
	s.lastSuccessAt = now
	if s.metrics != nil {
		s.metrics.SetSweepLastSuccess(float64(now.Unix()))
	}
	if total == 0 {
		return resultIdle
	}
	s.recorded += int64(total)
	s.logger.Info(ctx, "expiry sweep recorded expirations", "count", total)
	return resultRecorded
}

// backoffDuration doubles the interval per consecutive error, capped.
func (s *Sweeper) backoffDuration() time.Duration {
	d := time.Duration(float64(s.interval) * math.Pow(2, float64(s.consecutiveErrs)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
