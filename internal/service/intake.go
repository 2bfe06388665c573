package service

import (
	"context"
	"log/slog"
	"time"
)

const maxIntakeBackoff = 8

// intake pulls queued requests into the scheduler. It drains again at once
// while requests remain queued, waits interval when the queue is empty, and
// backs off (up to 8x interval) while draining keeps failing.
type intake struct {
	interval time.Duration
	drain    func(context.Context) (bool, error)
	// pending reports how many requests are still queued; nil means unknown.
	pending func(context.Context) (int, error)
	logger  *slog.Logger
}

func (in intake) run(ctx context.Context) {
	interval := in.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(in.next(ctx, interval, &failures))
	}
}

// next runs one drain and returns how long to wait before the following one.
func (in intake) next(ctx context.Context, interval time.Duration, failures *int) time.Duration {
	ran, err := in.drain(ctx)
	switch {
	case err != nil:
		if *failures < maxIntakeBackoff {
			*failures++
		}
		in.logger.Error("intake drain failed", "error", err, "failures", *failures)
		return backoff(interval, *failures)
	case !ran:
		in.logger.Debug("intake skipped, drain already running")
		return interval
	}
	*failures = 0
	if in.pending == nil || ctx.Err() != nil {
		return interval
	}
	n, err := in.pending(ctx)
	if err != nil {
		in.logger.Warn("queue length unknown", "error", err)
		return interval
	}
	if n > 0 {
		in.logger.Debug("requests still queued", "pending", n)
		return 0
	}
	return interval
}

func backoff(interval time.Duration, failures int) time.Duration {
	if failures > maxIntakeBackoff {
		failures = maxIntakeBackoff
	}
	return interval * time.Duration(failures)
}
