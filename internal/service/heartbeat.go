package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/project-ncl/pnc-sub011/internal/reporter"
	"github.com/project-ncl/pnc-sub011/internal/scheduler"
)

func heartbeatLoop(ctx context.Context, interval time.Duration, rep *reporter.Client, id string, sched *scheduler.Scheduler, logger *slog.Logger) {
	if rep == nil || rep.BaseURL == "" {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	send := func() {
		active := sched.Active()
		hb := reporter.Heartbeat{
			OrchestratorID: id,
			ActiveBuilds:   len(active),
			ActiveNodes:    active,
			MaxConcurrent:  sched.MaxConcurrent(),
			IntervalSec:    int(interval / time.Second),
			SentAt:         time.Now().UTC(),
		}
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rep.PostHeartbeat(sendCtx, hb); err != nil {
			logger.Warn("heartbeat", "error", err)
		}
	}
	send()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}
