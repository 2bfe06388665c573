// Package pipeline drives one admitted node through its ordered build phases.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/graph"
	"github.com/project-ncl/pnc-sub011/internal/phase"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

// Drivers are the external collaborators for each phase. A nil driver means
// the phase produces no result.
type Drivers struct {
	Alignment   phase.Driver
	Environment phase.Driver
	Build       phase.Driver
	Promotion   phase.Driver
}

func (d Drivers) get(kind phase.Kind) phase.Driver {
	switch kind {
	case phase.Alignment:
		return d.Alignment
	case phase.Environment:
		return d.Environment
	case phase.Build:
		return d.Build
	case phase.Promotion:
		return d.Promotion
	}
	return nil
}

// Timeouts bound each phase; zero means no limit.
type Timeouts struct {
	Alignment   time.Duration
	Environment time.Duration
	Build       time.Duration
	Promotion   time.Duration
}

func (t Timeouts) get(kind phase.Kind) time.Duration {
	switch kind {
	case phase.Alignment:
		return t.Alignment
	case phase.Environment:
		return t.Environment
	case phase.Build:
		return t.Build
	case phase.Promotion:
		return t.Promotion
	}
	return 0
}

// LogStore receives build logs. Upload failures never affect the result.
type LogStore interface {
	UploadLog(ctx context.Context, runID, nodeID, content string) (string, error)
}

// ProgressFunc is called when a node enters a phase.
type ProgressFunc func(runID, nodeID string, kind phase.Kind)

// Pipeline runs the phases of one node at a time; it is safe for concurrent
// use by many nodes.
type Pipeline struct {
	Drivers    Drivers
	Timeouts   Timeouts
	Logs       LogStore
	OnProgress ProgressFunc
	Logger     *slog.Logger
	// ReleaseTimeout bounds the best-effort release of the environment.
	ReleaseTimeout time.Duration
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Run executes the phases in order and returns every result produced. The
// first unsuccessful phase ends the run. Cancelling ctx aborts the current
// phase, which then reports CANCELLED.
func (p *Pipeline) Run(ctx context.Context, runID string, n graph.Node, deps []artifact.Artifact) phase.Set {
	var set phase.Set
	req := phase.Request{RunID: runID, NodeID: n.ID, Config: n.Config, Dependencies: deps}
	log := p.logger().With("run", runID, "node", n.ID)

	var env phase.Session
	defer func() {
		if env != nil {
			p.release(env, log)
		}
	}()

	for _, kind := range phase.Required {
		driver := p.Drivers.get(kind)
		if driver == nil {
			log.Warn("no driver configured; phase skipped", "phase", kind)
			break
		}
		if p.OnProgress != nil {
			p.OnProgress(runID, n.ID, kind)
		}
		res, sess := p.runPhase(ctx, kind, driver, req, log)
		if kind == phase.Environment {
			env = sess
		}
		if b, ok := res.(phase.BuildResult); ok {
			res = p.uploadLog(ctx, runID, n.ID, b, log)
		}
		set.Add(res)
		if !res.Completion().Normalize().Succeeded() {
			log.Info("pipeline stopped", "phase", kind, "status", res.Completion(), "reason", res.Summary())
			break
		}
		switch v := res.(type) {
		case phase.AlignmentResult:
			req.Alignment = &v
			if v.SCMRevision != "" {
				req.Config.SCMRevision = v.SCMRevision
			}
		case phase.EnvironmentResult:
			req.Environment = &v
		case phase.BuildResult:
			req.Build = &v
		}
	}
	return set
}

func (p *Pipeline) runPhase(ctx context.Context, kind phase.Kind, driver phase.Driver, req phase.Request, log *slog.Logger) (phase.Result, phase.Session) {
	started := time.Now().UTC()
	if err := ctx.Err(); err != nil {
		return Synthesize(kind, status.ResultCancelled, "cancelled before start", started), nil
	}
	phaseCtx, cancel := ctx, context.CancelFunc(func() {})
	if d := p.Timeouts.get(kind); d > 0 {
		phaseCtx, cancel = context.WithTimeout(ctx, d)
	}
	defer cancel()

	sess, err := start(phaseCtx, driver, req)
	if err != nil {
		log.Error("phase start failed", "phase", kind, "error", err)
		return Synthesize(kind, classify(ctx, phaseCtx, err), fmt.Sprintf("start: %v", err), started), nil
	}
	res, err := sess.Wait(phaseCtx)
	if err != nil {
		st := classify(ctx, phaseCtx, err)
		if st == status.ResultCancelled || st == status.TimedOut {
			p.cancelSession(sess, kind, log)
		}
		return Synthesize(kind, st, err.Error(), started), sess
	}
	if res == nil || res.Phase() != kind {
		return Synthesize(kind, status.ResultSystemError, "driver returned no "+string(kind)+" result", started), sess
	}
	return res, sess
}

func start(ctx context.Context, driver phase.Driver, req phase.Request) (sess phase.Session, err error) {
	defer func() {
		if p := recover(); p != nil {
			sess, err = nil, fmt.Errorf("%w: %v", phase.ErrDriverPanic, p)
		}
	}()
	return driver.Start(ctx, req)
}

// classify maps a driver error onto a completion status. The caller's
// cancellation wins over the phase deadline.
func classify(parent, phaseCtx context.Context, err error) status.Result {
	switch {
	case parent.Err() != nil || errors.Is(err, phase.ErrCancelled):
		return status.ResultCancelled
	case errors.Is(phaseCtx.Err(), context.DeadlineExceeded):
		return status.TimedOut
	default:
		return status.ResultSystemError
	}
}

func (p *Pipeline) cancelSession(sess phase.Session, kind phase.Kind, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.releaseTimeout())
	defer cancel()
	if err := sess.Cancel(ctx); err != nil {
		log.Warn("phase cancel failed", "phase", kind, "error", err)
	}
}

func (p *Pipeline) release(sess phase.Session, log *slog.Logger) {
	r, ok := sess.(phase.Releaser)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.releaseTimeout())
	defer cancel()
	if err := r.Release(ctx); err != nil {
		log.Warn("environment release failed", "error", err)
	}
}

func (p *Pipeline) releaseTimeout() time.Duration {
	if p.ReleaseTimeout > 0 {
		return p.ReleaseTimeout
	}
	return 30 * time.Second
}

func (p *Pipeline) uploadLog(ctx context.Context, runID, nodeID string, b phase.BuildResult, log *slog.Logger) phase.BuildResult {
	if p.Logs == nil || b.Log == "" {
		return b
	}
	url, err := p.Logs.UploadLog(ctx, runID, nodeID, b.Log)
	if err != nil {
		log.Warn("build log upload failed", "error", err)
		return b
	}
	b.LogURL = url
	return b
}

// Synthesize builds a result of the given kind for outcomes the driver did
// not report itself.
func Synthesize(kind phase.Kind, st status.Result, reason string, started time.Time) phase.Result {
	c := phase.Common{Status: st, Reason: reason, StartedAt: started, EndedAt: time.Now().UTC()}
	switch kind {
	case phase.Alignment:
		return phase.AlignmentResult{Common: c}
	case phase.Environment:
		return phase.EnvironmentResult{Common: c}
	case phase.Build:
		return phase.BuildResult{Common: c}
	default:
		return phase.PromotionResult{Common: c}
	}
}
