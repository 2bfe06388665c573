// Package service wires the orchestrator together: request intake, the
// scheduler, cleanup and the small HTTP operations surface.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/project-ncl/pnc-sub011/internal/align"
	"github.com/project-ncl/pnc-sub011/internal/api"
	"github.com/project-ncl/pnc-sub011/internal/cas"
	"github.com/project-ncl/pnc-sub011/internal/cleanup"
	"github.com/project-ncl/pnc-sub011/internal/config"
	"github.com/project-ncl/pnc-sub011/internal/graph"
	"github.com/project-ncl/pnc-sub011/internal/notify"
	"github.com/project-ncl/pnc-sub011/internal/objectstore"
	"github.com/project-ncl/pnc-sub011/internal/phase"
	"github.com/project-ncl/pnc-sub011/internal/pipeline"
	"github.com/project-ncl/pnc-sub011/internal/promote"
	"github.com/project-ncl/pnc-sub011/internal/queue"
	"github.com/project-ncl/pnc-sub011/internal/rebuild"
	"github.com/project-ncl/pnc-sub011/internal/reconcile"
	"github.com/project-ncl/pnc-sub011/internal/record"
	"github.com/project-ncl/pnc-sub011/internal/reporter"
	"github.com/project-ncl/pnc-sub011/internal/runner"
	"github.com/project-ncl/pnc-sub011/internal/scheduler"
	"github.com/project-ncl/pnc-sub011/internal/server"
	"github.com/project-ncl/pnc-sub011/internal/settings"
)

// Service is the running orchestrator.
type Service struct {
	Config    config.Config
	Settings  settings.Settings
	Catalog   *graph.Catalog
	Queue     queue.Backend
	Records   record.Store
	Scheduler *scheduler.Scheduler
	Cleanup   *cleanup.Coordinator
	Reporter  *reporter.Client
	Logger    *slog.Logger

	id       string
	draining atomic.Bool
	closers  []func() error
}

// New composes the orchestrator from cfg.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st := settings.Load(cfg.SettingsPath)
	if cfg.MaxConcurrent > 0 {
		st.MaxConcurrent = cfg.MaxConcurrent
	}
	if cfg.RebuildPolicy != "" {
		st.RebuildPolicy = cfg.RebuildPolicy
	}
	if cfg.BatchSize > 0 {
		st.BatchSize = cfg.BatchSize
	}
	policy, err := rebuild.ParsePolicy(st.RebuildPolicy)
	if err != nil {
		return nil, err
	}

	s := &Service{Config: cfg, Settings: st, Logger: logger, id: defaultOrchestratorID()}

	s.Catalog = graph.NewCatalog()
	res, err := s.Catalog.LoadConfigDir(cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("load configurations: %w", err)
	}
	for _, e := range res.Errors {
		logger.Warn("configuration skipped", "detail", e)
	}
	if res.Files > 0 {
		logger.Info("configurations loaded", "files", res.Files, "loaded", res.Loaded, "skipped", res.Skipped)
	}

	records, closeRecords, err := cfg.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	s.Records = records
	s.closers = append(s.closers, closeRecords)

	idx := cfg.Index()
	s.Reporter = &reporter.Client{BaseURL: cfg.ControlPlaneURL, Token: cfg.ControlPlaneToken}
	events, closeEvents := cfg.Events(logger)
	s.closers = append(s.closers, closeEvents)
	sink := notify.Multi{events}
	if cfg.ControlPlaneURL != "" {
		sink = append(sink, s.Reporter)
	}

	registry := cfg.Registry()
	logs := objectstore.Logs{Store: cfg.ObjectStore(ctx)}
	s.Queue = cfg.Queue()
	if c, ok := s.Queue.(interface{ Close() error }); ok {
		s.closers = append(s.closers, c.Close)
	}

	s.Scheduler = scheduler.New(scheduler.Options{
		MaxConcurrent: st.MaxConcurrent,
		Decider:       &rebuild.Decider{Policy: policy, Index: idx, Logger: logger},
		Executor:      s.pipeline(registry, logs, idx, sink, logger),
		Reconciler:    reconcile.New(records, logger),
		Sink:          sink,
		Logger:        logger,
	})

	cleaners := []cleanup.RemoteCleaner{logs}
	if registry.Enabled() {
		cleaners = append(cleaners, cas.TraceCleaner{Registry: registry})
	}
	s.Cleanup = &cleanup.Coordinator{Store: records, Cleaners: cleaners, Index: idx, Sink: sink, Logger: logger}
	return s, nil
}

func (s *Service) pipeline(registry cas.Registry, logs objectstore.Logs, idx promote.Index, sink notify.Sink, logger *slog.Logger) *pipeline.Pipeline {
	cfg := s.Config
	podman := &runner.Podman{
		Bin:      cfg.PodmanBin,
		Image:    cfg.BuildImage,
		WorkRoot: cfg.WorkRoot,
		CacheDir: cfg.CacheDir,
		RunCmd:   cfg.RunCmd,
		Logger:   logger,
	}
	promoter := &promote.Promoter{Index: idx, Logger: logger}
	if registry.Enabled() {
		podman.Fetcher = registry
		promoter.Pusher = registry
		promoter.Blobs = cfg.BlobStore()
	}
	var aligner phase.Driver = align.Noop{}.Driver()
	if cfg.AlignmentURL != "" {
		aligner = (&align.Client{BaseURL: cfg.AlignmentURL, Token: cfg.AlignmentToken}).Driver()
	}
	return &pipeline.Pipeline{
		Drivers: pipeline.Drivers{
			Alignment:   aligner,
			Environment: podman.Environment(),
			Build:       podman.Build(),
			Promotion:   promoter.Driver(),
		},
		Timeouts: pipeline.Timeouts{
			Alignment:   cfg.AlignmentTimeout,
			Environment: cfg.EnvironmentTimeout,
			Build:       cfg.BuildTimeout,
			Promotion:   cfg.PromotionTimeout,
		},
		Logs:       logs,
		OnProgress: progressPublisher(sink, logger),
		Logger:     logger,
	}
}

func progressPublisher(sink notify.Sink, logger *slog.Logger) pipeline.ProgressFunc {
	return func(runID, nodeID string, kind phase.Kind) {
		evt := notify.Event{Type: notify.PhaseEntered, RunID: runID, NodeID: nodeID, Phase: kind, Time: time.Now().UTC()}
		if err := sink.Publish(context.Background(), evt); err != nil {
			logger.Warn("phase event delivery failed", "node", nodeID, "phase", kind, "error", err)
		}
	}
}

// Close releases the store and event connections.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Submit runs one request to completion.
func (s *Service) Submit(ctx context.Context, req queue.Request) (scheduler.Outcome, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	policyName := req.Policy
	if policyName == "" {
		policyName = s.Settings.RebuildPolicy
	}
	policy, err := rebuild.ParsePolicy(policyName)
	if err != nil {
		return scheduler.Outcome{RunID: runID}, err
	}
	configs, err := s.resolve(req)
	if err != nil {
		return scheduler.Outcome{RunID: runID}, err
	}

	log := s.Logger.With("run", runID)
	log.Info("run submitted", "configs", len(configs), "policy", policy)
	out, err := s.Scheduler.Run(ctx, scheduler.Request{RunID: runID, Configs: configs, Resolver: s.Catalog, Policy: policy})
	if err != nil {
		return out, err
	}
	s.remember(ctx, out)
	log.Info("run finished", "succeeded", out.Succeeded(), "records", len(out.Records), "rejected", len(out.Rejected))
	return out, nil
}

// resolve turns a request into configuration snapshots. Inline configs
// without a prior build inherit the one the catalog knows about.
func (s *Service) resolve(req queue.Request) ([]graph.Config, error) {
	configs := make([]graph.Config, 0, len(req.Configs)+len(req.ConfigIDs))
	for _, cfg := range req.Configs {
		known, ok := s.Catalog.Resolve(cfg.ID)
		if ok && cfg.LastSuccess == nil && known.Revision == cfg.Revision {
			cfg.LastSuccess = known.LastSuccess
		}
		if !ok || known.Revision <= cfg.Revision {
			s.Catalog.Put(cfg)
		}
		configs = append(configs, cfg)
	}
	var missing []string
	for _, id := range req.ConfigIDs {
		cfg, ok := s.Catalog.Resolve(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		configs = append(configs, cfg)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("unknown configurations: %s", strings.Join(missing, ", "))
	}
	if req.Temporary {
		for i := range configs {
			configs[i].Options.Temporary = true
		}
	}
	return configs, nil
}

// remember stores the new last-success lineage in the catalog and reports
// the terminal records.
func (s *Service) remember(ctx context.Context, out scheduler.Outcome) {
	for _, id := range out.Unrecorded {
		s.Logger.Warn("lineage not updated: record was not stored", "run", out.RunID, "node", id)
	}
	ids := make([]string, 0, len(out.Records))
	for id := range out.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := out.Records[id]
		if prior := rec.Prior(); prior != nil {
			cfg, ok := s.Catalog.Resolve(rec.NodeID)
			if !ok {
				continue
			}
			if cfg.Revision == rec.ConfigRevision {
				cfg.LastSuccess = prior
				s.Catalog.Put(cfg)
			}
		}
		if err := s.Reporter.PostRecord(ctx, rec); err != nil {
			s.Logger.Warn("record report failed", "record", rec.ID, "error", err)
		}
	}
}

// DeleteRecord runs a cascading cleanup and drops catalog lineage that
// pointed at the deleted records.
func (s *Service) DeleteRecord(ctx context.Context, id string) cleanup.Result {
	res := s.Cleanup.Delete(ctx, id)
	if !res.Success {
		return res
	}
	deleted := make(map[string]bool, len(res.Deleted))
	for _, rid := range res.Deleted {
		deleted[rid] = true
	}
	for _, cid := range s.Catalog.IDs() {
		cfg, ok := s.Catalog.Resolve(cid)
		if ok && cfg.LastSuccess != nil && deleted[cfg.LastSuccess.RecordID] {
			cfg.LastSuccess = nil
			s.Catalog.Put(cfg)
		}
	}
	return res
}

// Drain pops a batch of queued requests and runs them one after the other.
// It reports false when another drain is already in progress.
func (s *Service) Drain(ctx context.Context) (bool, error) {
	if !s.draining.CompareAndSwap(false, true) {
		return false, nil
	}
	defer s.draining.Store(false)
	reqs, err := s.Queue.Pop(ctx, s.Settings.BatchSize)
	if err != nil {
		return true, fmt.Errorf("pop requests: %w", err)
	}
	for _, req := range reqs {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		if _, err := s.Submit(ctx, req); err != nil {
			s.Logger.Error("request failed", "run", req.RunID, "error", err)
		}
	}
	return true, nil
}

// Run serves HTTP and drives the intake and heartbeat loops until ctx ends.
// With a request file configured it runs that request once and returns.
func (s *Service) Run(ctx context.Context) error {
	if s.Config.RequestFile != "" {
		req, err := queue.LoadRequestFile(s.Config.RequestFile)
		if err != nil {
			return err
		}
		out, err := s.Submit(ctx, req)
		if err != nil {
			return err
		}
		if !out.Succeeded() {
			return fmt.Errorf("run %s finished with failures", out.RunID)
		}
		return nil
	}

	go heartbeatLoop(ctx, s.Config.HeartbeatInterval, s.Reporter, s.id, s.Scheduler, s.Logger)
	if settings.BoolValue(s.Settings.AutoBuild) {
		interval := s.Config.PollInterval
		if interval <= 0 {
			interval = time.Duration(s.Settings.PollIntervalSec) * time.Second
		}
		in := intake{interval: interval, drain: s.Drain, logger: s.Logger}
		in.pending = func(ctx context.Context) (int, error) {
			st, err := s.Queue.Stats(ctx)
			return st.Length, err
		}
		go in.run(ctx)
	}

	srv := &http.Server{Addr: s.Config.HTTPAddr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.Logger.Info("starting orchestrator", "addr", srv.Addr, "max_concurrent", s.Scheduler.MaxConcurrent())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the HTTP operations surface.
func (s *Service) Handler() http.Handler {
	h := &api.Handler{
		Queue:     s.Queue,
		Records:   s.Records,
		Scheduler: s.Scheduler,
		Cleanup:   cleanerFunc(s.DeleteRecord),
		Drain:     s.Drain,
		Token:     s.Config.Token,
		Logger:    s.Logger,
	}
	mux := http.NewServeMux()
	h.Routes(mux)
	return server.Wrap(mux, server.Options{CORSOrigins: s.Config.CORSOrigins})
}

type cleanerFunc func(ctx context.Context, id string) cleanup.Result

func (f cleanerFunc) Delete(ctx context.Context, id string) cleanup.Result { return f(ctx, id) }

func defaultOrchestratorID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "orchestrator"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
