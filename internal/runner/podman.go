// Package runner provides the environment and build phase drivers backed by
// podman containers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/phase"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

const (
	defaultImage  = "pnc-builder:latest"
	workspaceDir  = "/workspace"
	depsSubdir    = "deps"
	outputsSubdir = "out"
)

// Fetcher downloads a dependency blob into the build workspace.
type Fetcher interface {
	Fetch(ctx context.Context, digest, destPath string) error
}

// CommandFunc runs bin with args and returns the combined output.
type CommandFunc func(ctx context.Context, bin string, args ...string) ([]byte, error)

// Podman runs build environments as long-lived containers and executes
// build scripts inside them. An empty Bin stubs podman: environments are
// plain directories and builds write a synthetic output.
type Podman struct {
	Bin      string
	Image    string
	WorkRoot string
	CacheDir string
	RunCmd   []string
	Fetcher  Fetcher
	Command  CommandFunc
	Logger   *slog.Logger
}

func (p *Podman) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Podman) run(ctx context.Context, args ...string) ([]byte, error) {
	if p.Command != nil {
		return p.Command(ctx, p.Bin, args...)
	}
	return exec.CommandContext(ctx, p.Bin, args...).CombinedOutput()
}

func (p *Podman) image(req phase.Request) string {
	if req.Config.Image != "" {
		return req.Config.Image
	}
	if p.Image != "" {
		return p.Image
	}
	return defaultImage
}

func (p *Podman) workspace(runID, nodeID string) string {
	root := p.WorkRoot
	if root == "" {
		root = filepath.Join(os.TempDir(), "pnc-builds")
	}
	return filepath.Join(root, sanitize(runID), sanitize(nodeID))
}

// ContainerName is the name of the environment container for a node.
func ContainerName(runID, nodeID string) string {
	return "build-" + sanitize(runID) + "-" + sanitize(nodeID)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}

// Environment returns the environment acquisition driver.
func (p *Podman) Environment() phase.Driver { return envDriver{p} }

// Build returns the build execution driver.
func (p *Podman) Build() phase.Driver { return phase.DriverFunc(p.build) }

type envDriver struct{ p *Podman }

func (d envDriver) Start(ctx context.Context, req phase.Request) (phase.Session, error) {
	s := &envSession{p: d.p, name: ContainerName(req.RunID, req.NodeID), dir: d.p.workspace(req.RunID, req.NodeID)}
	s.Future = phase.Go(ctx, func(ctx context.Context) (phase.Result, error) {
		return s.acquire(ctx, req)
	})
	return s, nil
}

// envSession holds a live container until Release.
type envSession struct {
	*phase.Future
	p    *Podman
	name string
	dir  string
	once sync.Once
	err  error
}

func (s *envSession) acquire(ctx context.Context, req phase.Request) (phase.Result, error) {
	started := time.Now().UTC()
	for _, sub := range []string{depsSubdir, outputsSubdir} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("prepare workspace: %w", err)
		}
	}
	res := phase.EnvironmentResult{SessionID: s.name, Image: s.p.image(req), Workspace: s.dir}
	if s.p.Bin != "" {
		out, err := s.p.run(ctx, s.p.envArgs(s.name, s.dir, res.Image)...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.Common = phase.Common{Status: status.ResultSystemError, Reason: firstLine(out, err), StartedAt: started, EndedAt: time.Now().UTC()}
			return res, nil
		}
	}
	res.Common = phase.Common{Status: status.Success, StartedAt: started, EndedAt: time.Now().UTC()}
	return res, nil
}

// Cancel aborts acquisition and tears the container down.
func (s *envSession) Cancel(ctx context.Context) error {
	_ = s.Future.Cancel(ctx)
	return s.Release(ctx)
}

// Release removes the container and its workspace. It is idempotent.
func (s *envSession) Release(ctx context.Context) error {
	s.once.Do(func() {
		var errs []error
		if s.p.Bin != "" {
			if out, err := s.p.run(ctx, "rm", "-f", s.name); err != nil {
				errs = append(errs, fmt.Errorf("podman rm %s: %s", s.name, firstLine(out, err)))
			}
		}
		if err := os.RemoveAll(s.dir); err != nil {
			errs = append(errs, err)
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}

// envArgs assembles the podman arguments that start an idle environment.
func (p *Podman) envArgs(name, dir, image string) []string {
	args := []string{
		"run", "-d", "--rm",
		"--name", name,
		"-v", fmt.Sprintf("%s:%s", dir, workspaceDir),
	}
	if p.CacheDir != "" {
		args = append(args, "-v", fmt.Sprintf("%s:/cache", p.CacheDir))
	}
	return append(args, image, "sleep", "infinity")
}

// execArgs assembles the podman arguments that run the build script inside
// an acquired environment.
func (p *Podman) execArgs(name string, req phase.Request) []string {
	cfg := req.Config
	args := []string{
		"exec", "-w", workspaceDir,
		"-e", fmt.Sprintf("BUILD_CONFIG_ID=%s", cfg.ID),
		"-e", fmt.Sprintf("BUILD_CONFIG_REVISION=%d", cfg.Revision),
		"-e", fmt.Sprintf("BUILD_TEMPORARY=%t", cfg.Options.Temporary),
		"-e", fmt.Sprintf("DEPS_DIR=%s/%s", workspaceDir, depsSubdir),
		"-e", fmt.Sprintf("OUTPUT_DIR=%s/%s", workspaceDir, outputsSubdir),
	}
	if cfg.SCMURL != "" {
		args = append(args, "-e", fmt.Sprintf("SCM_URL=%s", cfg.SCMURL))
	}
	if cfg.SCMRevision != "" {
		args = append(args, "-e", fmt.Sprintf("SCM_REVISION=%s", cfg.SCMRevision))
	}
	args = append(args, name)
	return append(args, p.buildCmd(req)...)
}

func (p *Podman) buildCmd(req phase.Request) []string {
	if len(p.RunCmd) > 0 {
		return p.RunCmd
	}
	script := req.Config.BuildScript
	if script == "" {
		script = fmt.Sprintf("echo build %s revision %d", req.Config.ID, req.Config.Revision)
	}
	return []string{"/bin/sh", "-c", script}
}

func (p *Podman) build(ctx context.Context, req phase.Request) (phase.Result, error) {
	started := time.Now().UTC()
	env := req.Environment
	if env == nil || env.Workspace == "" {
		return nil, errors.New("build requires an acquired environment")
	}
	res := phase.BuildResult{Consumed: req.Dependencies}
	done := func(st status.Result, reason string) (phase.Result, error) {
		res.Common = phase.Common{Status: st, Reason: reason, StartedAt: started, EndedAt: time.Now().UTC()}
		res.Duration = res.EndedAt.Sub(started)
		return res, nil
	}

	if err := p.fetchDependencies(ctx, env.Workspace, req.Dependencies); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return done(status.ResultSystemError, err.Error())
	}

	if p.Bin == "" {
		if err := writeStubOutput(env.Workspace, req); err != nil {
			return done(status.ResultSystemError, err.Error())
		}
		res.Log = "podman stub"
	} else {
		out, err := p.run(ctx, p.execArgs(env.SessionID, req)...)
		res.Log = string(out)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			reason := Summarize(res.Log)
			if reason == "" {
				reason = err.Error()
			}
			p.logger().Info("build script failed", "node", req.NodeID, "reason", reason)
			return done(status.Failed, reason)
		}
	}

	outputs, err := collectOutputs(filepath.Join(env.Workspace, outputsSubdir), req)
	if err != nil {
		return done(status.ResultSystemError, fmt.Sprintf("collect outputs: %v", err))
	}
	res.Outputs = outputs
	return done(status.Success, "")
}

func (p *Podman) fetchDependencies(ctx context.Context, workspace string, deps []artifact.Artifact) error {
	if p.Fetcher == nil {
		return nil
	}
	for _, d := range deps {
		if d.Digest == "" {
			continue
		}
		dest := filepath.Join(workspace, depsSubdir, sanitize(d.Key()))
		if err := p.Fetcher.Fetch(ctx, d.Digest, dest); err != nil {
			return fmt.Errorf("fetch dependency %s: %w", d.Key(), err)
		}
	}
	return nil
}

func writeStubOutput(workspace string, req phase.Request) error {
	dir := filepath.Join(workspace, outputsSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := sanitize(req.Config.ID) + ".txt"
	body := fmt.Sprintf("%s revision %d run %s\n", req.Config.ID, req.Config.Revision, req.RunID)
	return os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644)
}

// collectOutputs turns every regular file under dir into an artifact carrying
// the quality expected for the build classification.
func collectOutputs(dir string, req phase.Request) ([]artifact.Artifact, error) {
	var out []artifact.Artifact
	version := strconv.Itoa(req.Config.Revision)
	quality := artifact.Expected(req.Config.Options.Temporary)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := req.Config.ID + "/" + filepath.ToSlash(rel)
		digest := artifact.ContentDigest(data)
		identifier := name + ":" + version
		out = append(out, artifact.Artifact{
			ID:         artifact.ComputeID(identifier, digest),
			Identifier: identifier,
			Name:       name,
			Version:    version,
			Digest:     digest,
			Quality:    quality,
			Path:       path,
			Size:       int64(len(data)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func firstLine(out []byte, err error) string {
	if line := Summarize(string(out)); line != "" {
		return line
	}
	return err.Error()
}
