// Package pipeline sequences a review run: resolve the PR into artifact
// refs, fetch and verify them, extract the bundle containers, and drive the
// diff orchestrator. It emits ordered events to a single consumer and owns
// the scratch directory for the run's lifetime.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bundlescope/bundlescope/internal/asar"
	"github.com/bundlescope/bundlescope/internal/config"
	"github.com/bundlescope/bundlescope/internal/difftool"
	"github.com/bundlescope/bundlescope/internal/fetch"
	"github.com/bundlescope/bundlescope/internal/locate"
)

// eventBuffer is the event channel capacity. The consumer is expected to
// drain; a full buffer backpressures the emitting stage.
const eventBuffer = 256

// Controller is the pipeline state machine. One Controller drives one run
// (plus operator retries of that run).
type Controller struct {
	cfg    config.Config
	log    *slog.Logger
	deps   Deps
	events chan Event

	mu         sync.Mutex
	state      State
	resolution *locate.Resolution
	closeOnce  sync.Once
}

// New builds a Controller with its production collaborators wired from cfg.
// cfg must already be validated.
func New(cfg config.Config, log *slog.Logger) (*Controller, error) {
	gh := locate.NewTokenClient(cfg.Token, cfg.APIBaseURL)
	if cfg.HasAppAuth() {
		var err error
		gh, err = locate.NewAppClient(cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath, cfg.APIBaseURL)
		if err != nil {
			return nil, err
		}
	}

	locator := locate.NewLocator(gh, nil, locate.Options{
		Owner:        cfg.Owner,
		Repo:         cfg.Repo,
		DistRepo:     cfg.DistRepo,
		WorkflowFile: cfg.WorkflowFile,
		ManifestPath: cfg.ManifestPath,
		RawBaseURL:   cfg.RawBaseURL,
	}, log)

	deps := Deps{
		Locator: locator,
		Fetcher: fetch.NewFetcher(nil, cfg.Token, cfg.FetchConcurrency, cfg.RetryCap, log),
		Differ: difftool.NewOrchestrator(
			difftool.Runner{Path: cfg.DiffToolPath, Timeout: cfg.DiffTimeout},
			cfg.DiffConcurrency, log),
		Source: difftool.GitSource{GitPath: cfg.GitPath, Log: log},
	}
	return NewWithDeps(cfg, log, deps), nil
}

// NewWithDeps builds a Controller around explicit collaborators.
func NewWithDeps(cfg config.Config, log *slog.Logger, deps Deps) *Controller {
	return &Controller{
		cfg:    cfg,
		log:    log,
		deps:   deps,
		events: make(chan Event, eventBuffer),
		state:  Idle,
	}
}

// Events returns the ordered event stream. Each run ends with a Completed,
// Failed, or Cancelled event; the channel itself stays open across retries
// and is closed by Close.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Close closes the event stream. Call it after the last Run or Retry has
// returned; it is safe to call more than once.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.events) })
}

// State returns the current pipeline state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run executes a full review of the given PR number. It returns the error
// that failed the run, ctx.Err() on cancellation, or nil on completion.
func (c *Controller) Run(ctx context.Context, number int) error {
	if err := c.advance(Idle, Resolving); err != nil {
		return err
	}

	scratch, err := c.makeScratch()
	if err != nil {
		return c.finish(ctx, "", err)
	}
	// Terminal paths remove scratch before emitting their event; the defer
	// only covers returns that bypass finish.
	defer c.cleanup(scratch)

	c.emit(ProgressEvent{Stage: Resolving, Fraction: 0})
	res, err := c.deps.Locator.Resolve(ctx, number)
	if err != nil {
		return c.finish(ctx, scratch, err)
	}
	c.log.Info("resolved pull request",
		"number", number, "extension", res.ExtensionID, "artifacts", len(res.Artifacts))

	c.mu.Lock()
	c.resolution = &res
	c.mu.Unlock()

	return c.runFrom(ctx, scratch, res, Resolving)
}

// Retry re-enters Fetching from Failed with the previously resolved refs.
// The scratch directory of the failed run is gone; a fresh one is created.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Failed || c.resolution == nil {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("retry is only valid from %s with a resolved run, state is %s", Failed, state)
	}
	res := *c.resolution
	c.mu.Unlock()

	scratch, err := c.makeScratch()
	if err != nil {
		return c.finish(ctx, "", err)
	}
	defer c.cleanup(scratch)

	return c.runFrom(ctx, scratch, res, Failed)
}

// runFrom executes the Fetching → Extracting → Diffing → Completed tail.
func (c *Controller) runFrom(ctx context.Context, scratch string, res locate.Resolution, from State) error {
	if err := c.advance(from, Fetching); err != nil {
		return err
	}
	arts, err := c.fetchStage(ctx, scratch, res)
	if err != nil {
		return c.finish(ctx, scratch, err)
	}

	if err := c.advance(Fetching, Extracting); err != nil {
		return err
	}
	if err := c.extractStage(ctx, scratch, res, arts); err != nil {
		return c.finish(ctx, scratch, err)
	}

	if err := c.advance(Extracting, Diffing); err != nil {
		return err
	}
	summary, err := c.diffStage(ctx, scratch, res)
	if err != nil {
		return c.finish(ctx, scratch, err)
	}

	if err := c.advance(Diffing, Completed); err != nil {
		return err
	}
	c.cleanup(scratch)
	c.emit(CompletedEvent{Summary: summary})
	c.log.Info("run completed",
		"added", summary.Added, "removed", summary.Removed,
		"modified", summary.Modified, "unchanged", summary.Unchanged,
		"tool_errors", summary.ToolErrors)
	return nil
}

// ─── Stages ──────────────────────────────────────────────────────────────────

func (c *Controller) fetchStage(ctx context.Context, scratch string, res locate.Resolution) ([]fetch.LocalArtifact, error) {
	c.emit(ProgressEvent{Stage: Fetching, Fraction: 0})

	dir := filepath.Join(scratch, "downloads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	var done atomic.Int64
	total := float64(len(res.Artifacts))
	return c.deps.Fetcher.FetchAll(ctx, res.Artifacts, dir, func(a fetch.LocalArtifact) {
		c.emit(ArtifactFetchedEvent{Kind: a.Kind})
		c.emit(ProgressEvent{Stage: Fetching, Fraction: float64(done.Add(1)) / total})
	})
}

func (c *Controller) extractStage(ctx context.Context, scratch string, res locate.Resolution, arts []fetch.LocalArtifact) error {
	c.emit(ProgressEvent{Stage: Extracting, Fraction: 0})

	byKind := make(map[locate.ArtifactKind]fetch.LocalArtifact, len(arts))
	for _, a := range arts {
		byKind[a.Kind] = a
	}

	if err := c.placeManifest(byKind[locate.Manifest], filepath.Join(scratch, "manifest"), res.ExtensionID); err != nil {
		return err
	}
	c.emit(ExtractionDoneEvent{Kind: locate.Manifest})

	// The two bundles extract concurrently; a malformed entry in one aborts
	// only that artifact's extraction, though any failure still fails the
	// run since every artifact is required.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := asar.ExtractFile(gctx, byKind[locate.DistBuild].Path, filepath.Join(scratch, "dist")); err != nil {
			return fmt.Errorf("extract %s: %w", locate.DistBuild, err)
		}
		c.emit(ExtractionDoneEvent{Kind: locate.DistBuild})
		return nil
	})
	g.Go(func() error {
		prRef, _ := res.Ref(locate.PrBuild)
		bundle := filepath.Join(scratch, "downloads", "pr-build.asar")
		if err := asar.ExtractZipMember(byKind[locate.PrBuild].Path, prRef.ZipMember, bundle); err != nil {
			return fmt.Errorf("unwrap %s: %w", locate.PrBuild, err)
		}
		if _, err := asar.ExtractFile(gctx, bundle, filepath.Join(scratch, "pr-build")); err != nil {
			return fmt.Errorf("extract %s: %w", locate.PrBuild, err)
		}
		c.emit(ExtractionDoneEvent{Kind: locate.PrBuild})
		return nil
	})
	return g.Wait()
}

func (c *Controller) diffStage(ctx context.Context, scratch string, res locate.Resolution) (Summary, error) {
	c.emit(ProgressEvent{Stage: Diffing, Fraction: 0})

	sourceDir := filepath.Join(scratch, "source")
	repoDir := filepath.Join(sourceDir, "repo")
	baseDir := filepath.Join(sourceDir, "base")
	headDir := filepath.Join(sourceDir, "head")

	cloneURL := fmt.Sprintf("%s/%s/%s.git", c.cfg.CloneBaseURL, res.PR.Owner, res.PR.Repo)
	if err := c.deps.Source.Clone(ctx, cloneURL, repoDir); err != nil {
		return Summary{}, err
	}
	if err := c.deps.Source.CheckoutCopy(ctx, repoDir, res.PR.BaseSHA, baseDir); err != nil {
		return Summary{}, err
	}
	if err := c.deps.Source.CheckoutCopy(ctx, repoDir, res.PR.HeadSHA, headDir); err != nil {
		return Summary{}, err
	}

	var summary Summary
	var mu sync.Mutex
	onResult := func(r difftool.Result) {
		c.emit(DiffResultReadyEvent{Result: r})
		mu.Lock()
		summary.tally(r)
		mu.Unlock()
	}

	if _, err := c.deps.Differ.Compare(ctx, "bundle",
		filepath.Join(scratch, "dist"), filepath.Join(scratch, "pr-build"), onResult); err != nil {
		return Summary{}, err
	}
	if _, err := c.deps.Differ.Compare(ctx, "source", baseDir, headDir, onResult); err != nil {
		return Summary{}, err
	}

	// Third scope: the extension's own repository at the commits the CI log
	// declared the PR moves between.
	if res.UpstreamRepo != "" && res.UpstreamOld != "" && res.UpstreamNew != "" {
		upstreamDir := filepath.Join(scratch, "upstream")
		upRepo := filepath.Join(upstreamDir, "repo")
		oldDir := filepath.Join(upstreamDir, "old")
		newDir := filepath.Join(upstreamDir, "new")

		if err := c.deps.Source.Clone(ctx, res.UpstreamRepo, upRepo); err != nil {
			return Summary{}, err
		}
		if err := c.deps.Source.CheckoutCopy(ctx, upRepo, res.UpstreamOld, oldDir); err != nil {
			return Summary{}, err
		}
		if err := c.deps.Source.CheckoutCopy(ctx, upRepo, res.UpstreamNew, newDir); err != nil {
			return Summary{}, err
		}
		if _, err := c.deps.Differ.Compare(ctx, "upstream", oldDir, newDir, onResult); err != nil {
			return Summary{}, err
		}
	}

	c.emit(ProgressEvent{Stage: Diffing, Fraction: 1})
	return summary, nil
}

func (s *Summary) tally(r difftool.Result) {
	switch r.Status {
	case difftool.Added:
		s.Added++
	case difftool.Removed:
		s.Removed++
	case difftool.Modified:
		s.Modified++
	case difftool.Unchanged:
		s.Unchanged++
	}
	if r.Err != nil {
		s.ToolErrors++
	}
}

// placeManifest copies the fetched manifest into its scratch subtree and
// confirms the audited extension is listed in it.
func (c *Controller) placeManifest(art fetch.LocalArtifact, dir, extID string) error {
	data, err := os.ReadFile(art.Path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if !manifestLists(data, extID) {
		return locate.NotFoundError{What: fmt.Sprintf("extension %q in manifest", extID)}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return fmt.Errorf("place manifest: %w", err)
	}
	return nil
}

// manifestLists reports whether the manifest JSON mentions the extension,
// either as an object with "id" == extID or as a map key.
func manifestLists(data []byte, extID string) bool {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	return jsonMentions(doc, extID)
}

func jsonMentions(node any, extID string) bool {
	switch v := node.(type) {
	case map[string]any:
		if id, ok := v["id"].(string); ok && id == extID {
			return true
		}
		for key, child := range v {
			if key == extID {
				return true
			}
			if jsonMentions(child, extID) {
				return true
			}
		}
	case []any:
		for _, child := range v {
			if jsonMentions(child, extID) {
				return true
			}
		}
	}
	return false
}

// ─── State machine and housekeeping ──────────────────────────────────────────

// advance moves from one state to the next, rejecting any transition the
// state machine does not define.
func (c *Controller) advance(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("invalid transition %s -> %s: pipeline is %s", from, to, c.state)
	}
	c.state = to
	return nil
}

// finish destroys the scratch directory, records the terminal outcome of a
// failed or cancelled run, and emits the matching event. Cleanup precedes
// the emit: a consumer observing a terminal event must never find scratch
// files on disk. Cancellation is never reported as Failed.
func (c *Controller) finish(ctx context.Context, scratch string, err error) error {
	c.cleanup(scratch)
	c.mu.Lock()
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.state = Cancelled
		c.mu.Unlock()
		c.emit(CancelledEvent{})
		c.log.Info("run cancelled")
		return err
	}
	c.state = Failed
	c.mu.Unlock()
	c.emit(FailedEvent{Reason: err})
	c.log.Error("run failed", "error", err)
	return err
}

// makeScratch creates the run-scoped scratch directory.
func (c *Controller) makeScratch() (string, error) {
	dir := filepath.Join(os.TempDir(), "bundlescope-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	c.log.Debug("scratch directory created", "dir", dir)
	return dir, nil
}

// cleanup force-removes the scratch directory. It is called after all stage
// tasks have returned, so no partial output survives; a second call on the
// same directory is a no-op.
func (c *Controller) cleanup(scratch string) {
	if scratch == "" {
		return
	}
	if err := os.RemoveAll(scratch); err != nil {
		c.log.Warn("scratch cleanup failed", "dir", scratch, "error", err)
	}
}

func (c *Controller) emit(ev Event) {
	c.events <- ev
}
