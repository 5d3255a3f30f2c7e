package difftool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Orchestrator compares pairs of trees by walking the union of their
// relative paths and invoking the external tool only where both sides are
// present with differing content. Invocation concurrency is bounded
// independently from fetch concurrency since external processes are heavier.
type Orchestrator struct {
	runner      Runner
	concurrency int
	log         *slog.Logger
}

// NewOrchestrator creates an Orchestrator around the given tool runner.
func NewOrchestrator(runner Runner, concurrency int, log *slog.Logger) *Orchestrator {
	return &Orchestrator{runner: runner, concurrency: concurrency, log: log}
}

// task is one relative path with its side presence.
type task struct {
	relPath string
	left    bool
	right   bool
}

// Compare classifies every path under left and right. A tool failure on one
// path is captured in that path's Result and never aborts sibling tasks;
// only cancellation stops the walk early. onResult, if non-nil, receives
// each result as soon as its task finishes, in no particular order.
func (o *Orchestrator) Compare(ctx context.Context, scope, left, right string, onResult func(Result)) ([]Result, error) {
	tasks, err := buildTasks(left, right)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(tasks))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, t := range tasks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = o.classify(ctx, scope, t, left, right)
			if onResult != nil {
				onResult(results[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) classify(ctx context.Context, scope string, t task, left, right string) Result {
	res := Result{Scope: scope, RelPath: t.relPath}

	switch {
	case t.left && !t.right:
		res.Status = Removed
		return res
	case !t.left && t.right:
		res.Status = Added
		return res
	}

	lp := filepath.Join(left, filepath.FromSlash(t.relPath))
	rp := filepath.Join(right, filepath.FromSlash(t.relPath))

	// Hash first: identical bytes never need a tool invocation.
	lh, lerr := hashFile(lp)
	rh, rerr := hashFile(rp)
	if lerr == nil && rerr == nil && lh == rh {
		res.Status = Unchanged
		return res
	}

	out, err := o.runner.Run(ctx, lp, rp)
	if err != nil {
		o.log.Warn("diff tool failed", "scope", scope, "path", t.relPath, "error", err)
		res.Status = Modified
		res.Err = ExternalToolError{Tool: filepath.Base(o.runner.Path), RelPath: t.relPath, Err: err}
		return res
	}

	// The tool is authoritative for both-present paths: byte differences it
	// considers structurally identical stay Unchanged.
	if out.Distinct {
		res.Status = Modified
		res.Text = out.Output
	} else {
		res.Status = Unchanged
	}
	return res
}

// buildTasks computes the sorted union of relative file paths across both
// roots, recording side presence for each.
func buildTasks(left, right string) ([]task, error) {
	lpaths, err := walkRel(left)
	if err != nil {
		return nil, fmt.Errorf("walk left tree: %w", err)
	}
	rpaths, err := walkRel(right)
	if err != nil {
		return nil, fmt.Errorf("walk right tree: %w", err)
	}

	union := make(map[string]task)
	for p := range lpaths {
		union[p] = task{relPath: p, left: true}
	}
	for p := range rpaths {
		t := union[p]
		t.relPath = p
		t.right = true
		union[p] = t
	}

	tasks := make([]task, 0, len(union))
	for _, t := range union {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].relPath < tasks[j].relPath })
	return tasks, nil
}

// walkRel collects the slash-separated relative path of every regular file
// under root. A missing root yields an empty set: comparing against a tree
// with nothing on one side is a valid all-added/all-removed diff.
func walkRel(root string) (map[string]struct{}, error) {
	paths := make(map[string]struct{})
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && os.IsNotExist(err) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths[filepath.ToSlash(rel)] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
