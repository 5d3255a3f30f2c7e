package pipeline

import (
	"context"

	"github.com/bundlescope/bundlescope/internal/difftool"
	"github.com/bundlescope/bundlescope/internal/fetch"
	"github.com/bundlescope/bundlescope/internal/locate"
)

// Locator resolves a PR number into the run's artifact refs.
// locate.Locator implicitly satisfies it.
type Locator interface {
	Resolve(ctx context.Context, number int) (locate.Resolution, error)
}

// Fetcher downloads and verifies artifact refs.
// fetch.Fetcher implicitly satisfies it.
type Fetcher interface {
	FetchAll(ctx context.Context, refs []locate.ArtifactRef, dir string, onFetched func(fetch.LocalArtifact)) ([]fetch.LocalArtifact, error)
}

// Differ compares two trees and classifies every path in their union.
// difftool.Orchestrator implicitly satisfies it.
type Differ interface {
	Compare(ctx context.Context, scope, left, right string, onResult func(difftool.Result)) ([]difftool.Result, error)
}

// Source materializes version-controlled trees at specific commits.
// difftool.GitSource implicitly satisfies it.
type Source interface {
	Clone(ctx context.Context, repoURL, dir string) error
	CheckoutCopy(ctx context.Context, repoDir, commit, dest string) error
}

// Deps bundles the controller's collaborators for constructor injection.
type Deps struct {
	Locator Locator
	Fetcher Fetcher
	Differ  Differ
	Source  Source
}
