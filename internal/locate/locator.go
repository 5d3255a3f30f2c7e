// Package locate resolves a pull request against the extension registry
// into the fixed set of remote artifacts a run needs: the registry manifest,
// the published dist bundle, the CI-built PR bundle, and the PR's base/head
// commits. Resolution performs no retries; a failure here ends the run.
package locate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	gogithub "github.com/google/go-github/v75/github"
)

// Options fixes the registry layout a Locator resolves against.
type Options struct {
	Owner        string
	Repo         string
	DistRepo     string
	WorkflowFile string
	ManifestPath string
	RawBaseURL   string
}

// Locator resolves pull requests via the GitHub API.
type Locator struct {
	gh   *gogithub.Client
	http *http.Client
	opts Options
	log  *slog.Logger
}

// NewLocator creates a Locator. httpClient is used for the signed job-log
// URL, which must not carry API credentials.
func NewLocator(gh *gogithub.Client, httpClient *http.Client, opts Options, log *slog.Logger) *Locator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Locator{gh: gh, http: httpClient, opts: opts, log: log}
}

// Resolve turns a PR number into a Resolution. It fails with NotFoundError
// if the PR, its successful workflow run, its artifact, or the modified
// extension cannot be determined, and AuthError on rejected credentials.
func (l *Locator) Resolve(ctx context.Context, number int) (Resolution, error) {
	pr, _, err := l.gh.PullRequests.Get(ctx, l.opts.Owner, l.opts.Repo, number)
	if err != nil {
		return Resolution{}, classify(err, "get pull request", fmt.Sprintf("pull request #%d", number))
	}

	ref := PullRequestRef{
		Owner:   l.opts.Owner,
		Repo:    l.opts.Repo,
		Number:  number,
		BaseSHA: pr.GetBase().GetSHA(),
		HeadSHA: pr.GetHead().GetSHA(),
	}
	l.log.Debug("resolved pull request", "number", number, "base", ref.BaseSHA, "head", ref.HeadSHA)

	run, err := l.findRun(ctx, ref.HeadSHA)
	if err != nil {
		return Resolution{}, err
	}

	ext, err := l.findExtension(ctx, run.GetID())
	if err != nil {
		return Resolution{}, err
	}
	l.log.Debug("discovered extension", "id", ext.id, "repository", ext.repository)

	prBuild, err := l.findArtifact(ctx, run.GetID(), ext.id)
	if err != nil {
		return Resolution{}, err
	}

	registryBranch, err := l.defaultBranch(ctx, l.opts.Repo)
	if err != nil {
		return Resolution{}, err
	}
	distBranch, err := l.defaultBranch(ctx, l.opts.DistRepo)
	if err != nil {
		return Resolution{}, err
	}

	artifacts := []ArtifactRef{
		{
			Kind: Manifest,
			URL:  l.rawURL(l.opts.Repo, registryBranch, l.opts.ManifestPath),
		},
		{
			Kind: DistBuild,
			URL:  l.rawURL(l.opts.DistRepo, distBranch, "exts/"+ext.id+".asar"),
		},
		prBuild,
	}

	return Resolution{
		PR:           ref,
		Artifacts:    artifacts,
		ExtensionID:  ext.id,
		UpstreamRepo: ext.repository,
		UpstreamOld:  ext.oldCommit,
		UpstreamNew:  ext.newCommit,
	}, nil
}

// findRun selects the completed, successful pull_request run for headSHA.
func (l *Locator) findRun(ctx context.Context, headSHA string) (*gogithub.WorkflowRun, error) {
	runs, _, err := l.gh.Actions.ListWorkflowRunsByFileName(ctx, l.opts.Owner, l.opts.Repo, l.opts.WorkflowFile,
		&gogithub.ListWorkflowRunsOptions{
			Event:       "pull_request",
			ListOptions: gogithub.ListOptions{PerPage: 100},
		})
	if err != nil {
		return nil, classify(err, "list workflow runs", "workflow "+l.opts.WorkflowFile)
	}

	for _, run := range runs.WorkflowRuns {
		if run.GetHeadSHA() == headSHA && run.GetStatus() == "completed" && run.GetConclusion() == "success" {
			return run, nil
		}
	}
	return nil, NotFoundError{What: "successful workflow run for head " + headSHA}
}

// findArtifact returns the PrBuild ref for the run's build artifact.
func (l *Locator) findArtifact(ctx context.Context, runID int64, extID string) (ArtifactRef, error) {
	arts, _, err := l.gh.Actions.ListWorkflowRunArtifacts(ctx, l.opts.Owner, l.opts.Repo, runID, &gogithub.ListOptions{})
	if err != nil {
		return ArtifactRef{}, classify(err, "list run artifacts", "artifacts")
	}
	if len(arts.Artifacts) == 0 {
		return ArtifactRef{}, NotFoundError{What: fmt.Sprintf("build artifact for run %d", runID)}
	}

	// size_in_bytes describes the uncompressed artifact, not the zip the
	// download endpoint serves, so it cannot gate the received length.
	a := arts.Artifacts[0]
	return ArtifactRef{
		Kind:      PrBuild,
		URL:       a.GetArchiveDownloadURL(),
		ZipMember: extID + ".asar",
	}, nil
}

type modifiedExtension struct {
	id         string
	repository string
	oldCommit  string
	newCommit  string
}

// findExtension fetches the run's first job log and parses the extension
// block the registry CI prints for the modified extension.
func (l *Locator) findExtension(ctx context.Context, runID int64) (modifiedExtension, error) {
	jobs, _, err := l.gh.Actions.ListWorkflowJobs(ctx, l.opts.Owner, l.opts.Repo, runID, &gogithub.ListWorkflowJobsOptions{})
	if err != nil {
		return modifiedExtension{}, classify(err, "list workflow jobs", "jobs")
	}
	if len(jobs.Jobs) == 0 {
		return modifiedExtension{}, NotFoundError{What: fmt.Sprintf("jobs for run %d", runID)}
	}

	logURL, _, err := l.gh.Actions.GetWorkflowJobLogs(ctx, l.opts.Owner, l.opts.Repo, jobs.Jobs[0].GetID(), 4)
	if err != nil {
		return modifiedExtension{}, classify(err, "get job logs", "job log")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL.String(), http.NoBody)
	if err != nil {
		return modifiedExtension{}, fmt.Errorf("create log request: %w", err)
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return modifiedExtension{}, fmt.Errorf("GET %s: %w", logURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return modifiedExtension{}, NotFoundError{What: "job log"}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return modifiedExtension{}, fmt.Errorf("read job log: %w", err)
	}

	exts := parseExtensionsFromLog(string(body))
	if len(exts) == 0 {
		return modifiedExtension{}, NotFoundError{What: "modified extension in job log"}
	}
	if len(exts) > 1 {
		l.log.Warn("multiple modified extensions in job log, auditing the first", "count", len(exts))
	}
	return exts[0], nil
}

var (
	repositoryRe = regexp.MustCompile(`- Repository: <(.+)>`)
	oldCommitRe  = regexp.MustCompile(`- Old commit: \[(.+)\]`)
	newCommitRe  = regexp.MustCompile(`- New commit: \[(.+)\]`)
)

// parseExtensionsFromLog scans the CI job log for per-extension blocks of
// the form "## <id>" followed by repository / old commit / new commit lines.
// Each log line carries a leading timestamp token which is stripped first.
func parseExtensionsFromLog(log string) []modifiedExtension {
	var exts []modifiedExtension
	var cur modifiedExtension

	for _, raw := range strings.Split(log, "\n") {
		_, line, ok := strings.Cut(raw, " ")
		if !ok {
			continue
		}

		switch {
		case strings.HasPrefix(line, "## "):
			cur = modifiedExtension{id: strings.TrimSpace(line[3:])}
		case cur.id == "":
			continue
		default:
			if m := repositoryRe.FindStringSubmatch(line); m != nil {
				cur.repository = m[1]
			} else if m := oldCommitRe.FindStringSubmatch(line); m != nil {
				cur.oldCommit = m[1]
			} else if m := newCommitRe.FindStringSubmatch(line); m != nil {
				cur.newCommit = m[1]
				exts = append(exts, cur)
				cur = modifiedExtension{}
			}
		}
	}
	return exts
}

// defaultBranch looks up the default branch of a repository under the
// configured owner.
func (l *Locator) defaultBranch(ctx context.Context, repo string) (string, error) {
	r, _, err := l.gh.Repositories.Get(ctx, l.opts.Owner, repo)
	if err != nil {
		return "", classify(err, "get repository", "repository "+l.opts.Owner+"/"+repo)
	}
	branch := r.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}
	return branch, nil
}

func (l *Locator) rawURL(repo, branch, path string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", strings.TrimSuffix(l.opts.RawBaseURL, "/"), l.opts.Owner, repo, branch, path)
}

// classify maps GitHub API errors onto the run-level taxonomy.
func classify(err error, op, what string) error {
	var ghErr *gogithub.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return AuthError{Op: op}
		case http.StatusNotFound:
			return NotFoundError{What: what}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
