package locate_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bundlescope/bundlescope/internal/locate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const jobLog = "" +
	"2026-01-02T03:04:05.000Z Checking modified extensions\n" +
	"2026-01-02T03:04:05.100Z ## sampleext\n" +
	"2026-01-02T03:04:05.200Z - Repository: <https://github.com/acme/sampleext>\n" +
	"2026-01-02T03:04:05.300Z - Old commit: [1111111]\n" +
	"2026-01-02T03:04:05.400Z - New commit: [2222222]\n"

// fakeRegistry serves the slice of the GitHub API the locator touches.
func fakeRegistry(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("GET /repos/octo/exts/pulls/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":42,"base":{"sha":"basesha"},"head":{"sha":"headsha"}}`)
	})
	mux.HandleFunc("GET /repos/octo/exts/actions/workflows/pr.yml/runs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count":2,"workflow_runs":[
			{"id":98,"head_sha":"stale","status":"completed","conclusion":"success"},
			{"id":99,"head_sha":"headsha","status":"completed","conclusion":"success"}
		]}`)
	})
	mux.HandleFunc("GET /repos/octo/exts/actions/runs/99/jobs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count":1,"jobs":[{"id":7,"name":"build"}]}`)
	})
	mux.HandleFunc("GET /repos/octo/exts/actions/jobs/7/logs", func(w http.ResponseWriter, r *http.Request) {
		// The API answers with a redirect to signed log storage.
		http.Redirect(w, r, srv.URL+"/signed-log", http.StatusFound)
	})
	mux.HandleFunc("GET /signed-log", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			http.Error(w, "signed URLs reject credentials", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, jobLog)
	})
	mux.HandleFunc("GET /repos/octo/exts/actions/runs/99/artifacts", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"total_count":1,"artifacts":[
			{"id":5,"name":"built-extensions","archive_download_url":"%s/download/artifact.zip","size_in_bytes":12345}
		]}`, srv.URL)
	})
	mux.HandleFunc("GET /repos/octo/exts", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"default_branch":"main"}`)
	})
	mux.HandleFunc("GET /repos/octo/exts-dist", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"default_branch":"release"}`)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newLocator(srv *httptest.Server) *locate.Locator {
	gh := locate.NewTokenClient("test-token", srv.URL)
	return locate.NewLocator(gh, srv.Client(), locate.Options{
		Owner:        "octo",
		Repo:         "exts",
		DistRepo:     "exts-dist",
		WorkflowFile: "pr.yml",
		ManifestPath: "manifest.json",
		RawBaseURL:   "https://raw.example.com",
	}, discardLogger())
}

// ─── Happy path ───────────────────────────────────────────────────────────────

func TestResolve_ProducesOneRefPerKind(t *testing.T) {
	srv := fakeRegistry(t)
	res, err := newLocator(srv).Resolve(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, "sampleext", res.ExtensionID)
	assert.Equal(t, "https://github.com/acme/sampleext", res.UpstreamRepo)
	assert.Equal(t, "1111111", res.UpstreamOld)
	assert.Equal(t, "2222222", res.UpstreamNew)
	assert.Equal(t, "basesha", res.PR.BaseSHA)
	assert.Equal(t, "headsha", res.PR.HeadSHA)
	assert.Equal(t, 42, res.PR.Number)

	require.Len(t, res.Artifacts, 3)
	seen := map[locate.ArtifactKind]bool{}
	for _, a := range res.Artifacts {
		assert.False(t, seen[a.Kind], "duplicate ref for kind %s", a.Kind)
		seen[a.Kind] = true
	}

	manifest, ok := res.Ref(locate.Manifest)
	require.True(t, ok)
	assert.Equal(t, "https://raw.example.com/octo/exts/main/manifest.json", manifest.URL)

	dist, ok := res.Ref(locate.DistBuild)
	require.True(t, ok)
	assert.Equal(t, "https://raw.example.com/octo/exts-dist/release/exts/sampleext.asar", dist.URL)

	prBuild, ok := res.Ref(locate.PrBuild)
	require.True(t, ok)
	assert.Equal(t, srv.URL+"/download/artifact.zip", prBuild.URL)
	assert.Equal(t, "sampleext.asar", prBuild.ZipMember)
	assert.Zero(t, prBuild.DeclaredLength, "artifact size_in_bytes must not gate the zip download")
}

// ─── Failure classification ───────────────────────────────────────────────────

func TestResolve_MissingPullRequestIsNotFound(t *testing.T) {
	srv := fakeRegistry(t)
	_, err := newLocator(srv).Resolve(context.Background(), 7)

	var nferr locate.NotFoundError
	require.ErrorAs(t, err, &nferr)
	assert.Contains(t, nferr.What, "#7")
}

func TestResolve_RejectedCredentialsIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newLocator(srv).Resolve(context.Background(), 42)
	var aerr locate.AuthError
	require.ErrorAs(t, err, &aerr)
}

func TestResolve_NoSuccessfulRunForHeadIsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/exts/pulls/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":42,"base":{"sha":"basesha"},"head":{"sha":"headsha"}}`)
	})
	mux.HandleFunc("GET /repos/octo/exts/actions/workflows/pr.yml/runs", func(w http.ResponseWriter, r *http.Request) {
		// Completed but failed: must not be selected.
		fmt.Fprint(w, `{"total_count":1,"workflow_runs":[
			{"id":99,"head_sha":"headsha","status":"completed","conclusion":"failure"}
		]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := newLocator(srv).Resolve(context.Background(), 42)
	var nferr locate.NotFoundError
	require.ErrorAs(t, err, &nferr)
	assert.Contains(t, nferr.What, "workflow run")
}
