package fetch_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bundlescope/bundlescope/internal/fetch"
	"github.com/bundlescope/bundlescope/internal/locate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ─── Happy path ───────────────────────────────────────────────────────────────

func TestFetchAll_DownloadsAndVerifiesEveryArtifact(t *testing.T) {
	manifest := []byte(`{"extensions":[]}`)
	bundle := []byte("asar bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manifest.json":
			_, _ = w.Write(manifest)
		case "/dist.asar":
			_, _ = w.Write(bundle)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	refs := []locate.ArtifactRef{
		{Kind: locate.Manifest, URL: srv.URL + "/manifest.json", ExpectedSHA256: sha256Hex(manifest), DeclaredLength: int64(len(manifest))},
		{Kind: locate.DistBuild, URL: srv.URL + "/dist.asar", ExpectedSHA256: sha256Hex(bundle)},
	}

	dir := t.TempDir()
	var fetched atomic.Int64
	f := fetch.NewFetcher(srv.Client(), "", 2, 3, discardLogger())
	arts, err := f.FetchAll(context.Background(), refs, dir, func(fetch.LocalArtifact) {
		fetched.Add(1)
	})
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.EqualValues(t, 2, fetched.Load())

	// Results keep ref order regardless of download completion order.
	assert.Equal(t, locate.Manifest, arts[0].Kind)
	assert.Equal(t, locate.DistBuild, arts[1].Kind)

	got, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, manifest, got)
	assert.Equal(t, int64(len(bundle)), arts[1].Length)
	assert.Equal(t, sha256Hex(bundle), arts[1].SHA256)
}

func TestFetchAll_SendsBearerTokenWhenConfigured(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	f := fetch.NewFetcher(srv.Client(), "tok-123", 1, 1, discardLogger())
	_, err := f.FetchAll(context.Background(),
		[]locate.ArtifactRef{{Kind: locate.PrBuild, URL: srv.URL + "/a"}}, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

// ─── Retry behavior ───────────────────────────────────────────────────────────

func TestFetchOne_RetriesTransientServerErrors(t *testing.T) {
	body := []byte("eventually fine")
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := fetch.NewFetcher(srv.Client(), "", 1, 3, discardLogger())
	arts, err := f.FetchAll(context.Background(),
		[]locate.ArtifactRef{{Kind: locate.DistBuild, URL: srv.URL + "/dist.asar", ExpectedSHA256: sha256Hex(body)}},
		t.TempDir(), nil)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchOne_ExhaustedRetriesIsNetworkError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := fetch.NewFetcher(srv.Client(), "", 1, 2, discardLogger())
	_, err := f.FetchAll(context.Background(),
		[]locate.ArtifactRef{{Kind: locate.Manifest, URL: srv.URL + "/m"}}, t.TempDir(), nil)

	var nerr fetch.NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, locate.Manifest, nerr.Kind)
	assert.EqualValues(t, 2, calls.Load(), "retry cap bounds total attempts")
}

func TestFetchOne_ClientErrorsArePermanent(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/gone":
			http.NotFound(w, r)
		default:
			http.Error(w, "no", http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	f := fetch.NewFetcher(srv.Client(), "", 1, 5, discardLogger())

	_, err := f.FetchAll(context.Background(),
		[]locate.ArtifactRef{{Kind: locate.Manifest, URL: srv.URL + "/gone"}}, t.TempDir(), nil)
	var nferr locate.NotFoundError
	require.ErrorAs(t, err, &nferr)

	_, err = f.FetchAll(context.Background(),
		[]locate.ArtifactRef{{Kind: locate.Manifest, URL: srv.URL + "/private"}}, t.TempDir(), nil)
	var aerr locate.AuthError
	require.ErrorAs(t, err, &aerr)

	assert.EqualValues(t, 2, calls.Load(), "no retries on 4xx")
}

// ─── Integrity ────────────────────────────────────────────────────────────────

func TestFetchOne_HashMismatchLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := fetch.NewFetcher(srv.Client(), "", 1, 3, discardLogger())
	_, err := f.FetchAll(context.Background(),
		[]locate.ArtifactRef{{Kind: locate.DistBuild, URL: srv.URL + "/d", ExpectedSHA256: sha256Hex([]byte("expected bytes"))}},
		dir, nil)

	var ierr fetch.IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "sha256", ierr.Field)

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "neither final nor partial file may remain")
}

func TestFetchOne_LengthMismatchIsIntegrityError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()

	f := fetch.NewFetcher(srv.Client(), "", 1, 3, discardLogger())
	_, err := f.FetchAll(context.Background(),
		[]locate.ArtifactRef{{Kind: locate.PrBuild, URL: srv.URL + "/p", DeclaredLength: 100}},
		t.TempDir(), nil)

	var ierr fetch.IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "length", ierr.Field)
}

// ─── Cancellation ─────────────────────────────────────────────────────────────

func TestFetchAll_CancelledContextPropagates(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	f := fetch.NewFetcher(srv.Client(), "", 1, 3, discardLogger())
	go func() {
		_, err := f.FetchAll(ctx, []locate.ArtifactRef{{Kind: locate.Manifest, URL: srv.URL + "/m"}}, t.TempDir(), nil)
		done <- err
	}()

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
}

// ─── Filenames ────────────────────────────────────────────────────────────────

func TestFilename_MapsEveryKind(t *testing.T) {
	assert.Equal(t, "manifest.json", fetch.Filename(locate.Manifest))
	assert.Equal(t, "dist.asar", fetch.Filename(locate.DistBuild))
	assert.Equal(t, "pr-build.zip", fetch.Filename(locate.PrBuild))
}
