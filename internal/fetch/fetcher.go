// Package fetch downloads resolved artifact refs into the run's scratch
// directory with bounded concurrency, streaming hash verification, and
// retry with exponential backoff. No artifact becomes visible to later
// stages until it has passed verification.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/bundlescope/bundlescope/internal/locate"
)

// LocalArtifact is a downloaded, verified artifact on disk.
type LocalArtifact struct {
	Kind   locate.ArtifactKind
	Path   string
	Length int64
	SHA256 string
}

// NetworkError is a transport failure that survived the retry cap.
type NetworkError struct {
	Kind locate.ArtifactKind
	URL  string
	Err  error
}

// Error implements the error interface.
func (e NetworkError) Error() string {
	return fmt.Sprintf("downloading %s from %s: %v", e.Kind, e.URL, e.Err)
}

// Unwrap exposes the underlying transport error.
func (e NetworkError) Unwrap() error { return e.Err }

// IntegrityError reports a length or hash mismatch on received bytes.
type IntegrityError struct {
	Kind  locate.ArtifactKind
	Field string // "length" or "sha256"
	Want  string
	Got   string
}

// Error implements the error interface.
func (e IntegrityError) Error() string {
	return fmt.Sprintf("artifact %s failed %s check: want %s, got %s", e.Kind, e.Field, e.Want, e.Got)
}

// Fetcher downloads artifact refs. Every artifact is required: any failure
// fails the whole fetch.
type Fetcher struct {
	client      *http.Client
	token       string
	concurrency int
	retryCap    int
	log         *slog.Logger
}

// NewFetcher creates a Fetcher. The bearer token is set per request rather
// than on a transport: the CI artifact download redirects to signed storage
// URLs, and the http client must drop Authorization on the cross-host hop.
func NewFetcher(client *http.Client, token string, concurrency, retryCap int, log *slog.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, token: token, concurrency: concurrency, retryCap: retryCap, log: log}
}

// FetchAll downloads every ref into dir concurrently and returns the
// verified artifacts in ref order. onFetched, if non-nil, is called once per
// artifact after verification; calls may arrive in any order.
func (f *Fetcher) FetchAll(ctx context.Context, refs []locate.ArtifactRef, dir string, onFetched func(LocalArtifact)) ([]LocalArtifact, error) {
	results := make([]LocalArtifact, len(refs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			art, err := f.fetchOne(ctx, ref, dir)
			if err != nil {
				return err
			}
			results[i] = art
			if onFetched != nil {
				onFetched(art)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// fetchOne downloads a single ref, retrying transient failures up to the
// retry cap. Integrity and 4xx failures are permanent.
func (f *Fetcher) fetchOne(ctx context.Context, ref locate.ArtifactRef, dir string) (LocalArtifact, error) {
	op := func() (LocalArtifact, error) {
		art, err := f.attempt(ctx, ref, dir)
		if err != nil && !retryable(err) {
			return LocalArtifact{}, backoff.Permanent(err)
		}
		return art, err
	}

	art, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(f.retryCap)),
	)
	if err != nil {
		var transient transientError
		if errors.As(err, &transient) {
			return LocalArtifact{}, NetworkError{Kind: ref.Kind, URL: ref.URL, Err: transient.err}
		}
		return LocalArtifact{}, err
	}
	return art, nil
}

// transientError marks an attempt failure that the backoff loop may retry.
type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var transient transientError
	return errors.As(err, &transient)
}

// attempt performs one download: stream to a .partial file through a sha256
// tee, verify, then rename into place.
func (f *Fetcher) attempt(ctx context.Context, ref locate.ArtifactRef, dir string) (LocalArtifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, http.NoBody)
	if err != nil {
		return LocalArtifact{}, fmt.Errorf("create request for %s: %w", ref.Kind, err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return LocalArtifact{}, ctx.Err()
		}
		return LocalArtifact{}, transientError{fmt.Errorf("GET %s: %w", ref.URL, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return LocalArtifact{}, locate.AuthError{Op: "download " + string(ref.Kind)}
	case resp.StatusCode == http.StatusNotFound:
		return LocalArtifact{}, locate.NotFoundError{What: string(ref.Kind) + " at " + ref.URL}
	case resp.StatusCode >= 500:
		return LocalArtifact{}, transientError{fmt.Errorf("GET %s returned %d", ref.URL, resp.StatusCode)}
	default:
		return LocalArtifact{}, fmt.Errorf("GET %s returned %d", ref.URL, resp.StatusCode)
	}

	final := filepath.Join(dir, Filename(ref.Kind))
	partial := final + ".partial"

	file, err := os.Create(partial)
	if err != nil {
		return LocalArtifact{}, fmt.Errorf("create %s: %w", partial, err)
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(file, hasher), resp.Body)
	closeErr := file.Close()
	if err != nil {
		_ = os.Remove(partial)
		if ctx.Err() != nil {
			return LocalArtifact{}, ctx.Err()
		}
		return LocalArtifact{}, transientError{fmt.Errorf("stream %s: %w", ref.Kind, err)}
	}
	if closeErr != nil {
		_ = os.Remove(partial)
		return LocalArtifact{}, fmt.Errorf("close %s: %w", partial, closeErr)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if ref.DeclaredLength > 0 && n != ref.DeclaredLength {
		_ = os.Remove(partial)
		return LocalArtifact{}, IntegrityError{
			Kind: ref.Kind, Field: "length",
			Want: fmt.Sprintf("%d", ref.DeclaredLength), Got: fmt.Sprintf("%d", n),
		}
	}
	if ref.ExpectedSHA256 != "" && digest != ref.ExpectedSHA256 {
		_ = os.Remove(partial)
		return LocalArtifact{}, IntegrityError{Kind: ref.Kind, Field: "sha256", Want: ref.ExpectedSHA256, Got: digest}
	}

	if err := os.Rename(partial, final); err != nil {
		return LocalArtifact{}, fmt.Errorf("rename %s: %w", partial, err)
	}

	f.log.Debug("fetched artifact", "kind", ref.Kind, "bytes", n, "sha256", digest)
	return LocalArtifact{Kind: ref.Kind, Path: final, Length: n, SHA256: digest}, nil
}

// Filename returns the on-disk name an artifact kind downloads to.
func Filename(kind locate.ArtifactKind) string {
	switch kind {
	case locate.Manifest:
		return "manifest.json"
	case locate.DistBuild:
		return "dist.asar"
	case locate.PrBuild:
		return "pr-build.zip"
	default:
		return string(kind) + ".bin"
	}
}
