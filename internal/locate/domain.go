package locate

import "fmt"

// ArtifactKind is the closed set of remote artifacts a run fetches.
type ArtifactKind string

const (
	// Manifest is the extension registry manifest at the default branch.
	Manifest ArtifactKind = "manifest"
	// DistBuild is the currently published bundle at the dist repository.
	DistBuild ArtifactKind = "dist"
	// PrBuild is the CI-built bundle attached to the PR's workflow run.
	PrBuild ArtifactKind = "pr-build"
)

// Kinds lists every artifact kind, in fetch order.
func Kinds() []ArtifactKind {
	return []ArtifactKind{Manifest, DistBuild, PrBuild}
}

// PullRequestRef identifies a pull request and its two commits.
// Immutable once resolved.
type PullRequestRef struct {
	Owner   string
	Repo    string
	Number  int
	BaseSHA string
	HeadSHA string
}

// ArtifactRef points at one remote artifact. Exactly one ref per kind is
// produced per run.
type ArtifactRef struct {
	Kind ArtifactKind
	URL  string

	// ExpectedSHA256 is the hex digest the downloaded bytes must hash to,
	// when the remote declares one. Empty means no hash check.
	ExpectedSHA256 string

	// DeclaredLength is the byte length the remote declares, or 0 if unknown.
	DeclaredLength int64

	// ZipMember names the file to pull out of a zip-wrapped artifact
	// (the CI artifact download is a zip containing the bundle).
	ZipMember string
}

// Resolution is the full output of resolving a pull request: the three
// artifact refs plus the extension the PR modifies.
type Resolution struct {
	PR          PullRequestRef
	Artifacts   []ArtifactRef
	ExtensionID string

	// UpstreamRepo is the extension's source repository as declared by the
	// registry CI job.
	UpstreamRepo string

	// UpstreamOld and UpstreamNew are the source commits the PR moves the
	// extension between, also taken from the CI job log. They drive the
	// upstream-scope comparison.
	UpstreamOld string
	UpstreamNew string
}

// Ref returns the artifact ref of the given kind.
func (r Resolution) Ref(kind ArtifactKind) (ArtifactRef, bool) {
	for _, a := range r.Artifacts {
		if a.Kind == kind {
			return a, true
		}
	}
	return ArtifactRef{}, false
}

// AuthError is returned when the remote service rejects credentials.
type AuthError struct {
	Op string
}

// Error implements the error interface.
func (e AuthError) Error() string {
	return fmt.Sprintf("authentication rejected during %s", e.Op)
}

// NotFoundError is returned when the PR, a branch, a workflow run, or an
// artifact does not exist on the remote service.
type NotFoundError struct {
	What string
}

// Error implements the error interface.
func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.What)
}
