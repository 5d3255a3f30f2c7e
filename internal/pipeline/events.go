package pipeline

import (
	"github.com/bundlescope/bundlescope/internal/difftool"
	"github.com/bundlescope/bundlescope/internal/locate"
)

// State is the pipeline's position in its run. Transitions move forward
// only, except the explicit operator retry from Failed back to Fetching.
type State string

const (
	// Idle is the state before Run is called.
	Idle State = "idle"
	// Resolving turns the PR number into artifact refs.
	Resolving State = "resolving"
	// Fetching downloads and verifies the artifacts.
	Fetching State = "fetching"
	// Extracting unpacks the bundle containers.
	Extracting State = "extracting"
	// Diffing runs the external tool over the compared trees.
	Diffing State = "diffing"
	// Completed is the terminal success state.
	Completed State = "completed"
	// Failed is terminal for the run but permits Retry.
	Failed State = "failed"
	// Cancelled is the terminal state after cooperative cancellation.
	Cancelled State = "cancelled"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Event is one entry in the ordered stream the controller emits to its
// single consumer. Events across stage boundaries arrive in emission order;
// events within a stage (fetched artifacts, diff results) may interleave.
type Event interface {
	isEvent()
}

// ProgressEvent marks progress through a stage. Fraction is in [0,1].
type ProgressEvent struct {
	Stage    State
	Fraction float64
}

// ArtifactFetchedEvent reports one artifact passing verification.
type ArtifactFetchedEvent struct {
	Kind locate.ArtifactKind
}

// ExtractionDoneEvent reports one artifact's tree being materialized. For
// the manifest that means copied into place and checked, not unpacked; the
// two bundle kinds are real archive extractions.
type ExtractionDoneEvent struct {
	Kind locate.ArtifactKind
}

// DiffResultReadyEvent carries one classified path.
type DiffResultReadyEvent struct {
	Result difftool.Result
}

// Summary tallies a completed run's diff results.
type Summary struct {
	Added      int
	Removed    int
	Modified   int
	Unchanged  int
	ToolErrors int
}

// CompletedEvent is the terminal success event.
type CompletedEvent struct {
	Summary Summary
}

// FailedEvent is the terminal failure event; Reason carries the specific
// error from the taxonomy.
type FailedEvent struct {
	Reason error
}

// CancelledEvent reports that the run was stopped, distinct from Failed so
// a reviewer can tell "errored" from "was stopped".
type CancelledEvent struct{}

func (ProgressEvent) isEvent()        {}
func (ArtifactFetchedEvent) isEvent() {}
func (ExtractionDoneEvent) isEvent()  {}
func (DiffResultReadyEvent) isEvent() {}
func (CompletedEvent) isEvent()       {}
func (FailedEvent) isEvent()          {}
func (CancelledEvent) isEvent()       {}
