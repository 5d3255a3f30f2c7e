package difftool

import "fmt"

// Status classifies one relative path across a compared pair of trees.
type Status string

const (
	// Added means the path exists only on the right side.
	Added Status = "added"
	// Removed means the path exists only on the left side.
	Removed Status = "removed"
	// Modified means the path exists on both sides with differing content.
	Modified Status = "modified"
	// Unchanged means the path exists on both sides with identical content.
	Unchanged Status = "unchanged"
)

// Result is the immutable outcome for one relative path. Text holds the
// external tool's output for Modified paths; Err records a path-scoped tool
// failure without invalidating the classification.
type Result struct {
	Scope   string
	RelPath string
	Status  Status
	Text    string
	Err     error
}

// ExternalToolError reports a diff tool invocation that failed to run:
// crash, unexpected exit code, or timeout. It is path-scoped and never
// aborts sibling comparisons.
type ExternalToolError struct {
	Tool    string
	RelPath string
	Err     error
}

// Error implements the error interface.
func (e ExternalToolError) Error() string {
	return fmt.Sprintf("%s failed on %s: %v", e.Tool, e.RelPath, e.Err)
}

// Unwrap exposes the underlying invocation error.
func (e ExternalToolError) Unwrap() error { return e.Err }
