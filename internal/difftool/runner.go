// Package difftool drives the external structural-diff tool over pairs of
// extracted trees, classifying every path in the union of both sides. Tool
// failures are captured per path; one unreadable file never hides the rest
// of the review.
package difftool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Outcome is the captured result of one tool invocation that ran to exit.
type Outcome struct {
	Output   string
	ExitCode int
	// Distinct is true when the tool reported a difference (exit code 1,
	// by diff convention).
	Distinct bool
}

// Runner invokes the external diff tool with two file paths. It
// distinguishes "tool ran and reported a difference" from "tool failed to
// run".
type Runner struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

// Run executes the tool against left and right. Exit code 0 means
// identical, 1 means a difference was found; anything else, a start
// failure, or a timeout is an error.
func (r Runner) Run(ctx context.Context, left, right string) (Outcome, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, r.Args...), left, right)
	cmd := exec.CommandContext(ctx, r.Path, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Outcome{}, fmt.Errorf("timed out after %s", r.Timeout)
	}
	if err == nil {
		return Outcome{Output: stdout.String(), ExitCode: 0}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == 1 {
			return Outcome{Output: stdout.String(), ExitCode: 1, Distinct: true}, nil
		}
		return Outcome{}, fmt.Errorf("exit %d: %s", code, firstLine(stderr.String()))
	}
	return Outcome{}, fmt.Errorf("start %s: %w", r.Path, err)
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
