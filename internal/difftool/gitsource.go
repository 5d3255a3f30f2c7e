package difftool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// GitSource materializes source trees at specific commits by invoking the
// version-control binary. One clone per run; each commit is checked out and
// copied (minus .git) to its own destination so two commits can be compared
// side by side.
type GitSource struct {
	GitPath string
	Log     *slog.Logger
}

// Clone clones repoURL into dir.
func (g GitSource) Clone(ctx context.Context, repoURL, dir string) error {
	g.Log.Debug("cloning repository", "url", repoURL)
	if out, err := g.run(ctx, "", "clone", "--quiet", repoURL, dir); err != nil {
		return fmt.Errorf("git clone %s: %w: %s", repoURL, err, out)
	}
	return nil
}

// CheckoutCopy checks out commit inside repoDir and copies the working tree
// to dest, skipping the .git directory.
func (g GitSource) CheckoutCopy(ctx context.Context, repoDir, commit, dest string) error {
	g.Log.Debug("checking out commit", "commit", commit)
	if out, err := g.run(ctx, repoDir, "checkout", "--quiet", commit); err != nil {
		return fmt.Errorf("git checkout %s: %w: %s", commit, err, out)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if err := copyTree(ctx, repoDir, dest); err != nil {
		return fmt.Errorf("copy tree at %s: %w", commit, err)
	}
	return nil
}

func (g GitSource) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.GitPath, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// copyTree copies src into dest recursively, skipping .git. The context is
// checked per directory entry so cancellation unwinds promptly.
func copyTree(ctx context.Context, src, dest string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.Name() == ".git" {
			continue
		}

		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dest, entry.Name())

		if entry.IsDir() {
			if err := os.MkdirAll(to, 0o755); err != nil {
				return err
			}
			if err := copyTree(ctx, from, to); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(from, to); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
