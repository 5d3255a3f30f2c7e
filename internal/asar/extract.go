package asar

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ExtractedTree is the materialized contents of one archive: the extraction
// root plus every relative path written beneath it.
type ExtractedTree struct {
	Root  string
	Paths []string
}

// Extract streams every file entry's byte range from r into dest, creating
// directories as needed. Payloads are copied with section readers so the
// archive is never buffered whole. The context is checked between entries;
// on cancellation the partially written file is removed before returning.
func Extract(ctx context.Context, r io.ReaderAt, hdr Header, dest string) (ExtractedTree, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return ExtractedTree{}, fmt.Errorf("create extraction root: %w", err)
	}

	tree := ExtractedTree{Root: dest}
	for _, e := range hdr.Entries {
		if err := ctx.Err(); err != nil {
			return ExtractedTree{}, err
		}

		path, err := destPath(dest, e.Path)
		if err != nil {
			return ExtractedTree{}, err
		}

		if e.Kind == KindDirectory {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return ExtractedTree{}, fmt.Errorf("create directory %s: %w", e.Path, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return ExtractedTree{}, fmt.Errorf("create parent of %s: %w", e.Path, err)
		}
		if err := writeEntry(ctx, r, hdr.BaseOffset, e, path); err != nil {
			return ExtractedTree{}, err
		}
		tree.Paths = append(tree.Paths, e.Path)
	}
	return tree, nil
}

func writeEntry(ctx context.Context, r io.ReaderAt, base int64, e Entry, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", e.Path, err)
	}

	src := io.NewSectionReader(r, base+e.Offset, e.Size)
	_, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()

	if copyErr != nil {
		_ = os.Remove(path)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("write %s: %w", e.Path, copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close %s: %w", e.Path, closeErr)
	}
	return nil
}

// ExtractFile parses the archive at src and extracts it under dest.
func ExtractFile(ctx context.Context, src, dest string) (ExtractedTree, error) {
	f, err := os.Open(src)
	if err != nil {
		return ExtractedTree{}, fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return ExtractedTree{}, fmt.Errorf("stat archive: %w", err)
	}

	hdr, err := Parse(f, info.Size())
	if err != nil {
		return ExtractedTree{}, err
	}
	return Extract(ctx, f, hdr, dest)
}
