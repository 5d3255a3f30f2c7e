package asar

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Pack builds a well-formed archive from a map of slash-separated relative
// paths to contents. Entries are laid out in sorted path order so packing
// is deterministic. Intermediate directories are created implicitly.
func Pack(files map[string][]byte) ([]byte, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "..") {
			return nil, fmt.Errorf("illegal pack path %q", p)
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	root := &rawEntry{Files: map[string]*rawEntry{}}
	var offset int64
	var payload bytes.Buffer

	for _, p := range paths {
		data := files[p]
		dir := root
		segs := strings.Split(p, "/")
		for _, seg := range segs[:len(segs)-1] {
			child, ok := dir.Files[seg]
			if !ok {
				child = &rawEntry{Files: map[string]*rawEntry{}}
				dir.Files[seg] = child
			}
			if child.Files == nil {
				return nil, fmt.Errorf("pack path %q crosses a file", p)
			}
			dir = child
		}

		name := segs[len(segs)-1]
		if _, exists := dir.Files[name]; exists {
			return nil, fmt.Errorf("duplicate pack path %q", p)
		}
		dir.Files[name] = &rawEntry{
			Offset: strconv.FormatInt(offset, 10),
			Size:   int64(len(data)),
		}
		payload.Write(data)
		offset += int64(len(data))
	}

	meta, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	// Pad the JSON with trailing spaces to a 4-byte boundary so the payload
	// base lands exactly at headerStringSize + 12.
	for len(meta)%4 != 0 {
		meta = append(meta, ' ')
	}

	jsonSize := uint32(len(meta))
	headerStringSize := jsonSize + 4
	headerSize := jsonSize + 8

	var out bytes.Buffer
	var pre [preambleSize]byte
	binary.LittleEndian.PutUint32(pre[0:4], 4)
	binary.LittleEndian.PutUint32(pre[4:8], headerSize)
	binary.LittleEndian.PutUint32(pre[8:12], headerStringSize)
	binary.LittleEndian.PutUint32(pre[12:16], jsonSize)
	out.Write(pre[:])
	out.Write(meta)
	out.Write(payload.Bytes())
	return out.Bytes(), nil
}

// ExtractZipMember copies one named member out of a zip file to destPath.
// The CI build artifact arrives as a zip wrapping the bundle.
func ExtractZipMember(zipPath, member, destPath string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return FormatError{Reason: "not a zip artifact: " + err.Error()}
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		if f.Name != member {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open zip member %s: %w", member, err)
		}
		defer func() { _ = rc.Close() }()

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("create parent of %s: %w", destPath, err)
		}
		dst, err := os.Create(destPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", destPath, err)
		}
		_, copyErr := io.Copy(dst, rc)
		closeErr := dst.Close()
		if copyErr != nil {
			return fmt.Errorf("write %s: %w", destPath, copyErr)
		}
		if closeErr != nil {
			return fmt.Errorf("close %s: %w", destPath, closeErr)
		}
		return nil
	}
	return FormatError{Reason: fmt.Sprintf("zip artifact has no member %q", member)}
}
