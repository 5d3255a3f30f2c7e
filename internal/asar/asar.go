// Package asar reads and writes the asar bundle container: a little-endian
// pickle preamble, a JSON metadata tree describing every file and directory,
// and the concatenated file payloads at a fixed base offset.
//
// Layout:
//
//	bytes  0..3   uint32 4 (pickle word size, doubles as the format check)
//	bytes  4..7   uint32 header pickle payload size
//	bytes  8..11  uint32 header string size
//	bytes 12..15  uint32 JSON length
//	bytes 16..    JSON metadata, then payloads at BaseOffset
//
// BaseOffset is headerStringSize + 12, matching the reference unpacker.
package asar

import (
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

const preambleSize = 16

// EntryKind distinguishes files from directories in the metadata tree.
type EntryKind string

const (
	// KindFile is a file entry with a payload byte range.
	KindFile EntryKind = "file"
	// KindDirectory is a directory entry; it owns no payload bytes.
	KindDirectory EntryKind = "directory"
)

// Entry is one flattened metadata entry. Offset is relative to the header's
// BaseOffset. The Unpacked flag records how the packer produced the archive;
// it has no effect on extraction or comparison.
type Entry struct {
	Path     string
	Kind     EntryKind
	Offset   int64
	Size     int64
	Unpacked bool
}

// Header is the parsed container metadata.
type Header struct {
	BaseOffset int64
	Entries    []Entry
}

// Files returns only the file entries, in path order.
func (h Header) Files() []Entry {
	var files []Entry
	for _, e := range h.Entries {
		if e.Kind == KindFile {
			files = append(files, e)
		}
	}
	return files
}

// FormatError reports a malformed archive: bad preamble, undecodable
// metadata, or an entry whose byte range escapes the archive.
type FormatError struct {
	Reason string
}

// Error implements the error interface.
func (e FormatError) Error() string {
	return "malformed archive: " + e.Reason
}

// rawEntry mirrors the JSON metadata shape. A node is a directory exactly
// when it carries a "files" map.
type rawEntry struct {
	Files    map[string]*rawEntry `json:"files,omitempty"`
	Offset   string               `json:"offset,omitempty"`
	Size     int64                `json:"size,omitempty"`
	Unpacked bool                 `json:"unpacked,omitempty"`
}

// Parse reads and validates the container metadata. Validation order:
// preamble check, JSON decode, then bounds and overlap checks on every
// file entry against totalSize.
func Parse(r io.ReaderAt, totalSize int64) (Header, error) {
	if totalSize < preambleSize {
		return Header{}, FormatError{Reason: fmt.Sprintf("archive too short (%d bytes)", totalSize)}
	}

	var pre [preambleSize]byte
	if _, err := r.ReadAt(pre[:], 0); err != nil {
		return Header{}, fmt.Errorf("read preamble: %w", err)
	}

	wordSize := binary.LittleEndian.Uint32(pre[0:4])
	headerStringSize := int64(binary.LittleEndian.Uint32(pre[8:12]))
	jsonSize := int64(binary.LittleEndian.Uint32(pre[12:16]))

	if wordSize != 4 {
		return Header{}, FormatError{Reason: fmt.Sprintf("bad pickle word size %d", wordSize)}
	}
	if jsonSize <= 0 || preambleSize+jsonSize > totalSize {
		return Header{}, FormatError{Reason: fmt.Sprintf("metadata length %d exceeds archive", jsonSize)}
	}

	baseOffset := headerStringSize + 12
	if baseOffset < preambleSize || baseOffset > totalSize {
		return Header{}, FormatError{Reason: fmt.Sprintf("base offset %d outside archive", baseOffset)}
	}

	meta := make([]byte, jsonSize)
	if _, err := r.ReadAt(meta, preambleSize); err != nil {
		return Header{}, fmt.Errorf("read metadata: %w", err)
	}

	var root rawEntry
	if err := json.Unmarshal(meta, &root); err != nil {
		return Header{}, FormatError{Reason: "undecodable metadata: " + err.Error()}
	}
	if root.Files == nil {
		return Header{}, FormatError{Reason: "metadata root is not a directory"}
	}

	var entries []Entry
	if err := flatten(&root, "", &entries); err != nil {
		return Header{}, err
	}

	hdr := Header{BaseOffset: baseOffset, Entries: entries}
	if err := checkBounds(hdr, totalSize); err != nil {
		return Header{}, err
	}
	return hdr, nil
}

// flatten walks the metadata tree depth-first with sorted child names so
// the entry order is deterministic for a given archive.
func flatten(dir *rawEntry, prefix string, out *[]Entry) error {
	names := make([]string, 0, len(dir.Files))
	for name := range dir.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := checkName(name); err != nil {
			return err
		}
		child := dir.Files[name]
		path := name
		if prefix != "" {
			path = prefix + "/" + name
		}

		if child.Files != nil {
			*out = append(*out, Entry{Path: path, Kind: KindDirectory})
			if err := flatten(child, path, out); err != nil {
				return err
			}
			continue
		}

		offset, err := strconv.ParseInt(child.Offset, 10, 64)
		if err != nil {
			return FormatError{Reason: fmt.Sprintf("entry %q has non-numeric offset %q", path, child.Offset)}
		}
		if offset < 0 || child.Size < 0 {
			return FormatError{Reason: fmt.Sprintf("entry %q has negative range", path)}
		}
		*out = append(*out, Entry{
			Path:     path,
			Kind:     KindFile,
			Offset:   offset,
			Size:     child.Size,
			Unpacked: child.Unpacked,
		})
	}
	return nil
}

// checkName rejects entry names that would escape the extraction root.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\") {
		return FormatError{Reason: fmt.Sprintf("illegal entry name %q", name)}
	}
	return nil
}

// checkBounds verifies every file range lies inside the archive and that no
// two file ranges overlap. The range comparisons are in subtraction form:
// offsets and sizes near the int64 maximum must not wrap past totalSize.
func checkBounds(hdr Header, totalSize int64) error {
	payload := totalSize - hdr.BaseOffset
	files := hdr.Files()
	for _, e := range files {
		if e.Size > payload || e.Offset > payload-e.Size {
			return FormatError{Reason: fmt.Sprintf(
				"entry %q (offset %d, size %d) exceeds archive size %d",
				e.Path, e.Offset, e.Size, totalSize)}
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Offset < files[j].Offset })
	for i := 1; i < len(files); i++ {
		prev, cur := files[i-1], files[i]
		if prev.Offset+prev.Size > cur.Offset && prev.Size > 0 && cur.Size > 0 {
			return FormatError{Reason: fmt.Sprintf("entries %q and %q overlap", prev.Path, cur.Path)}
		}
	}
	return nil
}

// ParseFile opens path and parses its container metadata.
func ParseFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return Header{}, fmt.Errorf("stat archive: %w", err)
	}
	return Parse(f, info.Size())
}

// destPath joins an entry path onto root, guarding against traversal.
func destPath(root, rel string) (string, error) {
	dest := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(dest, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", FormatError{Reason: fmt.Sprintf("entry %q escapes extraction root", rel)}
	}
	return dest, nil
}
