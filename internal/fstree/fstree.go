// Package fstree models a root filesystem as an ordered set of entries.
package fstree

import (
	"bytes"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/zeebo/blake3"

	"github.com/mincraft/mincraft/internal/types"
)

// Kind is the type of a tree entry.
type Kind int

const (
	File Kind = iota
	Dir
	Symlink
	// Other covers device nodes, FIFOs and sockets.
	Other
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Dir:
		return "dir"
	case Symlink:
		return "symlink"
	default:
		return "other"
	}
}

// ModeMask selects the permission and special bits kept in Entry.Mode.
const ModeMask = os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky

// Entry is one path of a tree. File content lives either on disk (for
// scanned trees) or in memory (for unpacked archives).
type Entry struct {
	// Path is slash separated and relative, without "." or ".." parts.
	Path   string
	Kind   Kind
	Mode   os.FileMode
	Target string
	Size   int64
	// Type holds the full file mode for Other entries.
	Type os.FileMode

	source string
	data   []byte
}

// NewFile returns an in-memory regular file entry.
func NewFile(path string, mode os.FileMode, data []byte) *Entry {
	return &Entry{Path: path, Kind: File, Mode: mode & ModeMask, Size: int64(len(data)), data: data}
}

// NewDir returns a directory entry.
func NewDir(path string, mode os.FileMode) *Entry {
	return &Entry{Path: path, Kind: Dir, Mode: mode & ModeMask}
}

// NewSymlink returns a symbolic link entry.
func NewSymlink(path, target string) *Entry {
	return &Entry{Path: path, Kind: Symlink, Mode: 0o777, Target: target, Size: int64(len(target))}
}

// Open returns the content of a regular file entry.
func (e *Entry) Open() (io.ReadCloser, error) {
	if e.Kind != File {
		return nil, errors.Newf("%s is a %v, not a file", e.Path, e.Kind)
	}
	if e.source == "" {
		return io.NopCloser(bytes.NewReader(e.data)), nil
	}
	f, err := os.Open(e.source)
	if err != nil {
		return nil, types.IOError(err, "open %s", e.Path)
	}
	return f, nil
}

// Tree is a deduplicated set of entries.
type Tree struct {
	entries map[string]*Entry
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{entries: map[string]*Entry{}}
}

// Add inserts e, replacing any entry at the same path.
func (t *Tree) Add(e *Entry) {
	t.entries[e.Path] = e
}

// Get returns the entry at path.
func (t *Tree) Get(path string) (*Entry, bool) {
	e, ok := t.entries[path]
	return e, ok
}

// Len returns the number of entries.
func (t *Tree) Len() int {
	return len(t.entries)
}

// Entries returns all entries in canonical order: paths compared component
// by component, so every directory precedes its content.
func (t *Tree) Entries() []*Entry {
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return Less(out[i].Path, out[j].Path)
	})
	return out
}

// Less orders two relative paths component by component.
func Less(a, b string) bool {
	as, bs := strings.Split(a, "/"), strings.Split(b, "/")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] != bs[i] {
			return as[i] < bs[i]
		}
	}
	return len(as) < len(bs)
}

// Scan builds the tree of the directory root. The root itself is not part
// of the tree. Symlinks are recorded, never followed.
func Scan(root string) (*Tree, error) {
	t := New()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return types.IOError(err, "scan %s", p)
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return types.IOError(err, "scan %s", p)
		}
		info, err := d.Info()
		if err != nil {
			return types.IOError(err, "stat %s", p)
		}

		e := &Entry{Path: filepath.ToSlash(rel), Mode: info.Mode() & ModeMask}
		switch {
		case info.Mode().IsRegular():
			e.Kind = File
			e.Size = info.Size()
			e.source = p
		case info.IsDir():
			e.Kind = Dir
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return types.IOError(err, "readlink %s", p)
			}
			e.Kind = Symlink
			e.Target = target
			e.Size = int64(len(target))
		default:
			e.Kind = Other
			e.Type = info.Mode()
		}
		t.Add(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Digest returns the hex blake3 digest of the tree's paths, kinds, modes,
// link targets and file contents.
func (t *Tree) Digest() (string, error) {
	h := blake3.New()
	for _, e := range t.Entries() {
		header := strings.Join([]string{
			e.Kind.String(), e.Path, strconv.FormatUint(uint64(e.Mode), 8), e.Target,
			strconv.FormatInt(e.Size, 10),
		}, "\x00")
		h.Write([]byte(header))
		h.Write([]byte{0})

		if e.Kind != File {
			continue
		}
		rc, err := e.Open()
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, rc)
		rc.Close()
		if err != nil {
			return "", types.IOError(err, "hash %s", e.Path)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
