package archive

import (
	"archive/tar"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mincraft/mincraft/internal/codec"
	"github.com/mincraft/mincraft/internal/fsutil"
	"github.com/mincraft/mincraft/internal/types"
)

// modeBits are the permission bits carried over from archive members.
const modeBits = os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky

// ExtractTarball extracts a tarball into dest. The compression is detected
// from the leading bytes.
func ExtractTarball(archivePath, dest string) error {
	r, format, err := codec.Open(archivePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.Mark(err, types.ErrMissingInput)
		}
		return errors.Mark(err, types.ErrCorruptArchive)
	}
	defer r.Close()

	log.WithFields(log.Fields{"archive": archivePath, "compression": format}).Debug("extracting tarball")
	return ExtractTar(r, dest, archivePath)
}

// ExtractTar extracts an uncompressed tar stream into dest. name identifies
// the stream in errors.
//
// Member paths are resolved inside dest with symlinks evaluated there, so no
// member can write outside it. Symlink targets are stored verbatim. Device
// nodes, FIFOs and sockets are skipped.
func ExtractTar(r io.Reader, dest, name string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return types.IOError(err, "create %s", dest)
	}

	x := &extractor{dest: dest, name: name, dirs: map[string]*tar.Header{}}
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "read tar %s", name), types.ErrCorruptArchive)
		}
		if err := x.extract(h, tr); err != nil {
			return err
		}
	}
	return x.finishDirs()
}

type extractor struct {
	dest string
	name string
	// dirs get their mode and mtime once all members are written, so
	// read-only directories can still be populated.
	dirs map[string]*tar.Header
}

// target resolves rel inside dest without following its last component.
func (x *extractor) target(rel string) (string, error) {
	parent, err := fsutil.Join(x.dest, path.Dir(rel))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, path.Base(rel)), nil
}

//nolint:gocognit,cyclop
func (x *extractor) extract(h *tar.Header, r io.Reader) error {
	rel := fsutil.CleanRel(h.Name)
	if rel == "" {
		return nil
	}

	target, err := x.target(rel)
	if err != nil {
		return errors.Mark(err, types.ErrIO)
	}
	logger := log.WithFields(log.Fields{"archive": x.name, "member": rel})

	switch h.Typeflag {
	case tar.TypeDir:
		if err := replaceNonDir(target); err != nil {
			return types.IOError(err, "extract %s from %s", rel, x.name)
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return types.IOError(err, "extract %s from %s", rel, x.name)
		}
		x.dirs[target] = h

	case tar.TypeReg:
		if err := x.mkparent(target); err != nil {
			return types.IOError(err, "extract %s from %s", rel, x.name)
		}
		if err := clearPath(target); err != nil {
			return types.IOError(err, "extract %s from %s", rel, x.name)
		}
		if err := writeMember(target, r); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return errors.Mark(errors.Wrapf(err, "extract %s from %s", rel, x.name), types.ErrCorruptArchive)
			}
			return types.IOError(err, "extract %s from %s", rel, x.name)
		}
		if err := os.Chmod(target, h.FileInfo().Mode()&modeBits); err != nil {
			return types.IOError(err, "chmod %s", rel)
		}
		if err := fsutil.SetModTime(target, h.ModTime); err != nil {
			return types.IOError(err, "extract %s from %s", rel, x.name)
		}

	case tar.TypeSymlink:
		if err := x.mkparent(target); err != nil {
			return types.IOError(err, "extract %s from %s", rel, x.name)
		}
		if err := clearPath(target); err != nil {
			return types.IOError(err, "extract %s from %s", rel, x.name)
		}
		if err := os.Symlink(h.Linkname, target); err != nil {
			return types.IOError(err, "symlink %s -> %s", rel, h.Linkname)
		}
		if err := fsutil.SetModTime(target, h.ModTime); err != nil {
			return types.IOError(err, "extract %s from %s", rel, x.name)
		}

	case tar.TypeLink:
		source, err := fsutil.Join(x.dest, fsutil.CleanRel(h.Linkname))
		if err != nil {
			return errors.Mark(err, types.ErrIO)
		}
		if err := x.mkparent(target); err != nil {
			return types.IOError(err, "extract %s from %s", rel, x.name)
		}
		if err := clearPath(target); err != nil {
			return types.IOError(err, "extract %s from %s", rel, x.name)
		}
		if err := os.Link(source, target); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return errors.Mark(errors.Wrapf(err, "hard link %s -> %s in %s", rel, h.Linkname, x.name),
					types.ErrCorruptArchive)
			}
			return types.IOError(err, "hard link %s -> %s", rel, h.Linkname)
		}

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		logger.Debug("skipping special file")

	default:
		logger.WithField("type", string(h.Typeflag)).Debug("skipping unsupported member")
	}
	return nil
}

func (x *extractor) mkparent(target string) error {
	return os.MkdirAll(filepath.Dir(target), 0o755)
}

// finishDirs applies directory modes and mtimes, deepest first, so that
// setting a child's mtime does not disturb its parent afterwards.
func (x *extractor) finishDirs() error {
	paths := make([]string, 0, len(x.dirs))
	for p := range x.dirs {
		paths = append(paths, p)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	for _, p := range paths {
		h := x.dirs[p]
		if err := os.Chmod(p, h.FileInfo().Mode()&modeBits); err != nil {
			return types.IOError(err, "chmod %s", p)
		}
		if err := fsutil.SetModTime(p, h.ModTime); err != nil {
			return types.IOError(err, "set mtime on %s", p)
		}
	}
	return nil
}

func writeMember(target string, r io.Reader) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(target)
		return err
	}
	return f.Close()
}

// clearPath removes whatever sits at target so a new member can be
// created there. Directories are removed with their content.
func clearPath(target string) error {
	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fsutil.RemoveAll(target)
	}
	return os.Remove(target)
}

// replaceNonDir removes target unless it is a real directory.
func replaceNonDir(target string) error {
	info, err := os.Lstat(target)
	if os.IsNotExist(err) || (err == nil && info.IsDir()) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.Remove(target)
}
