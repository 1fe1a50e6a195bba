// Package initramfs serializes a root filesystem tree into a compressed
// cpio "newc" archive and reads such archives back.
package initramfs

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cavaliergopher/cpio"
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mincraft/mincraft/internal/codec"
	"github.com/mincraft/mincraft/internal/fsutil"
	"github.com/mincraft/mincraft/internal/fstree"
	"github.com/mincraft/mincraft/internal/types"
)

const (
	dirLinks  = 2
	fileLinks = 1
)

// Options controls packing.
type Options struct {
	Compression codec.Format
	// SkipUnsupported drops device nodes, FIFOs and sockets instead of
	// failing, recording each in Result.Skipped.
	SkipUnsupported bool
}

// Result describes a packed archive.
type Result struct {
	Entries int
	Skipped []string
}

// Scan returns the tree of the directory root.
func Scan(root string) (*fstree.Tree, error) {
	return fstree.Scan(root)
}

// Pack writes tree to w as a compressed newc archive. Entries are written
// in canonical path order with owner, group and mtime zeroed and inodes
// numbered by position, so an unchanged tree always packs to the same
// bytes.
func Pack(tree *fstree.Tree, w io.Writer, opts Options) (*Result, error) {
	entries := tree.Entries()
	res := &Result{}

	// Reject before writing anything.
	kept := entries[:0:0]
	for _, e := range entries {
		if e.Kind != fstree.Other {
			kept = append(kept, e)
			continue
		}
		if !opts.SkipUnsupported {
			return nil, errors.Mark(
				errors.Newf("unsupported entry %s (%s)", e.Path, typeName(e.Type)), types.ErrSerialization)
		}
		log.WithFields(log.Fields{"path": e.Path, "type": typeName(e.Type)}).Warn("skipping unsupported entry")
		res.Skipped = append(res.Skipped, e.Path+": unsupported "+typeName(e.Type))
	}

	cw, err := codec.NewWriter(w, opts.Compression)
	if err != nil {
		return nil, errors.Mark(err, types.ErrSerialization)
	}
	aw := cpio.NewWriter(cw)

	for i, e := range kept {
		if err := writeEntry(aw, e, int64(i+1)); err != nil {
			return nil, err
		}
	}

	if err := aw.Close(); err != nil {
		return nil, types.IOError(err, "close cpio")
	}
	if err := cw.Close(); err != nil {
		return nil, types.IOError(err, "close %v stream", opts.Compression)
	}
	res.Entries = len(kept)
	return res, nil
}

func writeEntry(aw *cpio.Writer, e *fstree.Entry, inode int64) error {
	hdr := &cpio.Header{
		Name:    e.Path,
		Inode:   inode,
		Links:   fileLinks,
		ModTime: time.Unix(0, 0),
		Mode:    cpioPerm(e.Mode),
	}

	switch e.Kind {
	case fstree.Dir:
		hdr.Mode |= cpio.TypeDir
		hdr.Links = dirLinks
		return writeHeader(aw, hdr)

	case fstree.Symlink:
		// The newc body of a link is its target.
		hdr.Mode = cpio.TypeSymlink | cpio.ModePerm
		hdr.Size = int64(len(e.Target))
		if err := writeHeader(aw, hdr); err != nil {
			return err
		}
		if _, err := io.WriteString(aw, e.Target); err != nil {
			return types.IOError(err, "write link %s", e.Path)
		}
		return nil

	case fstree.File:
		hdr.Mode |= cpio.TypeReg
		hdr.Size = e.Size
		if err := writeHeader(aw, hdr); err != nil {
			return err
		}
		rc, err := e.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		n, err := io.Copy(aw, rc)
		if err != nil {
			return types.IOError(err, "write %s", e.Path)
		}
		if n != e.Size {
			return errors.Mark(errors.Newf("%s changed size while packing", e.Path), types.ErrSerialization)
		}
		return nil

	default:
		return errors.Mark(errors.Newf("unsupported entry %s", e.Path), types.ErrSerialization)
	}
}

func typeName(mode os.FileMode) string {
	switch {
	case mode&os.ModeCharDevice != 0:
		return "character device"
	case mode&os.ModeDevice != 0:
		return "block device"
	case mode&os.ModeNamedPipe != 0:
		return "fifo"
	case mode&os.ModeSocket != 0:
		return "socket"
	default:
		return "irregular file"
	}
}

func writeHeader(aw *cpio.Writer, hdr *cpio.Header) error {
	if err := aw.WriteHeader(hdr); err != nil {
		return errors.Mark(errors.Wrapf(err, "write header for %s", hdr.Name), types.ErrSerialization)
	}
	return nil
}

func cpioPerm(mode os.FileMode) cpio.FileMode {
	m := cpio.FileMode(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		m |= cpio.ModeSetuid
	}
	if mode&os.ModeSetgid != 0 {
		m |= cpio.ModeSetgid
	}
	if mode&os.ModeSticky != 0 {
		m |= cpio.ModeSticky
	}
	return m
}

// Unpack reads a (compressed) newc archive back into an in-memory tree.
// The compression is detected from the leading bytes.
func Unpack(r io.Reader) (*fstree.Tree, error) {
	dr, _, err := codec.NewReader(r)
	if err != nil {
		return nil, errors.Mark(err, types.ErrSerialization)
	}
	defer dr.Close()

	tree := fstree.New()
	ar := cpio.NewReader(dr)
	for {
		hdr, err := ar.Next()
		if err == io.EOF {
			return tree, nil
		}
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "read cpio header"), types.ErrSerialization)
		}

		path := fsutil.CleanRel(hdr.Name)
		if path == "" {
			continue
		}
		mode := hdr.FileInfo().Mode()

		switch {
		case mode.IsDir():
			tree.Add(fstree.NewDir(path, mode))
		case mode&os.ModeSymlink != 0:
			tree.Add(fstree.NewSymlink(path, hdr.Linkname))
		case mode.IsRegular():
			data, err := io.ReadAll(ar)
			if err != nil {
				return nil, errors.Mark(errors.Wrapf(err, "read %s", path), types.ErrSerialization)
			}
			tree.Add(fstree.NewFile(path, mode, data))
		default:
			tree.Add(&fstree.Entry{Path: path, Kind: fstree.Other, Type: mode})
		}
	}
}

// PackDir packs the directory root into the file at path. The archive is
// written to a temporary file and renamed into place on success, so a
// failed run never leaves a partial archive behind.
func PackDir(root, path string, opts Options) (*Result, error) {
	tree, err := Scan(root)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, types.IOError(err, "create %s", filepath.Dir(path))
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, types.IOError(err, "create temp for %s", path)
	}
	defer os.Remove(tmp.Name())

	res, err := Pack(tree, tmp, opts)
	if err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, types.IOError(err, "close %s", tmp.Name())
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return nil, types.IOError(err, "chmod %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, types.IOError(err, "rename into %s", path)
	}

	log.WithFields(log.Fields{"path": path, "entries": res.Entries, "compression": opts.Compression}).
		Info("packed initramfs")
	return res, nil
}
