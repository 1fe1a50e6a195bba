// Package layer composes the base image, packages and overlays into one
// root filesystem tree.
package layer

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mincraft/mincraft/internal/fsutil"
	"github.com/mincraft/mincraft/internal/fstree"
	"github.com/mincraft/mincraft/internal/types"
)

// Layer is a prepared directory applied onto the destination tree.
type Layer struct {
	Name string
	Dir  string
}

// Compositor applies layers in order. Later layers win per path; a type
// conflict between a directory and anything else replaces the whole
// subtree.
type Compositor struct {
	// FollowDirSymlinks merges an incoming directory through an existing
	// destination symlink that resolves to a directory inside the tree,
	// instead of replacing the link. Usr-merged base images need this.
	FollowDirSymlinks bool
}

// Compose applies layers onto dest in declared order.
func (c *Compositor) Compose(ctx context.Context, layers []Layer, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return types.IOError(err, "create %s", dest)
	}
	for i, l := range layers {
		log.WithFields(log.Fields{"layer": l.Name, "index": i}).Info("applying layer")
		if err := c.apply(ctx, l, dest); err != nil {
			return errors.Wrapf(err, "layer %s", l.Name)
		}
	}
	return nil
}

func (c *Compositor) apply(ctx context.Context, l Layer, dest string) error {
	// Directory modes are applied after the layer so read-only source
	// directories can still receive their content.
	dirModes := map[string]os.FileMode{}

	err := filepath.WalkDir(l.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return types.IOError(err, "walk %s", p)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == l.Dir {
			return nil
		}
		rel, err := filepath.Rel(l.Dir, p)
		if err != nil {
			return types.IOError(err, "walk %s", p)
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return types.IOError(err, "stat %s", p)
		}

		switch {
		case info.IsDir():
			target, err := c.applyDir(dest, rel)
			if err != nil {
				return types.IOError(err, "apply %s", rel)
			}
			dirModes[target] = info.Mode() & fstree.ModeMask
		case info.Mode().IsRegular():
			if err := applyFile(dest, rel, p, info); err != nil {
				return types.IOError(err, "apply %s", rel)
			}
		case info.Mode()&os.ModeSymlink != 0:
			if err := applySymlink(dest, rel, p, info); err != nil {
				return types.IOError(err, "apply %s", rel)
			}
		default:
			log.WithFields(log.Fields{"layer": l.Name, "path": rel, "mode": info.Mode()}).
				Debug("skipping special file")
		}
		return nil
	})
	if err != nil {
		return err
	}

	targets := make([]string, 0, len(dirModes))
	for t := range dirModes {
		targets = append(targets, t)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(targets)))
	for _, t := range targets {
		if err := os.Chmod(t, dirModes[t]); err != nil {
			return types.IOError(err, "chmod %s", t)
		}
	}
	return nil
}

// target resolves rel under dest, following symlinks in the parent
// components only.
func target(dest, rel string) (string, error) {
	parent, err := fsutil.Join(dest, path.Dir(rel))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, path.Base(rel)), nil
}

func (c *Compositor) applyDir(dest, rel string) (string, error) {
	t, err := target(dest, rel)
	if err != nil {
		return "", err
	}

	info, err := os.Lstat(t)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return "", err
	case info.IsDir():
		return t, nil
	case info.Mode()&os.ModeSymlink != 0 && c.FollowDirSymlinks:
		resolved, err := fsutil.Join(dest, rel)
		if err != nil {
			return "", err
		}
		if st, err := os.Lstat(resolved); err == nil && st.IsDir() {
			return resolved, nil
		}
		if err := os.Remove(t); err != nil {
			return "", err
		}
	default:
		if err := os.Remove(t); err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(t, 0o755); err != nil {
		return "", err
	}
	return t, nil
}

func applyFile(dest, rel, src string, info fs.FileInfo) error {
	t, err := target(dest, rel)
	if err != nil {
		return err
	}
	if err := clearPath(t); err != nil {
		return err
	}
	if err := fsutil.CopyFile(src, t, info.Mode()&fstree.ModeMask); err != nil {
		return err
	}
	return fsutil.SetModTime(t, info.ModTime())
}

func applySymlink(dest, rel, src string, info fs.FileInfo) error {
	link, err := os.Readlink(src)
	if err != nil {
		return err
	}
	t, err := target(dest, rel)
	if err != nil {
		return err
	}
	if err := clearPath(t); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t), 0o755); err != nil {
		return err
	}
	if err := os.Symlink(link, t); err != nil {
		return err
	}
	return fsutil.SetModTime(t, info.ModTime())
}

// clearPath removes whatever occupies t, including a whole directory subtree.
func clearPath(t string) error {
	info, err := os.Lstat(t)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fsutil.RemoveAll(t)
	}
	return os.Remove(t)
}

// Index returns the tree of a composed directory.
func Index(dir string) (*fstree.Tree, error) {
	return fstree.Scan(dir)
}

// Digest returns the content digest of dir, used as the identity of
// overlay layers in cache stamps.
func Digest(dir string) (string, error) {
	tree, err := Index(dir)
	if err != nil {
		return "", err
	}
	return tree.Digest()
}
