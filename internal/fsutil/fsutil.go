// Package fsutil holds the small filesystem helpers shared by the archive,
// layer and ESP stages.
package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	securejoin "github.com/cyphar/filepath-securejoin"
)

// Join resolves name beneath root. Symlinks already present under root are
// followed but can never leave it, and ".." components are clamped at root.
func Join(root, name string) (string, error) {
	cleaned := CleanRel(name)
	if cleaned == "" {
		return root, nil
	}
	joined, err := securejoin.SecureJoin(root, cleaned)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %s under %s", name, root)
	}
	return joined, nil
}

// CleanRel normalizes an archive member name to a slash-separated relative
// path without a leading "./" or "/". The archive root yields "".
func CleanRel(name string) string {
	name = filepath.ToSlash(filepath.Clean("/" + name))
	return strings.TrimPrefix(name, "/")
}

// CopyFile copies the contents of src to dst, creating dst with mode and
// syncing it before close.
func CopyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", dst)
	}
	return WriteFile(dst, in, mode)
}

// WriteFile writes r to path through a temporary file that is renamed into
// place, so readers never observe a partial file.
func WriteFile(path string, r io.Reader, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "create temp for %s", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", path)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return errors.Wrapf(err, "chmod %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "rename into %s", path)
	}
	return nil
}

// RemoveAll removes path and everything below it. Read-only directories
// left behind by package payloads are made writable first.
func RemoveAll(path string) error {
	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}
	_ = filepath.Walk(path, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr == nil && info.IsDir() {
			_ = os.Chmod(p, 0o755)
		}
		return nil
	})
	return errors.Wrapf(os.RemoveAll(path), "remove %s", path)
}
