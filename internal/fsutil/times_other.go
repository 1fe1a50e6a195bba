//go:build !linux && !darwin

package fsutil

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
)

// SetModTime sets the modification time of path. Symlinks are left alone
// on platforms without lutimes.
func SetModTime(path string, mtime time.Time) error {
	info, err := os.Lstat(path)
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	return errors.Wrapf(os.Chtimes(path, mtime, mtime), "set times on %s", path)
}
