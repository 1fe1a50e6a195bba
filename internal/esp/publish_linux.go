//go:build linux

package esp

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/mincraft/mincraft/internal/fsutil"
)

// publish exchanges staging and dir in a single renameat2 call when dir
// exists, then removes the previous tree now sitting at staging.
func publish(staging, dir string) error {
	if _, err := os.Lstat(dir); os.IsNotExist(err) {
		return errors.Wrap(os.Rename(staging, dir), "move staging into place")
	}
	err := unix.Renameat2(unix.AT_FDCWD, staging, unix.AT_FDCWD, dir, unix.RENAME_EXCHANGE)
	if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) {
		return replaceDir(staging, dir)
	}
	if err != nil {
		return errors.Wrap(err, "exchange staging and published tree")
	}
	return fsutil.RemoveAll(staging)
}
