//go:build linux || darwin

package fsutil

import (
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// SetModTime sets the access and modification time of path without
// following a trailing symlink.
func SetModTime(path string, mtime time.Time) error {
	tv := unix.NsecToTimeval(mtime.UnixNano())
	if err := unix.Lutimes(path, []unix.Timeval{tv, tv}); err != nil {
		return errors.Wrapf(err, "set times on %s", path)
	}
	return nil
}
