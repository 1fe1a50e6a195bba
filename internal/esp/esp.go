// Package esp lays out the EFI system partition: a staged directory with
// the fixed firmware paths, published in one step, and packed into a GPT
// disk image with a FAT32 partition.
package esp

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mincraft/mincraft/internal/fsutil"
	"github.com/mincraft/mincraft/internal/types"
)

// BootDir holds the removable-media boot loader the firmware starts.
const BootDir = "efi/boot"

// BootLoaderPath returns the ESP-relative path of the default boot
// application for arch, e.g. efi/boot/bootaa64.efi.
func BootLoaderPath(arch types.Arch) string {
	return BootDir + "/boot" + arch.EFISuffix() + ".efi"
}

// Layout is an ESP directory under construction. Artifacts are written to
// a staging directory next to Dir; Dir itself only changes on Publish.
type Layout struct {
	Dir  string
	Arch types.Arch

	staging string
}

// New starts a fresh staging directory for dir. A staging directory left
// over from an interrupted run is removed.
func New(dir string, arch types.Arch) (*Layout, error) {
	l := &Layout{Dir: dir, Arch: arch, staging: dir + ".staging"}
	if err := fsutil.RemoveAll(l.staging); err != nil {
		return nil, types.IOError(err, "remove stale staging")
	}
	if err := os.MkdirAll(l.staging, 0o755); err != nil {
		return nil, types.IOError(err, "create %s", l.staging)
	}
	return l, nil
}

// Staging returns the directory artifacts are written to before Publish.
func (l *Layout) Staging() string {
	return l.staging
}

// Path resolves an ESP-relative path inside the staging directory.
func (l *Layout) Path(rel string) (string, error) {
	p, err := fsutil.Join(l.staging, rel)
	if err != nil {
		return "", types.IOError(err, "resolve %s", rel)
	}
	return p, nil
}

// WriteFile stores data at the ESP-relative path rel.
func (l *Layout) WriteFile(rel string, data []byte) error {
	dst, err := l.Path(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return types.IOError(err, "create directory for %s", rel)
	}
	if err := fsutil.WriteFile(dst, bytes.NewReader(data), 0o644); err != nil {
		return types.IOError(err, "write %s", rel)
	}
	log.WithFields(log.Fields{"path": rel, "size": len(data)}).Debug("esp: wrote file")
	return nil
}

// CopyFile copies the host file src to the ESP-relative path rel. A missing
// src is reported as ErrMissingInput.
func (l *Layout) CopyFile(rel, src string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return errors.Mark(errors.Wrapf(err, "copy %s", rel), types.ErrMissingInput)
		}
		return types.IOError(err, "stat %s", src)
	}
	dst, err := l.Path(rel)
	if err != nil {
		return err
	}
	if err := fsutil.CopyFile(src, dst, 0o644); err != nil {
		return types.IOError(err, "copy %s", rel)
	}
	log.WithFields(log.Fields{"path": rel, "source": src}).Debug("esp: copied file")
	return nil
}

// Publish replaces Dir with the staged tree. Readers of Dir see either the
// previous tree or the new one, never a mix.
func (l *Layout) Publish() error {
	if err := os.MkdirAll(filepath.Dir(l.Dir), 0o755); err != nil {
		return types.IOError(err, "create parent of %s", l.Dir)
	}
	if err := publish(l.staging, l.Dir); err != nil {
		return types.IOError(err, "publish %s", l.Dir)
	}
	log.WithField("path", l.Dir).Info("esp: published")
	return nil
}

// Discard drops the staging directory, leaving Dir untouched.
func (l *Layout) Discard() error {
	return types.IOError(fsutil.RemoveAll(l.staging), "discard staging")
}

// replaceDir swaps dir for staging with two renames. It is used where an
// atomic exchange is not available.
func replaceDir(staging, dir string) error {
	old := dir + ".old"
	if err := fsutil.RemoveAll(old); err != nil {
		return err
	}
	if err := os.Rename(dir, old); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "move previous tree aside")
	}
	if err := os.Rename(staging, dir); err != nil {
		return errors.Wrap(err, "move staging into place")
	}
	return fsutil.RemoveAll(old)
}
