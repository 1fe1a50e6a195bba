// Package cache defines the on-disk layout of the build cache and the
// completion stamps that let unchanged stages be skipped.
package cache

import (
	"bytes"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/zeebo/blake3"

	"github.com/mincraft/mincraft/internal/codec"
	"github.com/mincraft/mincraft/internal/fsutil"
	"github.com/mincraft/mincraft/internal/types"
)

// DefaultDir is used when no cache directory is configured.
const DefaultDir = ".cache"

// Layout names the paths inside a cache directory.
type Layout struct {
	Root string
}

// New returns the layout rooted at root.
func New(root string) Layout {
	if root == "" {
		root = DefaultDir
	}
	return Layout{Root: root}
}

// Packages holds fetched packages and base images.
func (l Layout) Packages() string { return filepath.Join(l.Root, "packages") }

// Layers holds one extracted directory per archive layer.
func (l Layout) Layers() string { return filepath.Join(l.Root, "layers") }

// RootFS is the composed root filesystem.
func (l Layout) RootFS() string { return filepath.Join(l.Root, "rootfs") }

// Initramfs is the packed initramfs for the given compression.
func (l Layout) Initramfs(f codec.Format) string {
	return filepath.Join(l.Root, "initrd"+f.Extension())
}

// ESP is the published ESP directory.
func (l Layout) ESP() string { return filepath.Join(l.Root, "esp") }

// Image is the packed ESP disk image.
func (l Layout) Image() string { return filepath.Join(l.Root, "esp.img") }

// DTB is the cached device tree dumped from the emulator.
func (l Layout) DTB() string { return filepath.Join(l.Root, "virt.dtb") }

// State holds the stage stamps.
func (l Layout) State() string { return filepath.Join(l.Root, "state") }

func (l Layout) stamp(stage string) string {
	return filepath.Join(l.State(), stage+".stamp")
}

// Fresh reports whether stage last completed with fingerprint and all of
// its outputs still exist.
func (l Layout) Fresh(stage, fingerprint string, outputs ...string) bool {
	data, err := os.ReadFile(l.stamp(stage))
	if err != nil || string(bytes.TrimSpace(data)) != fingerprint {
		return false
	}
	for _, out := range outputs {
		if _, err := os.Stat(out); err != nil {
			return false
		}
	}
	return true
}

// Complete records that stage finished with fingerprint. Call it only after
// every output of the stage is in place.
func (l Layout) Complete(stage, fingerprint string) error {
	if err := os.MkdirAll(l.State(), 0o755); err != nil {
		return types.IOError(err, "create %s", l.State())
	}
	err := fsutil.WriteFile(l.stamp(stage), bytes.NewReader([]byte(fingerprint+"\n")), 0o644)
	return types.IOError(err, "write stamp for %s", stage)
}

// Invalidate forgets the stamps of stages, forcing them to run again.
func (l Layout) Invalidate(stages ...string) error {
	for _, stage := range stages {
		if err := os.Remove(l.stamp(stage)); err != nil && !os.IsNotExist(err) {
			return types.IOError(err, "remove stamp for %s", stage)
		}
	}
	return nil
}

// Remove deletes paths inside the cache. Missing paths are ignored.
func (l Layout) Remove(paths ...string) error {
	for _, p := range paths {
		if err := fsutil.RemoveAll(p); err != nil {
			return types.IOError(err, "remove %s", p)
		}
	}
	return nil
}

// Fingerprint accumulates stage inputs into a blake3 digest. Every value is
// length-prefixed so that adjacent fields cannot run together.
type Fingerprint struct {
	h   *blake3.Hasher
	err error
}

// NewFingerprint starts a fingerprint for stage.
func NewFingerprint(stage string) *Fingerprint {
	f := &Fingerprint{h: blake3.New()}
	return f.String(stage)
}

// String adds s.
func (f *Fingerprint) String(s string) *Fingerprint {
	io.WriteString(f.h, strconv.Itoa(len(s)))
	io.WriteString(f.h, ":")
	io.WriteString(f.h, s)
	return f
}

// Bool adds b.
func (f *Fingerprint) Bool(b bool) *Fingerprint {
	return f.String(strconv.FormatBool(b))
}

// File adds the content of the file at path.
func (f *Fingerprint) File(path string) *Fingerprint {
	if f.err != nil {
		return f
	}
	file, err := os.Open(path)
	if err != nil {
		f.err = errors.Wrapf(err, "fingerprint %s", path)
		return f
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		f.err = errors.Wrapf(err, "fingerprint %s", path)
		return f
	}
	f.String(strconv.FormatInt(info.Size(), 10))
	if _, err := io.Copy(f.h, file); err != nil {
		f.err = errors.Wrapf(err, "fingerprint %s", path)
	}
	return f
}

// Sum returns the hex digest, or the first error met while adding files.
func (f *Fingerprint) Sum() (string, error) {
	if f.err != nil {
		return "", types.IOError(f.err, "compute fingerprint")
	}
	return hex.EncodeToString(f.h.Sum(nil)), nil
}
