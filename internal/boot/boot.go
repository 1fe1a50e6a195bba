// Package boot turns a composed root filesystem and its initramfs into the
// files of an EFI system partition, using one of the supported boot
// mechanisms.
package boot

import (
	"os"

	"github.com/cockroachdb/errors"

	"github.com/mincraft/mincraft/internal/codec"
	"github.com/mincraft/mincraft/internal/esp"
	"github.com/mincraft/mincraft/internal/fsutil"
	"github.com/mincraft/mincraft/internal/types"
)

// Inputs are the artifacts a strategy places on the ESP.
type Inputs struct {
	// RootFS is the composed root filesystem directory.
	RootFS string
	// Kernel is the kernel image path relative to RootFS.
	Kernel string
	// Initramfs is the host path of the compressed initramfs archive.
	Initramfs string
	// Compression is the compression of Initramfs.
	Compression codec.Format
	// Cmdline is the kernel command line.
	Cmdline string
	// DTB is the device tree blob to embed, or nil.
	DTB []byte
}

// Strategy writes the boot files for one boot mechanism into an ESP
// layout. Build is idempotent: running it twice on fresh layouts yields
// identical trees.
type Strategy interface {
	Mechanism() types.BootMechanism
	// RequiredPackages names the packages that normally provide the boot
	// loader or stub for arch.
	RequiredPackages(arch types.Arch) []string
	Build(in Inputs, layout *esp.Layout) error
}

// New returns the strategy for mechanism.
func New(mechanism types.BootMechanism) (Strategy, error) {
	switch mechanism {
	case types.BootGRUB:
		return GRUB{}, nil
	case types.BootUEFIStub:
		return UEFIStub{}, nil
	default:
		return nil, errors.Mark(errors.Newf("unsupported boot mechanism %v", mechanism), types.ErrConfig)
	}
}

// rootfsFile resolves rel inside the root filesystem and checks that it is
// a regular file. what names the input in the error.
func rootfsFile(rootfs, rel, what string) (string, error) {
	p, err := fsutil.Join(rootfs, rel)
	if err != nil {
		return "", types.IOError(err, "resolve %s", what)
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Mark(errors.Newf("%s not found at %s", what, rel), types.ErrMissingInput)
		}
		return "", types.IOError(err, "stat %s", what)
	}
	if !info.Mode().IsRegular() {
		return "", errors.Mark(errors.Newf("%s at %s is not a regular file", what, rel), types.ErrMissingInput)
	}
	return p, nil
}

// firstRootfsFile returns the first of candidates present in the root
// filesystem.
func firstRootfsFile(rootfs string, candidates []string, what string) (string, error) {
	var firstErr error
	for _, rel := range candidates {
		p, err := rootfsFile(rootfs, rel, what)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, types.ErrMissingInput) {
			return "", err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return "", firstErr
}
