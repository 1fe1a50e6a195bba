package boot

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/mincraft/mincraft/internal/esp"
	"github.com/mincraft/mincraft/internal/kernel"
	"github.com/mincraft/mincraft/internal/pecoff"
	"github.com/mincraft/mincraft/internal/types"
)

// UEFIStub boots a single PE image: the systemd UEFI stub with the kernel,
// initramfs, command line and os-release appended as sections.
type UEFIStub struct{}

func (UEFIStub) Mechanism() types.BootMechanism { return types.BootUEFIStub }

func (UEFIStub) RequiredPackages(types.Arch) []string {
	return []string{"systemd-boot-efi"}
}

// StubPaths returns the rootfs-relative candidates for the stub, in order.
func (UEFIStub) StubPaths(arch types.Arch) []string {
	name := "linux" + arch.EFISuffix() + ".efi.stub"
	return []string{
		"usr/lib/systemd/boot/efi/" + name,
		"lib/systemd/boot/efi/" + name,
	}
}

//nolint:gochecknoglobals
var osReleasePaths = []string{"etc/os-release", "usr/lib/os-release"}

// Sections returns the sections appended to the stub, in order. The
// command line is NUL-terminated; .dtb is only present when dtb is set.
func (UEFIStub) Sections(osrel []byte, cmdline string, dtb, linux, initrd []byte) []pecoff.NewSection {
	secs := []pecoff.NewSection{
		{Name: ".osrel", Data: osrel},
		{Name: ".cmdline", Data: append([]byte(cmdline), 0)},
	}
	if dtb != nil {
		secs = append(secs, pecoff.NewSection{Name: ".dtb", Data: dtb})
	}
	return append(secs,
		pecoff.NewSection{Name: ".linux", Data: linux},
		pecoff.NewSection{Name: ".initrd", Data: initrd},
	)
}

func (s UEFIStub) Build(in Inputs, layout *esp.Layout) error {
	stubPath, err := firstRootfsFile(in.RootFS, s.StubPaths(layout.Arch), "UEFI stub")
	if err != nil {
		return err
	}
	osrelPath, err := firstRootfsFile(in.RootFS, osReleasePaths, "os-release")
	if err != nil {
		return err
	}
	kernelPath, err := rootfsFile(in.RootFS, in.Kernel, "kernel")
	if err != nil {
		return err
	}

	stub, err := readInput(stubPath, "UEFI stub")
	if err != nil {
		return err
	}
	osrel, err := readInput(osrelPath, "os-release")
	if err != nil {
		return err
	}
	initrd, err := readInput(in.Initramfs, "initramfs")
	if err != nil {
		return err
	}
	linux, err := kernel.DecompressFile(kernelPath)
	if err != nil {
		return err
	}

	out, err := pecoff.Patch(stub, s.Sections(osrel, in.Cmdline, in.DTB, linux, initrd))
	if err != nil {
		return err
	}
	if err := layout.WriteFile(esp.BootLoaderPath(layout.Arch), out); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"stub":   stubPath,
		"kernel": in.Kernel,
		"dtb":    in.DTB != nil,
		"size":   len(out),
	}).Info("uefi-stub: wrote unified kernel image")
	return nil
}

func readInput(path, what string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.MissingInput(err, "read %s", what)
		}
		return nil, types.IOError(err, "read %s %s", what, path)
	}
	return data, nil
}
