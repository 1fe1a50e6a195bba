package types

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// BootMechanism selects how the ESP boots the kernel.
type BootMechanism int

const (
	BootGRUB     BootMechanism = iota // signed GRUB + grub.cfg
	BootUEFIStub                      // systemd-stub patched with embedded sections
)

func (m BootMechanism) String() string {
	switch m {
	case BootGRUB:
		return "grub"
	case BootUEFIStub:
		return "uefi-stub"
	default:
		return "unknown"
	}
}

// ParseBootMechanism accepts the configuration spellings of a boot mechanism.
func ParseBootMechanism(s string) (BootMechanism, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "grub":
		return BootGRUB, nil
	case "uefistub", "uefi-stub", "systemd-stub", "stub":
		return BootUEFIStub, nil
	default:
		return 0, errors.Mark(errors.Newf("unsupported boot mechanism %q (expected grub or uefi-stub)", s), ErrConfig)
	}
}

// Arch is the target machine architecture.
type Arch int

const (
	ArchARM64 Arch = iota
	ArchAMD64
)

// ParseArch accepts both Debian and kernel spellings.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "arm64", "aarch64":
		return ArchARM64, nil
	case "amd64", "x86_64", "x86-64":
		return ArchAMD64, nil
	default:
		return 0, errors.Mark(errors.Newf("unsupported architecture %q", s), ErrConfig)
	}
}

func (a Arch) String() string {
	switch a {
	case ArchARM64:
		return "arm64"
	case ArchAMD64:
		return "amd64"
	default:
		return "unknown"
	}
}

// EFISuffix is the architecture suffix used in firmware file names
// (BOOTAA64.EFI, linuxx64.efi.stub, ...).
func (a Arch) EFISuffix() string {
	switch a {
	case ArchARM64:
		return "aa64"
	case ArchAMD64:
		return "x64"
	default:
		return ""
	}
}

// GRUBPlatform is the directory component of the signed GRUB package.
func (a Arch) GRUBPlatform() string {
	switch a {
	case ArchARM64:
		return "arm64-efi-signed"
	case ArchAMD64:
		return "x86_64-efi-signed"
	default:
		return ""
	}
}

// PackageSpec describes one downloadable input: the base image or a package.
type PackageSpec struct {
	// Name identifies the package in logs, errors and the cache.
	Name string
	// URL is an http(s) URL, a local path, or an oci:// image reference.
	URL string
	// Checksum is the optional expected digest ("sha256:<hex>").
	Checksum string
	// CachedPath is filled in once the input has been fetched.
	CachedPath string
}
