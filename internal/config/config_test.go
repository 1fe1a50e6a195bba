package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mincraft/mincraft/internal/codec"
	"github.com/mincraft/mincraft/internal/types"
)

const sample = `
arch: arm64
base: https://cdimage.ubuntu.com/ubuntu-base/releases/24.04/release/ubuntu-base-24.04-base-arm64.tar.gz
debs:
  - https://ports.ubuntu.com/pool/main/s/systemd/systemd_255.4-1ubuntu8_arm64.deb
  - url: debs/busybox-static_1.36.1_arm64.deb
    sha256: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
  - name: kernel
    url: oci://ghcr.io/minos/kernel:6.8
overlays: [overlay]
layers:
  follow_dir_symlinks: true
initramfs:
  compression: zstd
boot:
  mechanism: uefi-stub
  kernel: boot/vmlinuz
  cmdline: console=ttyAMA0
  dump_dtb: true
esp:
  image_size_mib: 256
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	arch, err := cfg.ArchValue()
	require.NoError(t, err)
	assert.Equal(t, types.ArchARM64, arch)

	mech, err := cfg.MechanismValue()
	require.NoError(t, err)
	assert.Equal(t, types.BootUEFIStub, mech)

	comp, err := cfg.CompressionValue()
	require.NoError(t, err)
	assert.Equal(t, codec.Zstd, comp)

	require.Len(t, cfg.Debs, 3)
	assert.Equal(t, "debs/busybox-static_1.36.1_arm64.deb", cfg.Debs[1].URL)
	assert.True(t, cfg.Layers.FollowDirSymlinks)
	assert.True(t, cfg.Boot.DumpDTB)
	assert.Equal(t, int64(256), cfg.ESP.ImageSizeMiB)

	spec, err := cfg.Debs[0].Spec()
	require.NoError(t, err)
	assert.Equal(t, "systemd_255.4-1ubuntu8_arm64", spec.Name)
	assert.Empty(t, spec.Checksum)

	spec, err = cfg.Debs[1].Spec()
	require.NoError(t, err)
	assert.Equal(t, "sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08", spec.Checksum)

	spec, err = cfg.Debs[2].Spec()
	require.NoError(t, err)
	assert.Equal(t, "kernel", spec.Name)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("base: base.tar.gz\n"))
	require.NoError(t, err)

	assert.Equal(t, "arm64", cfg.Arch)
	assert.Equal(t, "grub", cfg.Boot.Mechanism)
	assert.Equal(t, "boot/vmlinuz", cfg.Boot.Kernel)
	assert.Equal(t, int64(512), cfg.ESP.ImageSizeMiB)
	assert.False(t, cfg.Layers.FollowDirSymlinks)

	comp, err := cfg.CompressionValue()
	require.NoError(t, err)
	assert.Equal(t, codec.Gzip, comp)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"unknown key", "base: b.tar\nbogus: 1\n"},
		{"bad arch", "base: b.tar\narch: riscv64\n"},
		{"bad mechanism", "base: b.tar\nboot: {mechanism: lilo}\n"},
		{"bad compression", "base: b.tar\ninitramfs: {compression: brotli}\n"},
		{"bad checksum", "base: {url: b.tar, sha256: nothex}\n"},
		{"deb without url", "base: b.tar\ndebs: [{sha256: abc}]\n"},
		{"bad scheme", "base: ftp://example.com/b.tar\n"},
		{"tiny image", "base: b.tar\nesp: {image_size_mib: 1}\n"},
		{"not yaml", "base: [unterminated\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrConfig), "error %v is not ErrConfig", err)
		})
	}
}

func TestLoadFileResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mincraft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "debs/busybox-static_1.36.1_arm64.deb"), cfg.Debs[1].URL)
	assert.Equal(t, "oci://ghcr.io/minos/kernel:6.8", cfg.Debs[2].URL)
	assert.Equal(t, []string{filepath.Join(dir, "overlay")}, cfg.Overlays)
	assert.Contains(t, cfg.Base.URL, "https://")
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "mincraft.yaml"))
	assert.True(t, errors.Is(err, types.ErrConfig))
}
