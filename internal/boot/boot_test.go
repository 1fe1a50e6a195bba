package boot

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/mincraft/mincraft/internal/codec"
	"github.com/mincraft/mincraft/internal/esp"
	"github.com/mincraft/mincraft/internal/testutil"
	"github.com/mincraft/mincraft/internal/types"
	"github.com/mincraft/mincraft/internal/uki"
)

// arm64Image returns a fake uncompressed arm64 kernel Image.
func arm64Image() []byte {
	img := make([]byte, 4096)
	copy(img[0x38:], "ARM\x64")
	for i := 0x40; i < len(img); i++ {
		img[i] = byte(i)
	}
	return img
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := codec.NewWriter(&buf, codec.Gzip)
	if err != nil {
		t.Fatalf("NewWriter error: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll error: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
}

type fixture struct {
	rootfs    string
	initramfs string
	espDir    string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	tmp := t.TempDir()
	f := fixture{
		rootfs:    filepath.Join(tmp, "rootfs"),
		initramfs: filepath.Join(tmp, "initrd.gz"),
		espDir:    filepath.Join(tmp, "esp"),
	}

	writeFile(t, filepath.Join(f.rootfs, "boot/vmlinuz-6.8.0"), gzipped(t, arm64Image()))
	if err := os.Symlink("vmlinuz-6.8.0", filepath.Join(f.rootfs, "boot/vmlinuz")); err != nil {
		t.Fatalf("Symlink error: %v", err)
	}
	writeFile(t, filepath.Join(f.rootfs, "usr/lib/grub/arm64-efi-signed/grubaa64.efi.signed"), []byte("signed grub"))
	writeFile(t, filepath.Join(f.rootfs, "usr/lib/os-release"), []byte("NAME=MinOS\nID=minos\n"))
	writeFile(t, filepath.Join(f.rootfs, "usr/lib/systemd/boot/efi/linuxaa64.efi.stub"),
		testutil.BuildPE(testutil.PEOptions{Sections: testutil.StubSections(), HeaderSlack: 512}))
	writeFile(t, f.initramfs, gzipped(t, []byte("070701 fake cpio")))
	return f
}

func (f fixture) inputs() Inputs {
	return Inputs{
		RootFS:      f.rootfs,
		Kernel:      "boot/vmlinuz",
		Initramfs:   f.initramfs,
		Compression: codec.Gzip,
		Cmdline:     "console=ttyAMA0 rdinit=/sbin/init",
	}
}

func (f fixture) build(t *testing.T, s Strategy, in Inputs) error {
	t.Helper()
	layout, err := esp.New(f.espDir, types.ArchARM64)
	if err != nil {
		t.Fatalf("esp.New error: %v", err)
	}
	if err := s.Build(in, layout); err != nil {
		layout.Discard()
		return err
	}
	if err := layout.Publish(); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	return nil
}

func TestNew(t *testing.T) {
	for _, m := range []types.BootMechanism{types.BootGRUB, types.BootUEFIStub} {
		s, err := New(m)
		if err != nil {
			t.Fatalf("New(%v) error: %v", m, err)
		}
		if s.Mechanism() != m {
			t.Errorf("Mechanism() = %v, want %v", s.Mechanism(), m)
		}
	}
	if _, err := New(types.BootMechanism(42)); !errors.Is(err, types.ErrConfig) {
		t.Errorf("New(42) error = %v, want ErrConfig", err)
	}
}

func TestGRUBBuild(t *testing.T) {
	f := newFixture(t)

	if err := f.build(t, GRUB{}, f.inputs()); err != nil {
		t.Fatalf("Build error: %v", err)
	}

	loader, err := os.ReadFile(filepath.Join(f.espDir, "efi/boot/bootaa64.efi"))
	if err != nil {
		t.Fatalf("read loader: %v", err)
	}
	if string(loader) != "signed grub" {
		t.Errorf("loader = %q", loader)
	}

	kernel, err := os.ReadFile(filepath.Join(f.espDir, GRUBKernelPath))
	if err != nil {
		t.Fatalf("read kernel: %v", err)
	}
	if !bytes.Equal(kernel, gzipped(t, arm64Image())) {
		t.Error("kernel is not copied verbatim")
	}

	initrd, err := os.ReadFile(filepath.Join(f.espDir, GRUBInitramfsPath(codec.Gzip)))
	if err != nil {
		t.Fatalf("read initramfs: %v", err)
	}
	if !bytes.Equal(initrd, gzipped(t, []byte("070701 fake cpio"))) {
		t.Error("initramfs is not copied verbatim")
	}

	cfg, err := os.ReadFile(filepath.Join(f.espDir, GRUBConfigPath))
	if err != nil {
		t.Fatalf("read grub.cfg: %v", err)
	}
	want := `# autogenerated by mincraft -- please do not modify directly
menuentry "MinOS" {
    linux /efi/ubuntu/vmlinuz console=ttyAMA0 rdinit=/sbin/init
    initrd /efi/ubuntu/initrd.gz
}
`
	if string(cfg) != want {
		t.Errorf("grub.cfg =\n%s\nwant\n%s", cfg, want)
	}
}

func TestGRUBConfigWithoutCmdline(t *testing.T) {
	cfg, err := GRUB{}.Config("", codec.Gzip)
	if err != nil {
		t.Fatalf("Config error: %v", err)
	}
	if !strings.Contains(string(cfg), "    linux /efi/ubuntu/vmlinuz\n") {
		t.Errorf("grub.cfg = %q", cfg)
	}
}

func TestGRUBBuild_InitramfsNamedAfterCompression(t *testing.T) {
	tests := []struct {
		format codec.Format
		want   string
	}{
		{codec.Zstd, "efi/ubuntu/initrd.zst"},
		{codec.XZ, "efi/ubuntu/initrd.xz"},
		{codec.LZ4, "efi/ubuntu/initrd.lz4"},
		{codec.None, "efi/ubuntu/initrd"},
	}

	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			f := newFixture(t)
			in := f.inputs()
			in.Compression = tt.format
			if err := f.build(t, GRUB{}, in); err != nil {
				t.Fatalf("Build error: %v", err)
			}

			if _, err := os.Stat(filepath.Join(f.espDir, tt.want)); err != nil {
				t.Errorf("initramfs not at %s: %v", tt.want, err)
			}
			if _, err := os.Stat(filepath.Join(f.espDir, "efi/ubuntu/initrd.gz")); !os.IsNotExist(err) {
				t.Error("initrd.gz written for a non-gzip initramfs")
			}
			cfg, err := os.ReadFile(filepath.Join(f.espDir, GRUBConfigPath))
			if err != nil {
				t.Fatalf("read grub.cfg: %v", err)
			}
			if !strings.Contains(string(cfg), "    initrd /"+tt.want+"\n") {
				t.Errorf("grub.cfg = %q", cfg)
			}
		})
	}
}

func TestGRUBBuild_MissingLoader(t *testing.T) {
	f := newFixture(t)
	os.Remove(filepath.Join(f.rootfs, "usr/lib/grub/arm64-efi-signed/grubaa64.efi.signed"))

	err := f.build(t, GRUB{}, f.inputs())
	if !errors.Is(err, types.ErrMissingInput) {
		t.Fatalf("Build error = %v, want ErrMissingInput", err)
	}
	if _, err := os.Stat(f.espDir); !os.IsNotExist(err) {
		t.Error("ESP directory must not be published on failure")
	}
}

func TestBuild_MissingKernel(t *testing.T) {
	for _, s := range []Strategy{GRUB{}, UEFIStub{}} {
		t.Run(s.Mechanism().String(), func(t *testing.T) {
			f := newFixture(t)
			in := f.inputs()
			in.Kernel = "boot/vmlinuz-missing"

			if err := f.build(t, s, in); !errors.Is(err, types.ErrMissingInput) {
				t.Errorf("Build error = %v, want ErrMissingInput", err)
			}
		})
	}
}

func TestUEFIStubBuild(t *testing.T) {
	f := newFixture(t)

	if err := f.build(t, UEFIStub{}, f.inputs()); err != nil {
		t.Fatalf("Build error: %v", err)
	}

	ukiPath := filepath.Join(f.espDir, "efi/boot/bootaa64.efi")
	sections, err := uki.Sections(ukiPath)
	if err != nil {
		t.Fatalf("Sections error: %v", err)
	}
	var names []string
	for _, s := range sections {
		names = append(names, s.Name)
	}
	want := ".text .data .sbat .osrel .cmdline .linux .initrd"
	if strings.Join(names, " ") != want {
		t.Errorf("sections = %v, want %s", names, want)
	}

	assets, err := uki.Extract(ukiPath)
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	defer assets.Close()

	linux, _ := io.ReadAll(assets.Kernel)
	if !bytes.Equal(linux, arm64Image()) {
		t.Error(".linux does not hold the decompressed kernel")
	}
	initrd, _ := io.ReadAll(assets.Initrd)
	if !bytes.Equal(initrd, gzipped(t, []byte("070701 fake cpio"))) {
		t.Error(".initrd does not hold the compressed initramfs")
	}
	cmdline, _ := io.ReadAll(assets.Cmdline)
	if string(cmdline) != "console=ttyAMA0 rdinit=/sbin/init\x00" {
		t.Errorf(".cmdline = %q", cmdline)
	}
	osrel, _ := io.ReadAll(assets.OSRelease)
	if string(osrel) != "NAME=MinOS\nID=minos\n" {
		t.Errorf(".osrel = %q", osrel)
	}
}

func TestUEFIStubBuild_DTB(t *testing.T) {
	f := newFixture(t)
	in := f.inputs()
	in.DTB = []byte{0xd0, 0x0d, 0xfe, 0xed, 1, 2, 3}

	if err := f.build(t, UEFIStub{}, in); err != nil {
		t.Fatalf("Build error: %v", err)
	}

	assets, err := uki.Extract(filepath.Join(f.espDir, "efi/boot/bootaa64.efi"))
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	defer assets.Close()
	if assets.DeviceTree == nil {
		t.Fatal("expected .dtb section")
	}
	dtb, _ := io.ReadAll(assets.DeviceTree)
	if !bytes.Equal(dtb, in.DTB) {
		t.Errorf(".dtb = %x, want %x", dtb, in.DTB)
	}
}

func TestUEFIStubBuild_Idempotent(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.espDir, "efi/boot/bootaa64.efi")

	if err := f.build(t, UEFIStub{}, f.inputs()); err != nil {
		t.Fatalf("first Build error: %v", err)
	}
	first, _ := os.ReadFile(path)

	if err := f.build(t, UEFIStub{}, f.inputs()); err != nil {
		t.Fatalf("second Build error: %v", err)
	}
	second, _ := os.ReadFile(path)

	if !bytes.Equal(first, second) {
		t.Error("rebuilding from unchanged inputs changed the image")
	}
}

func TestUEFIStubBuild_LegacyStubPath(t *testing.T) {
	f := newFixture(t)
	stub := filepath.Join(f.rootfs, "usr/lib/systemd/boot/efi/linuxaa64.efi.stub")
	data, _ := os.ReadFile(stub)
	os.Remove(stub)
	writeFile(t, filepath.Join(f.rootfs, "lib/systemd/boot/efi/linuxaa64.efi.stub"), data)

	if err := f.build(t, UEFIStub{}, f.inputs()); err != nil {
		t.Fatalf("Build error: %v", err)
	}
}

func TestUEFIStubBuild_MissingStub(t *testing.T) {
	f := newFixture(t)
	os.Remove(filepath.Join(f.rootfs, "usr/lib/systemd/boot/efi/linuxaa64.efi.stub"))

	if err := f.build(t, UEFIStub{}, f.inputs()); !errors.Is(err, types.ErrMissingInput) {
		t.Errorf("Build error = %v, want ErrMissingInput", err)
	}
}

func TestUEFIStubBuild_HeaderTooSmall(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.rootfs, "usr/lib/systemd/boot/efi/linuxaa64.efi.stub"),
		testutil.BuildPE(testutil.PEOptions{Sections: testutil.StubSections()}))

	err := f.build(t, UEFIStub{}, f.inputs())
	if !errors.Is(err, types.ErrHeaderTooSmall) {
		t.Fatalf("Build error = %v, want ErrHeaderTooSmall", err)
	}
	if _, err := os.Stat(f.espDir); !os.IsNotExist(err) {
		t.Error("no output may be published")
	}
}

func TestUEFIStubBuild_UnsupportedKernel(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.rootfs, "boot/vmlinuz-6.8.0"), []byte("not a kernel at all"))

	if err := f.build(t, UEFIStub{}, f.inputs()); !errors.Is(err, types.ErrUnsupportedKernelFormat) {
		t.Errorf("Build error = %v, want ErrUnsupportedKernelFormat", err)
	}
}

func TestDTBSource(t *testing.T) {
	tmp := t.TempDir()
	blob := []byte{0xd0, 0x0d, 0xfe, 0xed, 0, 0, 0, 0x28}

	t.Run("none", func(t *testing.T) {
		data, err := DTBSource{Arch: types.ArchARM64}.Load(context.Background())
		if err != nil || data != nil {
			t.Errorf("Load() = %x, %v, want nil, nil", data, err)
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(tmp, "board.dtb")
		writeFile(t, path, blob)
		data, err := DTBSource{Path: path}.Load(context.Background())
		if err != nil {
			t.Fatalf("Load error: %v", err)
		}
		if !bytes.Equal(data, blob) {
			t.Errorf("Load() = %x", data)
		}
	})

	t.Run("not a dtb", func(t *testing.T) {
		path := filepath.Join(tmp, "bogus.dtb")
		writeFile(t, path, []byte("bogus"))
		if _, err := (DTBSource{Path: path}).Load(context.Background()); !errors.Is(err, types.ErrMissingInput) {
			t.Errorf("Load error = %v, want ErrMissingInput", err)
		}
	})

	t.Run("dump ignored on amd64", func(t *testing.T) {
		data, err := DTBSource{Dump: true, Arch: types.ArchAMD64}.Load(context.Background())
		if err != nil || data != nil {
			t.Errorf("Load() = %x, %v, want nil, nil", data, err)
		}
	})
}

func TestDTBSourceDump(t *testing.T) {
	calls := 0
	orig := dumpCommand
	dumpCommand = func(ctx context.Context, out string) *exec.Cmd {
		calls++
		return exec.CommandContext(ctx, "sh", "-c", `printf '\320\015\376\355virt' > "$1"`, "sh", out)
	}
	t.Cleanup(func() { dumpCommand = orig })

	src := DTBSource{Dump: true, DumpPath: filepath.Join(t.TempDir(), "cache", "virt.dtb"), Arch: types.ArchARM64}

	for range 2 {
		data, err := src.Load(context.Background())
		if err != nil {
			t.Fatalf("Load error: %v", err)
		}
		if !bytes.Equal(data, []byte("\xd0\x0d\xfe\xedvirt")) {
			t.Errorf("Load() = %x", data)
		}
	}
	if calls != 1 {
		t.Errorf("dump ran %d times, want 1 (cached)", calls)
	}
}

func TestDTBSourceDump_Failure(t *testing.T) {
	orig := dumpCommand
	dumpCommand = func(ctx context.Context, out string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo no qemu >&2; exit 1")
	}
	t.Cleanup(func() { dumpCommand = orig })

	src := DTBSource{Dump: true, DumpPath: filepath.Join(t.TempDir(), "virt.dtb"), Arch: types.ArchARM64}
	if _, err := src.Load(context.Background()); !errors.Is(err, types.ErrMissingInput) {
		t.Errorf("Load error = %v, want ErrMissingInput", err)
	}
}
