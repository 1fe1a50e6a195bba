package boot

import (
	"bytes"
	"text/template"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mincraft/mincraft/internal/codec"
	"github.com/mincraft/mincraft/internal/esp"
	"github.com/mincraft/mincraft/internal/types"
)

// ESP paths of the GRUB layout.
const (
	GRUBKernelPath = "efi/ubuntu/vmlinuz"
	GRUBConfigPath = "efi/ubuntu/grub.cfg"
)

// GRUBInitramfsPath returns the ESP path of an initramfs compressed with
// format, named after its compression.
func GRUBInitramfsPath(format codec.Format) string {
	return "efi/ubuntu/initrd" + format.Extension()
}

//nolint:gochecknoglobals
var grubConfig = template.Must(template.New("grub.cfg").Parse(`# autogenerated by mincraft -- please do not modify directly
menuentry "MinOS" {
    linux /{{.Kernel}}{{with .Cmdline}} {{.}}{{end}}
    initrd /{{.Initramfs}}
}
`))

// GRUB boots through the distribution's signed GRUB, which loads the kernel
// and initramfs from the ESP as described by a generated grub.cfg.
type GRUB struct{}

func (GRUB) Mechanism() types.BootMechanism { return types.BootGRUB }

func (GRUB) RequiredPackages(arch types.Arch) []string {
	return []string{"grub-efi-" + arch.String() + "-signed"}
}

// LoaderPath returns the rootfs-relative path of the signed GRUB image.
func (GRUB) LoaderPath(arch types.Arch) string {
	return "usr/lib/grub/" + arch.GRUBPlatform() + "/grub" + arch.EFISuffix() + ".efi.signed"
}

// Config renders grub.cfg for cmdline and an initramfs compressed with
// compression.
func (GRUB) Config(cmdline string, compression codec.Format) ([]byte, error) {
	var buf bytes.Buffer
	err := grubConfig.Execute(&buf, struct {
		Kernel, Initramfs, Cmdline string
	}{GRUBKernelPath, GRUBInitramfsPath(compression), cmdline})
	if err != nil {
		return nil, errors.Wrap(err, "render grub.cfg")
	}
	return buf.Bytes(), nil
}

func (g GRUB) Build(in Inputs, layout *esp.Layout) error {
	loader, err := rootfsFile(in.RootFS, g.LoaderPath(layout.Arch), "signed GRUB")
	if err != nil {
		return err
	}
	kernel, err := rootfsFile(in.RootFS, in.Kernel, "kernel")
	if err != nil {
		return err
	}
	cfg, err := g.Config(in.Cmdline, in.Compression)
	if err != nil {
		return err
	}

	files := []struct{ dst, src string }{
		{esp.BootLoaderPath(layout.Arch), loader},
		{GRUBKernelPath, kernel},
		{GRUBInitramfsPath(in.Compression), in.Initramfs},
	}
	for _, f := range files {
		if err := layout.CopyFile(f.dst, f.src); err != nil {
			return err
		}
	}
	if err := layout.WriteFile(GRUBConfigPath, cfg); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"loader": esp.BootLoaderPath(layout.Arch),
		"kernel": in.Kernel,
	}).Info("grub: populated ESP")
	return nil
}
