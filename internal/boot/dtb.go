package boot

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mincraft/mincraft/internal/types"
)

// fdtMagic starts every flattened device tree blob.
const fdtMagic = 0xd00dfeed

// DTBSource says where the device tree embedded in a UKI comes from.
type DTBSource struct {
	// Path is a DTB file to embed as is.
	Path string
	// Dump asks QEMU's virt machine for its generated tree when Path is
	// empty. Only meaningful for arm64.
	Dump bool
	// DumpPath caches the dumped tree between runs.
	DumpPath string
	Arch     types.Arch
}

// dumpCommand builds the QEMU invocation that writes the virt machine's
// device tree to out and exits.
//
//nolint:gochecknoglobals
var dumpCommand = func(ctx context.Context, out string) *exec.Cmd {
	return exec.CommandContext(ctx, "qemu-system-aarch64",
		"-M", "virt,dumpdtb="+out+",secure=on,virtualization=on",
		"-cpu", "cortex-a72",
		"-nographic",
		"-m", "2G",
	)
}

// Load returns the device tree bytes, or nil when no tree is configured.
func (s DTBSource) Load(ctx context.Context) ([]byte, error) {
	switch {
	case s.Path != "":
		data, err := os.ReadFile(s.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, types.MissingInput(err, "read device tree")
			}
			return nil, types.IOError(err, "read device tree %s", s.Path)
		}
		if err := checkDTB(data, s.Path); err != nil {
			return nil, err
		}
		return data, nil
	case s.Dump && s.Arch == types.ArchARM64:
		return s.dump(ctx)
	default:
		return nil, nil
	}
}

func (s DTBSource) dump(ctx context.Context) ([]byte, error) {
	if data, err := os.ReadFile(s.DumpPath); err == nil && checkDTB(data, s.DumpPath) == nil {
		log.WithField("path", s.DumpPath).Debug("dtb: using cached dump")
		return data, nil
	}

	if err := os.MkdirAll(filepath.Dir(s.DumpPath), 0o755); err != nil {
		return nil, types.IOError(err, "create %s", filepath.Dir(s.DumpPath))
	}
	tmp := s.DumpPath + ".tmp"
	defer os.Remove(tmp)

	cmd := dumpCommand(ctx, tmp)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	log.WithField("command", cmd.Args[0]).Info("dtb: dumping virt machine device tree")
	if err := cmd.Run(); err != nil {
		return nil, errors.Mark(
			errors.Wrapf(err, "dump device tree: %s", bytes.TrimSpace(stderr.Bytes())),
			types.ErrMissingInput)
	}

	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil, types.MissingInput(err, "read dumped device tree")
	}
	if err := checkDTB(data, tmp); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, s.DumpPath); err != nil {
		return nil, types.IOError(err, "cache device tree")
	}
	return data, nil
}

func checkDTB(data []byte, path string) error {
	if len(data) < 4 || binary.BigEndian.Uint32(data) != fdtMagic {
		return errors.Mark(errors.Newf("%s is not a flattened device tree", path), types.ErrMissingInput)
	}
	return nil
}
