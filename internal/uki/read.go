package uki

import (
	"debug/pe"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mincraft/mincraft/internal/types"
)

// ReadCmdline reads the kernel command line from a UKI PE file.
func ReadCmdline(ukiPath string) (string, error) {
	return readText(ukiPath, ".cmdline")
}

// ReadOSRelease reads the embedded os-release text.
func ReadOSRelease(ukiPath string) (string, error) {
	return readText(ukiPath, ".osrel")
}

func readText(ukiPath, name string) (string, error) {
	peFile, err := pe.Open(ukiPath)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "open PE file"), types.ErrMalformedPE)
	}
	defer peFile.Close()

	for _, section := range peFile.Sections {
		if section.Name == name {
			data, err := io.ReadAll(io.LimitReader(section.Open(), int64(section.VirtualSize)))
			if err != nil {
				return "", errors.Wrapf(err, "read %s section", name)
			}
			// Trim the NUL terminator
			return strings.TrimRight(string(data), "\x00"), nil
		}
	}

	return "", errors.Mark(errors.Newf("%s section not found in PE file", name), types.ErrMissingInput)
}
