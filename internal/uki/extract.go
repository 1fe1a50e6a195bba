// Package uki reads the embedded sections back out of a unified kernel
// image produced by the UEFI-stub backend.
package uki

import (
	"debug/pe"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mincraft/mincraft/internal/types"
)

// AssetInfo contains the payload sections of a UKI file. OSRelease and
// DeviceTree are nil when the image has no such section.
type AssetInfo struct {
	io.Closer

	Kernel     io.Reader
	Initrd     io.Reader
	Cmdline    io.Reader
	OSRelease  io.Reader
	DeviceTree io.Reader
}

// Extract opens the payload sections of a UKI file.
func Extract(ukiPath string) (*AssetInfo, error) {
	peFile, err := pe.Open(ukiPath)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "open PE file %s", ukiPath), types.ErrMalformedPE)
	}

	assetInfo := &AssetInfo{
		Closer: peFile,
	}

	required := map[string]*io.Reader{
		".initrd":  &assetInfo.Initrd,
		".cmdline": &assetInfo.Cmdline,
		".linux":   &assetInfo.Kernel,
	}
	optional := map[string]*io.Reader{
		".osrel": &assetInfo.OSRelease,
		".dtb":   &assetInfo.DeviceTree,
	}

	for _, section := range peFile.Sections {
		sectionName := strings.TrimRight(section.Name, "\x00")

		reader, exists := required[sectionName]
		if !exists {
			reader, exists = optional[sectionName]
		}
		if exists && *reader == nil {
			// VirtualSize excludes the file alignment padding.
			*reader = io.LimitReader(section.Open(), int64(section.VirtualSize))
		}
	}

	for name, reader := range required {
		if *reader == nil {
			peFile.Close()
			return nil, errors.Mark(errors.Newf("%s not found in %s", name, ukiPath), types.ErrMissingInput)
		}
	}

	return assetInfo, nil
}

// SectionInfo summarizes one section header.
type SectionInfo struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Offset          uint32
	Size            uint32
	Characteristics uint32
}

// Sections lists the section table of a PE file in order.
func Sections(path string) ([]SectionInfo, error) {
	peFile, err := pe.Open(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "open PE file %s", path), types.ErrMalformedPE)
	}
	defer peFile.Close()

	out := make([]SectionInfo, 0, len(peFile.Sections))
	for _, s := range peFile.Sections {
		out = append(out, SectionInfo{
			Name:            strings.TrimRight(s.Name, "\x00"),
			VirtualAddress:  s.VirtualAddress,
			VirtualSize:     s.VirtualSize,
			Offset:          s.Offset,
			Size:            s.Size,
			Characteristics: s.Characteristics,
		})
	}
	return out, nil
}
