// Package pecoff appends sections to linked PE/COFF images.
//
// Headers are read and written as fixed-width little-endian fields at
// their documented offsets. Existing sections never move: new sections go
// after the last raw byte and the last virtual byte of the image, so RVAs
// and relocations inside the original stay valid.
package pecoff

import (
	"encoding/binary"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mincraft/mincraft/internal/types"
)

// Header layout.
const (
	dosHeaderSize  = 64
	lfanewOffset   = 0x3c
	coffHeaderSize = 20
	sectionSize    = 40
	maxNameLen     = 8

	// Optional header magics.
	MagicPE32     = 0x10b
	MagicPE32Plus = 0x20b

	// COFF header fields, relative to the COFF header.
	coffNumberOfSections     = 2
	coffPointerToSymbolTable = 8
	coffNumberOfSymbols      = 12
	coffSizeOfOptionalHeader = 16

	// Optional header fields shared by PE32 and PE32+.
	optSizeOfInitializedData = 8
	optSectionAlignment      = 32
	optFileAlignment         = 36
	optSizeOfImage           = 56
	optSizeOfHeaders         = 60
	optCheckSum              = 64
	optMinSize               = 68

	// NumberOfRvaAndSizes; the data directories follow it.
	optRvaCountPE32     = 92
	optRvaCountPE32Plus = 108

	dirSecurity  = 4
	dataDirWidth = 8

	// CharacteristicsData marks appended sections as initialized,
	// readable, non-executable data.
	CharacteristicsData = 0x00000040 | 0x40000000
)

// Section is one entry of the section table.
type Section struct {
	Name                 string
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// virtualEnd is the end of the section in memory.
func (s Section) virtualEnd() uint32 {
	size := s.VirtualSize
	if size == 0 {
		size = s.SizeOfRawData
	}
	return s.VirtualAddress + size
}

// Image is a parsed PE file. The original bytes are kept and only the
// header fields listed here are ever rewritten.
type Image struct {
	data []byte

	coffOffset int
	optOffset  int
	sectOffset int

	Magic                uint16
	SizeOfOptionalHeader uint16
	FileAlignment        uint32
	SectionAlignment     uint32
	SizeOfHeaders        uint32
	SizeOfImage          uint32
	CheckSum             uint32
	Sections             []Section
}

func malformed(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), types.ErrMalformedPE)
}

// Parse validates and decodes the headers of a PE image. data is retained.
//
//nolint:cyclop
func Parse(data []byte) (*Image, error) {
	le := binary.LittleEndian

	if len(data) < dosHeaderSize || data[0] != 'M' || data[1] != 'Z' {
		return nil, malformed("missing MZ header")
	}
	peOffset := int(le.Uint32(data[lfanewOffset:]))
	if peOffset < dosHeaderSize || peOffset+4+coffHeaderSize > len(data) {
		return nil, malformed("PE header offset %#x out of range", peOffset)
	}
	if string(data[peOffset:peOffset+4]) != "PE\x00\x00" {
		return nil, malformed("missing PE signature at %#x", peOffset)
	}

	img := &Image{data: data, coffOffset: peOffset + 4}
	coff := data[img.coffOffset:]
	numSections := int(le.Uint16(coff[coffNumberOfSections:]))
	img.SizeOfOptionalHeader = le.Uint16(coff[coffSizeOfOptionalHeader:])
	img.optOffset = img.coffOffset + coffHeaderSize
	img.sectOffset = img.optOffset + int(img.SizeOfOptionalHeader)

	if img.SizeOfOptionalHeader < optMinSize || img.sectOffset > len(data) {
		return nil, malformed("optional header size %d invalid", img.SizeOfOptionalHeader)
	}
	opt := data[img.optOffset:img.sectOffset]

	img.Magic = le.Uint16(opt)
	if img.Magic != MagicPE32 && img.Magic != MagicPE32Plus {
		return nil, malformed("unknown optional header magic %#x", img.Magic)
	}
	if int(img.SizeOfOptionalHeader) < img.rvaCountOffset()+4 {
		return nil, malformed("optional header size %d too small for magic %#x", img.SizeOfOptionalHeader, img.Magic)
	}

	img.SectionAlignment = le.Uint32(opt[optSectionAlignment:])
	img.FileAlignment = le.Uint32(opt[optFileAlignment:])
	img.SizeOfImage = le.Uint32(opt[optSizeOfImage:])
	img.SizeOfHeaders = le.Uint32(opt[optSizeOfHeaders:])
	img.CheckSum = le.Uint32(opt[optCheckSum:])

	if !isPow2(img.FileAlignment) || !isPow2(img.SectionAlignment) {
		return nil, malformed("alignments must be powers of two (file %#x, section %#x)",
			img.FileAlignment, img.SectionAlignment)
	}
	if img.SectionAlignment < img.FileAlignment {
		return nil, malformed("section alignment %#x below file alignment %#x", img.SectionAlignment, img.FileAlignment)
	}

	tableEnd := img.sectOffset + numSections*sectionSize
	if tableEnd > len(data) {
		return nil, malformed("section table of %d entries runs past end of file", numSections)
	}
	if int(img.SizeOfHeaders) < tableEnd || int(img.SizeOfHeaders) > len(data) {
		return nil, malformed("SizeOfHeaders %#x inconsistent with section table end %#x", img.SizeOfHeaders, tableEnd)
	}

	for i := range numSections {
		s := decodeSection(data[img.sectOffset+i*sectionSize:])
		if s.SizeOfRawData > 0 && uint64(s.PointerToRawData)+uint64(s.SizeOfRawData) > uint64(len(data)) {
			return nil, malformed("section %s raw data runs past end of file", s.Name)
		}
		img.Sections = append(img.Sections, s)
	}
	return img, nil
}

func (img *Image) rvaCountOffset() int {
	if img.Magic == MagicPE32Plus {
		return optRvaCountPE32Plus
	}
	return optRvaCountPE32
}

// ChecksumOffset is the file offset of the CheckSum field.
func (img *Image) ChecksumOffset() int {
	return img.optOffset + optCheckSum
}

// Section returns the named section.
func (img *Image) Section(name string) (Section, bool) {
	for _, s := range img.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// SectionData returns the first VirtualSize bytes of the named section.
func (img *Image) SectionData(name string) ([]byte, bool) {
	s, ok := img.Section(name)
	if !ok {
		return nil, false
	}
	size := min(s.VirtualSize, s.SizeOfRawData)
	if s.VirtualSize == 0 {
		size = s.SizeOfRawData
	}
	return img.data[s.PointerToRawData : s.PointerToRawData+size], true
}

// Bytes returns the image bytes.
func (img *Image) Bytes() []byte {
	return img.data
}

func decodeSection(b []byte) Section {
	le := binary.LittleEndian
	return Section{
		Name:                 strings.TrimRight(string(b[0:8]), "\x00"),
		VirtualSize:          le.Uint32(b[8:]),
		VirtualAddress:       le.Uint32(b[12:]),
		SizeOfRawData:        le.Uint32(b[16:]),
		PointerToRawData:     le.Uint32(b[20:]),
		PointerToRelocations: le.Uint32(b[24:]),
		PointerToLinenumbers: le.Uint32(b[28:]),
		NumberOfRelocations:  le.Uint16(b[32:]),
		NumberOfLinenumbers:  le.Uint16(b[34:]),
		Characteristics:      le.Uint32(b[36:]),
	}
}

func encodeSection(b []byte, s Section) {
	le := binary.LittleEndian
	clear(b[0:8])
	copy(b[0:8], s.Name)
	le.PutUint32(b[8:], s.VirtualSize)
	le.PutUint32(b[12:], s.VirtualAddress)
	le.PutUint32(b[16:], s.SizeOfRawData)
	le.PutUint32(b[20:], s.PointerToRawData)
	le.PutUint32(b[24:], s.PointerToRelocations)
	le.PutUint32(b[28:], s.PointerToLinenumbers)
	le.PutUint16(b[32:], s.NumberOfRelocations)
	le.PutUint16(b[34:], s.NumberOfLinenumbers)
	le.PutUint32(b[36:], s.Characteristics)
}

func isPow2(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}
