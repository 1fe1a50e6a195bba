package testutil

import (
	"encoding/binary"
	"os"
)

// PESection is a section of a generated PE image.
type PESection struct {
	Name            string
	Data            []byte
	Characteristics uint32
}

// PEOptions describes a generated PE image. Zero values pick the layout
// of a typical systemd-stub build: PE32+, 512-byte file alignment and
// 4096-byte section alignment.
type PEOptions struct {
	PE32             bool
	Machine          uint16
	FileAlignment    uint32
	SectionAlignment uint32
	// HeaderSlack is the minimum number of free bytes between the end of
	// the section table and SizeOfHeaders.
	HeaderSlack int
	Sections    []PESection
	// Certificate, if set, is appended after the last section and
	// referenced from the security data directory.
	Certificate []byte
	// Trailer is appended after everything else.
	Trailer []byte
}

const (
	textCharacteristics = 0x60000020
	dataCharacteristics = 0xc0000040
)

// StubSections returns sections resembling a small UEFI stub.
func StubSections() []PESection {
	text := make([]byte, 1500)
	for i := range text {
		text[i] = byte(i * 7)
	}
	return []PESection{
		{Name: ".text", Data: text, Characteristics: textCharacteristics},
		{Name: ".data", Data: []byte("stub data section"), Characteristics: dataCharacteristics},
		{Name: ".sbat", Data: []byte("sbat,1,SBAT Version,sbat,1\n"), Characteristics: 0x40000040},
	}
}

// BuildPE returns the bytes of a structurally valid PE image. The checksum
// field is left zero, as in most EFI binaries.
//
//nolint:funlen
func BuildPE(opts PEOptions) []byte {
	le := binary.LittleEndian
	if opts.FileAlignment == 0 {
		opts.FileAlignment = 512
	}
	if opts.SectionAlignment == 0 {
		opts.SectionAlignment = 4096
	}
	if opts.Machine == 0 {
		opts.Machine = 0xaa64
	}

	optSize, rvaCount := 240, 108
	magic := uint16(0x20b)
	if opts.PE32 {
		optSize, rvaCount = 224, 92
		magic = 0x10b
	}

	peOffset := 64
	coffOffset := peOffset + 4
	optOffset := coffOffset + 20
	sectOffset := optOffset + optSize
	tableEnd := sectOffset + len(opts.Sections)*40
	sizeOfHeaders := alignUp(uint32(tableEnd+opts.HeaderSlack), opts.FileAlignment)

	// Lay out the sections.
	type placed struct {
		offset, raw, va uint32
	}
	layout := make([]placed, len(opts.Sections))
	offset := sizeOfHeaders
	va := alignUp(sizeOfHeaders, opts.SectionAlignment)
	var sizeOfCode, sizeOfData uint32
	for i, s := range opts.Sections {
		raw := alignUp(uint32(len(s.Data)), opts.FileAlignment)
		layout[i] = placed{offset: offset, raw: raw, va: va}
		offset += raw
		va += alignUp(max(uint32(len(s.Data)), 1), opts.SectionAlignment)
		if s.Characteristics&0x20 != 0 {
			sizeOfCode += raw
		} else {
			sizeOfData += raw
		}
	}
	sizeOfImage := va

	size := offset + uint32(len(opts.Certificate)) + uint32(len(opts.Trailer))
	out := make([]byte, size)

	// DOS header.
	out[0], out[1] = 'M', 'Z'
	le.PutUint32(out[0x3c:], uint32(peOffset))
	copy(out[coffOffset-4:], "PE\x00\x00")

	// COFF header.
	coff := out[coffOffset:]
	le.PutUint16(coff[0:], opts.Machine)
	le.PutUint16(coff[2:], uint16(len(opts.Sections)))
	le.PutUint32(coff[4:], 0) // reproducible builds carry no timestamp
	le.PutUint16(coff[16:], uint16(optSize))
	le.PutUint16(coff[18:], 0x0206) // executable, debug stripped, line numbers stripped

	// Optional header.
	opt := out[optOffset:]
	le.PutUint16(opt[0:], magic)
	opt[2] = 2
	le.PutUint32(opt[4:], sizeOfCode)
	le.PutUint32(opt[8:], sizeOfData)
	if len(layout) > 0 {
		le.PutUint32(opt[16:], layout[0].va) // entry point
		le.PutUint32(opt[20:], layout[0].va) // base of code
	}
	if opts.PE32 {
		le.PutUint32(opt[28:], 0x400000)
	} else {
		le.PutUint64(opt[24:], 0x140000000)
	}
	le.PutUint32(opt[32:], opts.SectionAlignment)
	le.PutUint32(opt[36:], opts.FileAlignment)
	le.PutUint32(opt[56:], sizeOfImage)
	le.PutUint32(opt[60:], sizeOfHeaders)
	le.PutUint16(opt[68:], 10) // EFI application
	le.PutUint32(opt[rvaCount:], 16)

	// Section table and data.
	for i, s := range opts.Sections {
		hdr := out[sectOffset+i*40:]
		copy(hdr[0:8], s.Name)
		le.PutUint32(hdr[8:], uint32(len(s.Data)))
		le.PutUint32(hdr[12:], layout[i].va)
		le.PutUint32(hdr[16:], layout[i].raw)
		if layout[i].raw > 0 {
			le.PutUint32(hdr[20:], layout[i].offset)
		}
		le.PutUint32(hdr[36:], s.Characteristics)
		copy(out[layout[i].offset:], s.Data)
	}

	if len(opts.Certificate) > 0 {
		dirs := optOffset + rvaCount + 4
		le.PutUint32(out[dirs+4*8:], offset)
		le.PutUint32(out[dirs+4*8+4:], uint32(len(opts.Certificate)))
		copy(out[offset:], opts.Certificate)
	}
	copy(out[offset+uint32(len(opts.Certificate)):], opts.Trailer)

	return out
}

// WritePE writes BuildPE(opts) to path.
func WritePE(path string, opts PEOptions) error {
	return os.WriteFile(path, BuildPE(opts), 0o644)
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}
