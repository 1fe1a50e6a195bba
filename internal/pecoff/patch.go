package pecoff

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/mincraft/mincraft/internal/types"
)

// NewSection is a section to append.
type NewSection struct {
	Name string
	Data []byte
}

// Layout computes the table entries for secs appended after the existing
// sections:
//
//   - file offsets start at the end of the last raw data rounded up to
//     FileAlignment, raw sizes are rounded up to FileAlignment;
//   - virtual addresses start at the end of the last section in memory
//     rounded up to SectionAlignment, and every section, even an empty
//     one, occupies at least one SectionAlignment unit.
func (img *Image) Layout(secs []NewSection) ([]Section, error) {
	var rawEnd, virtEnd uint64
	for _, s := range img.Sections {
		if s.SizeOfRawData > 0 {
			rawEnd = max(rawEnd, uint64(s.PointerToRawData)+uint64(s.SizeOfRawData))
		}
		virtEnd = max(virtEnd, uint64(s.virtualEnd()))
	}
	rawEnd = max(rawEnd, uint64(img.SizeOfHeaders))
	virtEnd = max(virtEnd, uint64(img.SizeOfImage), uint64(img.SizeOfHeaders))

	fileAlign, sectAlign := uint64(img.FileAlignment), uint64(img.SectionAlignment)
	offset := align64(rawEnd, fileAlign)
	va := align64(virtEnd, sectAlign)

	out := make([]Section, 0, len(secs))
	for _, ns := range secs {
		if ns.Name == "" || len(ns.Name) > maxNameLen {
			return nil, malformed("section name %q must be 1 to %d bytes", ns.Name, maxNameLen)
		}
		size := uint64(len(ns.Data))
		raw := align64(size, fileAlign)

		s := Section{
			Name:            ns.Name,
			VirtualSize:     uint32(size),
			VirtualAddress:  uint32(va),
			SizeOfRawData:   uint32(raw),
			Characteristics: CharacteristicsData,
		}
		if raw > 0 {
			s.PointerToRawData = uint32(offset)
		}
		out = append(out, s)

		offset += raw
		va += align64(max(size, 1), sectAlign)
		if offset > math.MaxUint32 || va > math.MaxUint32 {
			return nil, malformed("image would exceed 4 GiB after adding %s", ns.Name)
		}
	}
	return out, nil
}

// AddSections returns a copy of the image with secs appended. The original
// headers and section bytes keep their offsets; the section table grows
// into the header slack, which must be large enough or ErrHeaderTooSmall is
// returned.
//
// The result is unsigned: the certificate table is dropped along with any
// trailing data after the last section, and the deprecated COFF symbol
// table pointer is cleared. SizeOfImage, SizeOfInitializedData and the
// checksum are recomputed.
func (img *Image) AddSections(secs []NewSection) ([]byte, error) {
	added, err := img.Layout(secs)
	if err != nil {
		return nil, err
	}

	total := len(img.Sections) + len(added)
	if total > math.MaxUint16 {
		return nil, malformed("too many sections (%d)", total)
	}
	tableEnd := img.sectOffset + total*sectionSize
	if limit := img.headerLimit(); tableEnd > limit {
		return nil, errors.Mark(
			errors.Newf("section table needs %d bytes of headers, only %d available", tableEnd, limit),
			types.ErrHeaderTooSmall)
	}

	// Original bytes are kept up to the end of the last section's raw
	// data; alignment padding and anything after it is zeroed or dropped.
	keep := min(uint64(len(img.data)), uint64(img.rawEnd()))
	end := uint64(alignUp(img.rawEnd(), img.FileAlignment))
	var initData uint64
	for _, s := range added {
		if s.SizeOfRawData > 0 {
			end = uint64(s.PointerToRawData) + uint64(s.SizeOfRawData)
			initData += uint64(s.SizeOfRawData)
		}
	}

	out := make([]byte, end)
	copy(out, img.data[:keep])

	for i, s := range added {
		encodeSection(out[img.sectOffset+(len(img.Sections)+i)*sectionSize:], s)
		if s.SizeOfRawData > 0 {
			copy(out[s.PointerToRawData:], secs[i].Data)
		}
	}

	le := binary.LittleEndian
	coff := out[img.coffOffset:]
	le.PutUint16(coff[coffNumberOfSections:], uint16(total))
	le.PutUint32(coff[coffPointerToSymbolTable:], 0)
	le.PutUint32(coff[coffNumberOfSymbols:], 0)

	opt := out[img.optOffset:]
	le.PutUint32(opt[optSizeOfInitializedData:], le.Uint32(opt[optSizeOfInitializedData:])+uint32(initData))
	if len(added) > 0 {
		last := added[len(added)-1]
		le.PutUint32(opt[optSizeOfImage:],
			alignUp(last.VirtualAddress+max(last.VirtualSize, 1), img.SectionAlignment))
	}
	img.dropCertificates(out)

	le.PutUint32(opt[optCheckSum:], Checksum(out, img.ChecksumOffset()))
	return out, nil
}

// headerLimit is the largest offset the section table may reach: the end
// of the headers, and never past the first section's raw data.
func (img *Image) headerLimit() int {
	limit := int(img.SizeOfHeaders)
	for _, s := range img.Sections {
		if s.SizeOfRawData > 0 && int(s.PointerToRawData) < limit {
			limit = int(s.PointerToRawData)
		}
	}
	return limit
}

// rawEnd is the end of the headers or of the last section's raw data,
// whichever is further.
func (img *Image) rawEnd() uint32 {
	end := img.SizeOfHeaders
	for _, s := range img.Sections {
		if s.SizeOfRawData > 0 {
			end = max(end, s.PointerToRawData+s.SizeOfRawData)
		}
	}
	return end
}

func (img *Image) dropCertificates(out []byte) {
	rvaCount := binary.LittleEndian.Uint32(out[img.optOffset+img.rvaCountOffset():])
	dirs := img.optOffset + img.rvaCountOffset() + 4
	if rvaCount <= dirSecurity || dirs+(dirSecurity+1)*dataDirWidth > img.sectOffset {
		return
	}
	clear(out[dirs+dirSecurity*dataDirWidth : dirs+(dirSecurity+1)*dataDirWidth])
}

func align64(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Checksum computes the PE image checksum of data: the 16-bit one's
// complement style sum of all words with carries folded back in, with the
// four bytes at checksumOffset treated as zero, plus the file length.
func Checksum(data []byte, checksumOffset int) uint32 {
	byteAt := func(i int) uint32 {
		if i >= checksumOffset && i < checksumOffset+4 {
			return 0
		}
		return uint32(data[i])
	}

	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += byteAt(i) | byteAt(i+1)<<8
		sum = (sum & 0xffff) + (sum >> 16)
	}
	if n%2 == 1 {
		sum += byteAt(n - 1)
		sum = (sum & 0xffff) + (sum >> 16)
	}
	sum = (sum & 0xffff) + (sum >> 16)
	return sum + uint32(n)
}

// Patch parses stub and returns it with secs appended.
func Patch(stub []byte, secs []NewSection) ([]byte, error) {
	img, err := Parse(stub)
	if err != nil {
		return nil, err
	}
	return img.AddSections(secs)
}
