// Package codec detects and applies the stream compressions found in
// package archives, kernels and initramfs images.
package codec

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Format is a stream compression format.
type Format int

const (
	None Format = iota
	Gzip
	XZ
	Zstd
	LZ4
	Bzip2
)

//nolint:gochecknoglobals
var magics = []struct {
	format Format
	magic  []byte
}{
	{Gzip, []byte{0x1f, 0x8b}},
	{XZ, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{Zstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{LZ4, []byte{0x04, 0x22, 0x4d, 0x18}},
	{LZ4, []byte{0x02, 0x21, 0x4c, 0x18}}, // legacy
	{Bzip2, []byte{'B', 'Z', 'h'}},
}

// MagicLen is the number of leading bytes Detect needs to see.
const MagicLen = 6

func (f Format) String() string {
	switch f {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case XZ:
		return "xz"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	case Bzip2:
		return "bzip2"
	default:
		return "unknown"
	}
}

// Extension returns the conventional file suffix, including the dot.
func (f Format) Extension() string {
	switch f {
	case Gzip:
		return ".gz"
	case XZ:
		return ".xz"
	case Zstd:
		return ".zst"
	case LZ4:
		return ".lz4"
	case Bzip2:
		return ".bz2"
	default:
		return ""
	}
}

// ParseFormat parses a configuration name ("gzip", "zst", ...).
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gzip", "gz":
		return Gzip, nil
	case "none", "uncompressed":
		return None, nil
	case "xz":
		return XZ, nil
	case "zstd", "zst":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return None, errors.Newf("unknown compression %q", name)
	}
}

// Detect returns the format whose magic prefixes head, or None.
func Detect(head []byte) Format {
	for _, m := range magics {
		if bytes.HasPrefix(head, m.magic) {
			return m.format
		}
	}
	return None
}

// Peek returns the leading bytes of r without consuming them.
func Peek(r *bufio.Reader, n int) []byte {
	head, _ := r.Peek(n)
	return head
}

// NewReader detects the compression of r and returns a decompressing
// reader. Uncompressed input is passed through.
func NewReader(r io.Reader) (io.ReadCloser, Format, error) {
	br := bufio.NewReader(r)
	format := Detect(Peek(br, MagicLen))
	rc, err := NewFormatReader(br, format)
	return rc, format, err
}

// NewFormatReader returns a reader decompressing format from r.
func NewFormatReader(r io.Reader, format Format) (io.ReadCloser, error) {
	switch format {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		reader, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "gzip reader")
		}
		return reader, nil
	case XZ:
		reader, err := xz.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "xz reader")
		}
		return io.NopCloser(reader), nil
	case Zstd:
		reader, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "zstd reader")
		}
		return reader.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case Bzip2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	default:
		return nil, errors.Newf("unsupported compression %v", format)
	}
}

// Open opens path and returns a decompressed reader. Closing it closes the
// file as well.
func Open(path string) (io.ReadCloser, Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, None, errors.Wrapf(err, "open %s", path)
	}

	reader, format, err := NewReader(file)
	if err != nil {
		file.Close()
		return nil, format, err
	}

	return &fileReadCloser{reader: reader, file: file}, format, nil
}

// fileReadCloser closes both the decompressor and the underlying file.
type fileReadCloser struct {
	reader io.ReadCloser
	file   *os.File
}

func (r *fileReadCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *fileReadCloser) Close() error {
	r.reader.Close()
	return r.file.Close()
}

// NewWriter returns a writer compressing into w. Output is reproducible:
// no timestamps or names are embedded and encoders run single-threaded.
// Streams are written in the variants the kernel can unpack: xz with a
// CRC32 check and lz4 in the legacy format. Close flushes the compressor
// but does not close w.
func NewWriter(w io.Writer, format Format) (io.WriteCloser, error) {
	switch format {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		writer, err := gzip.NewWriterLevel(w, gzip.BestCompression)
		if err != nil {
			return nil, errors.Wrap(err, "gzip writer")
		}
		return writer, nil
	case XZ:
		writer, err := xz.WriterConfig{CheckSum: xz.CRC32}.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(err, "xz writer")
		}
		return writer, nil
	case Zstd:
		writer, err := zstd.NewWriter(w,
			zstd.WithEncoderConcurrency(1),
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return nil, errors.Wrap(err, "zstd writer")
		}
		return writer, nil
	case LZ4:
		writer := lz4.NewWriter(w)
		if err := writer.Apply(lz4.LegacyOption(true)); err != nil {
			return nil, errors.Wrap(err, "lz4 writer")
		}
		return writer, nil
	default:
		return nil, errors.Newf("compression %v is not supported for writing", format)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
