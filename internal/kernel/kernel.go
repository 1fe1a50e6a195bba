// Package kernel normalizes kernel images for embedding in a UEFI stub.
package kernel

import (
	"bytes"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"github.com/mincraft/mincraft/internal/codec"
	"github.com/mincraft/mincraft/internal/types"
)

// Format is the detected layout of a kernel image.
type Format string

const (
	FormatPE    Format = "pe"
	FormatARM64 Format = "arm64-image"
	FormatELF   Format = "elf"
)

const arm64MagicOffset = 0x38

// detectRaw recognizes uncompressed kernel images.
func detectRaw(data []byte) (Format, bool) {
	switch {
	case bytes.HasPrefix(data, []byte("MZ")):
		return FormatPE, true
	case len(data) >= arm64MagicOffset+4 && string(data[arm64MagicOffset:arm64MagicOffset+4]) == "ARM\x64":
		return FormatARM64, true
	case bytes.HasPrefix(data, []byte("\x7fELF")):
		return FormatELF, true
	default:
		return "", false
	}
}

// Decompress returns the uncompressed kernel image. Compression is detected
// from the magic bytes; uncompressed PE, ARM64 Image and ELF kernels pass
// through unchanged. Anything else fails with ErrUnsupportedKernelFormat.
func Decompress(data []byte) ([]byte, error) {
	if format, ok := detectRaw(data); ok {
		log.WithField("format", format).Debug("kernel is not compressed")
		return data, nil
	}

	compression := codec.Detect(data)
	if compression == codec.None {
		head := data[:min(len(data), 8)]
		return nil, errors.Mark(errors.Newf("unrecognized kernel magic %x", head), types.ErrUnsupportedKernelFormat)
	}

	r, err := codec.NewFormatReader(bytes.NewReader(data), compression)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "open %v kernel", compression), types.ErrUnsupportedKernelFormat)
	}
	defer r.Close()
	// Distribution kernels are often padded after the compressed stream.
	if gz, ok := r.(*gzip.Reader); ok {
		gz.Multistream(false)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "decompress %v kernel", compression), types.ErrUnsupportedKernelFormat)
	}

	format, ok := detectRaw(out)
	log.WithFields(log.Fields{
		"compression": compression,
		"format":      format,
		"recognized":  ok,
		"size":        len(out),
	}).Debug("decompressed kernel")
	return out, nil
}

// DecompressFile reads and decompresses the kernel at path.
func DecompressFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Mark(errors.Wrapf(err, "read kernel"), types.ErrMissingInput)
		}
		return nil, types.IOError(err, "read kernel %s", path)
	}
	out, err := Decompress(data)
	if err != nil {
		return nil, errors.Wrapf(err, "kernel %s", path)
	}
	return out, nil
}
