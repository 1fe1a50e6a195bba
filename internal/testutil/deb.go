package testutil

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"time"

	"github.com/blakesmith/ar"

	"github.com/mincraft/mincraft/internal/codec"
)

// TarEntry is one member of a test archive. Type defaults to a regular
// file, or a directory when Name ends in "/".
type TarEntry struct {
	Name     string
	Type     byte
	Mode     int64
	Body     string
	Linkname string
	ModTime  time.Time
}

// Dir, File and Symlink build common entries.
func Dir(name string, mode int64) TarEntry {
	return TarEntry{Name: name, Type: tar.TypeDir, Mode: mode}
}

func File(name, body string, mode int64) TarEntry {
	return TarEntry{Name: name, Type: tar.TypeReg, Mode: mode, Body: body}
}

func Symlink(name, target string) TarEntry {
	return TarEntry{Name: name, Type: tar.TypeSymlink, Mode: 0o777, Linkname: target}
}

// WriteTar writes entries as an uncompressed tar stream.
func WriteTar(w io.Writer, entries []TarEntry) error {
	tw := tar.NewWriter(w)
	for _, e := range entries {
		typ := e.Type
		if typ == 0 {
			typ = tar.TypeReg
			if len(e.Name) > 0 && e.Name[len(e.Name)-1] == '/' {
				typ = tar.TypeDir
			}
		}
		mode := e.Mode
		if mode == 0 {
			mode = 0o644
			if typ == tar.TypeDir {
				mode = 0o755
			}
		}
		mtime := e.ModTime
		if mtime.IsZero() {
			mtime = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
		}
		hdr := &tar.Header{
			Name:     e.Name,
			Typeflag: typ,
			Mode:     mode,
			Linkname: e.Linkname,
			ModTime:  mtime,
		}
		if typ == tar.TypeReg {
			hdr.Size = int64(len(e.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if typ == tar.TypeReg {
			if _, err := io.WriteString(tw, e.Body); err != nil {
				return err
			}
		}
	}
	return tw.Close()
}

// CompressedTar returns entries as a tar stream compressed with format.
func CompressedTar(entries []TarEntry, format codec.Format) ([]byte, error) {
	var buf bytes.Buffer
	w, err := codec.NewWriter(&buf, format)
	if err != nil {
		return nil, err
	}
	if err := WriteTar(w, entries); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CreateTarball writes a compressed tarball to path.
func CreateTarball(path string, entries []TarEntry, format codec.Format) error {
	data, err := CompressedTar(entries, format)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// DebMember is a raw ar member of a test package.
type DebMember struct {
	Name string
	Data []byte
}

// CreateDeb writes a .deb to path whose control file is control and whose
// data.tar payload holds entries compressed with format.
func CreateDeb(path, control string, entries []TarEntry, format codec.Format) error {
	controlTar, err := CompressedTar([]TarEntry{
		Dir("./", 0o755),
		File("./control", control, 0o644),
	}, codec.Gzip)
	if err != nil {
		return err
	}
	dataTar, err := CompressedTar(entries, format)
	if err != nil {
		return err
	}
	return CreateArchive(path, []DebMember{
		{Name: "debian-binary", Data: []byte("2.0\n")},
		{Name: "control.tar.gz", Data: controlTar},
		{Name: "data.tar" + format.Extension(), Data: dataTar},
	})
}

// CreateArchive writes members into an ar container at path.
func CreateArchive(path string, members []DebMember) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := ar.NewWriter(f)
	if err := w.WriteGlobalHeader(); err != nil {
		return err
	}
	for _, m := range members {
		hdr := &ar.Header{
			Name:    m.Name,
			ModTime: time.Unix(1700000000, 0),
			Mode:    0o644,
			Size:    int64(len(m.Data)),
		}
		if err := w.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := w.Write(m.Data); err != nil {
			return err
		}
	}
	return f.Close()
}
