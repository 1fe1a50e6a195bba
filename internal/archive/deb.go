// Package archive unpacks Debian packages and root filesystem tarballs.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"pault.ag/go/debian/control"

	"github.com/mincraft/mincraft/internal/codec"
	"github.com/mincraft/mincraft/internal/types"
)

const arMagic = "!<arch>\n"

// DebInfo is the metadata read from a package's control file.
type DebInfo struct {
	Package      string
	Version      string
	Architecture string
	// Members lists the ar members in archive order.
	Members []string
}

// ExtractDeb extracts the data payload of the .deb at debPath into dest
// and returns its control metadata.
func ExtractDeb(debPath, dest string) (*DebInfo, error) {
	return readDeb(debPath, dest)
}

// ReadDebInfo returns the control metadata of the .deb at debPath without
// extracting its payload.
func ReadDebInfo(debPath string) (*DebInfo, error) {
	return readDeb(debPath, "")
}

// readDeb walks the ar members of debPath. The data member is extracted
// into dest unless dest is empty.
//
//nolint:cyclop
func readDeb(debPath, dest string) (*DebInfo, error) {
	f, err := os.Open(debPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Mark(errors.Wrapf(err, "open %s", debPath), types.ErrMissingInput)
		}
		return nil, types.IOError(err, "open %s", debPath)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if magic, _ := br.Peek(len(arMagic)); string(magic) != arMagic {
		return nil, corrupt(debPath, "", errors.New("missing ar magic"))
	}

	info := &DebInfo{}
	extracted := false
	reader := ar.NewReader(br)
	for {
		hdr, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, corrupt(debPath, "", errors.Wrap(err, "read ar header"))
		}

		member := strings.TrimRight(strings.TrimSpace(hdr.Name), "/")
		info.Members = append(info.Members, member)
		logger := log.WithFields(log.Fields{"package": filepath.Base(debPath), "member": member})

		switch {
		case strings.HasPrefix(member, "control.tar"):
			if err := readControl(reader, info); err != nil {
				return nil, corrupt(debPath, member, err)
			}
		case strings.HasPrefix(member, "data.tar") && dest == "":
			extracted = true
		case strings.HasPrefix(member, "data.tar"):
			logger.Debug("extracting data member")
			if err := extractData(reader, dest, debPath+":"+member); err != nil {
				if types.Kind(err) == nil {
					return nil, corrupt(debPath, member, err)
				}
				return nil, err
			}
			extracted = true
		default:
			logger.Debug("skipping ar member")
		}
	}

	if !extracted {
		return nil, corrupt(debPath, "", errors.New("no data.tar member"))
	}
	if info.Package == "" {
		info.Package = strings.TrimSuffix(filepath.Base(debPath), ".deb")
	}
	return info, nil
}

func corrupt(debPath, member string, err error) error {
	if member != "" {
		err = errors.Wrapf(err, "member %s", member)
	}
	return errors.Mark(errors.Wrapf(err, "package %s", debPath), types.ErrCorruptArchive)
}

func extractData(r io.Reader, dest, name string) error {
	dr, _, err := codec.NewReader(r)
	if err != nil {
		return err
	}
	defer dr.Close()
	return ExtractTar(dr, dest, name)
}

// readControl finds the control file in a control.tar member and parses it.
func readControl(r io.Reader, info *DebInfo) error {
	cr, _, err := codec.NewReader(r)
	if err != nil {
		return err
	}
	defer cr.Close()

	tr := tar.NewReader(cr)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return errors.New("control file not found")
		}
		if err != nil {
			return errors.Wrap(err, "read control tar")
		}
		if filepath.Base(h.Name) != "control" || h.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return errors.Wrap(err, "read control file")
		}
		return parseControl(data, info)
	}
}

// parseControl reads the identifying fields of a control paragraph.
func parseControl(data []byte, info *DebInfo) error {
	reader, err := control.NewParagraphReader(bytes.NewReader(data), nil)
	if err != nil {
		return errors.Wrap(err, "parse control file")
	}
	para, err := reader.Next()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "parse control file")
	}
	info.Package = para.Values["Package"]
	info.Version = para.Values["Version"]
	info.Architecture = para.Values["Architecture"]
	return nil
}
