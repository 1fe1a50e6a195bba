package esp

import (
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/diskfs/go-diskfs"
	diskType "github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mincraft/mincraft/internal/types"
)

const (
	// VolumeLabel is the FAT volume label of the packed partition.
	VolumeLabel = "ESP"

	sectorSize     = 512
	firstLBA       = 2048
	backupGPTLBAs  = 34
	mib            = 1 << 20
	fatOverheadMiB = 8
)

// The disk and partition GUIDs are derived from fixed names, so repeated
// packs describe the same disk.
//
//nolint:gochecknoglobals
var (
	diskGUID      = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mincraft:esp-disk"))
	partitionGUID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mincraft:esp-partition"))
)

// PackImage writes a raw disk image with a GPT table holding a single EFI
// system partition, formatted FAT32 and filled with the tree at dir. The
// image is built next to image and renamed over it on success.
func PackImage(dir, image string, sizeMiB int64) error {
	files, total, err := collect(dir)
	if err != nil {
		return err
	}
	if total+fatOverheadMiB*mib > sizeMiB*mib {
		return errors.Mark(
			errors.Newf("esp image of %d MiB cannot hold %d bytes of content", sizeMiB, total),
			types.ErrConfig)
	}

	tmp := image + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return types.IOError(err, "remove stale %s", tmp)
	}
	defer os.Remove(tmp)

	if err := writeImage(dir, tmp, sizeMiB, files); err != nil {
		return types.IOError(err, "pack %s", image)
	}
	if err := os.Rename(tmp, image); err != nil {
		return types.IOError(err, "rename into %s", image)
	}

	log.WithFields(log.Fields{
		"path":  image,
		"files": len(files),
		"bytes": total,
	}).Info("esp: packed image")
	return nil
}

// collect lists the slash-separated paths under dir in walk order and sums
// the size of its regular files.
func collect(dir string) ([]string, int64, error) {
	var (
		paths []string
		total int64
	)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		default:
			log.WithField("path", rel).Warn("esp: skipping non-regular file")
			return nil
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, errors.Mark(errors.Wrapf(err, "read %s", dir), types.ErrMissingInput)
		}
		return nil, 0, types.IOError(err, "read %s", dir)
	}
	return paths, total, nil
}

func writeImage(dir, image string, sizeMiB int64, paths []string) error {
	size := sizeMiB * mib
	d, err := diskfs.Create(image, size, diskfs.SectorSizeDefault)
	if err != nil {
		return errors.Wrap(err, "create disk")
	}
	defer d.Close()

	table := &gpt.Table{
		ProtectiveMBR: true,
		GUID:          strings.ToUpper(diskGUID.String()),
		Partitions: []*gpt.Partition{
			{
				Start: firstLBA,
				End:   uint64(size/sectorSize) - backupGPTLBAs,
				Type:  gpt.EFISystemPartition,
				Name:  "EFI system partition",
				GUID:  strings.ToUpper(partitionGUID.String()),
			},
		},
	}
	if err := d.Partition(table); err != nil {
		return errors.Wrap(err, "write partition table")
	}

	fat, err := d.CreateFilesystem(diskType.FilesystemSpec{
		Partition:   1,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: VolumeLabel,
	})
	if err != nil {
		return errors.Wrap(err, "create FAT32 filesystem")
	}

	for _, rel := range paths {
		src := filepath.Join(dir, filepath.FromSlash(rel))
		info, err := os.Stat(src)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := fat.Mkdir("/" + rel); err != nil {
				return errors.Wrapf(err, "mkdir %s", rel)
			}
			continue
		}
		if err := copyIn(fat, src, "/"+rel); err != nil {
			return err
		}
	}
	return nil
}

func copyIn(fat filesystem.FileSystem, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fat.OpenFile(dst, os.O_CREATE|os.O_RDWR)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "write %s", dst)
	}
	return errors.Wrapf(out.Close(), "close %s", dst)
}

// openPartition opens image read-only and returns its EFI system partition
// filesystem. The returned disk must be closed by the caller.
func openPartition(image string) (*diskType.Disk, filesystem.FileSystem, error) {
	d, err := diskfs.Open(image, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, nil, types.IOError(err, "open disk image %s", image)
	}

	num, err := findEFIPartition(d)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	fat, err := d.GetFilesystem(num)
	if err != nil {
		d.Close()
		return nil, nil, types.IOError(err, "open EFI filesystem of %s", image)
	}
	return d, fat, nil
}

func findEFIPartition(d *diskType.Disk) (int, error) {
	table, err := d.GetPartitionTable()
	if err != nil {
		return 0, types.IOError(err, "read partition table")
	}
	gptTable, ok := table.(*gpt.Table)
	if !ok {
		return 0, errors.Mark(errors.New("disk does not have a GPT partition table"), types.ErrMissingInput)
	}
	for i, part := range gptTable.Partitions {
		if part != nil && part.Type == gpt.EFISystemPartition {
			return i + 1, nil
		}
	}
	return 0, errors.Mark(errors.New("EFI system partition not found"), types.ErrMissingInput)
}

// ListImage returns the slash-separated paths of all files and directories
// in the EFI system partition of image, sorted.
func ListImage(image string) ([]string, error) {
	d, fat, err := openPartition(image)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	var paths []string
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := fat.ReadDir(dir)
		if err != nil {
			return errors.Wrapf(err, "list %s", dir)
		}
		for _, e := range entries {
			if e.Name() == "." || e.Name() == ".." {
				continue
			}
			p := path.Join(dir, e.Name())
			paths = append(paths, strings.TrimPrefix(p, "/"))
			if e.IsDir() {
				if err := walk(p); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk("/"); err != nil {
		return nil, types.IOError(err, "read %s", image)
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadImageFile returns the content of the ESP-relative path rel inside
// image.
func ReadImageFile(image, rel string) ([]byte, error) {
	d, fat, err := openPartition(image)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	f, err := fat.OpenFile("/"+strings.TrimPrefix(rel, "/"), os.O_RDONLY)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "open %s in %s", rel, image), types.ErrMissingInput)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, types.IOError(err, "read %s in %s", rel, image)
	}
	return data, nil
}
