package layer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mincraft/mincraft/internal/archive"
	"github.com/mincraft/mincraft/internal/fsutil"
	"github.com/mincraft/mincraft/internal/types"
)

// SourceKind is how a layer source becomes a directory.
type SourceKind int

const (
	// Tarball is a (compressed) root filesystem tarball.
	Tarball SourceKind = iota
	// Deb is a Debian binary package.
	Deb
	// Directory is used in place.
	Directory
)

// Source is an unprepared layer.
type Source struct {
	Name string
	Kind SourceKind
	Path string
	// ID identifies the source content. When set it names the layer
	// directory, so a changed input is never served from a stale layer.
	ID string
}

// Prepare turns sources into layer directories under layersDir. Archives
// are extracted concurrently by at most workers goroutines, each into its
// own directory; the returned layers keep the order of sources. A layer
// directory that already exists is reused, since it is only renamed into
// place after a complete extraction.
func Prepare(ctx context.Context, sources []Source, layersDir string, workers int) ([]Layer, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if err := os.MkdirAll(layersDir, 0o755); err != nil {
		return nil, types.IOError(err, "create %s", layersDir)
	}

	layers := make([]Layer, len(sources))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, src := range sources {
		if src.Kind == Directory {
			layers[i] = Layer{Name: src.Name, Dir: src.Path}
			continue
		}

		dir := filepath.Join(layersDir, layerDirName(i, src))
		layers[i] = Layer{Name: src.Name, Dir: dir}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return prepareOne(src, dir)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return layers, nil
}

func prepareOne(src Source, dir string) error {
	logger := log.WithFields(log.Fields{"layer": src.Name, "path": src.Path})
	if _, err := os.Stat(dir); err == nil {
		logger.Debug("layer already extracted")
		return nil
	}

	tmp := dir + ".tmp"
	if err := fsutil.RemoveAll(tmp); err != nil {
		return types.IOError(err, "clean %s", tmp)
	}

	logger.Info("extracting layer")
	var err error
	switch src.Kind {
	case Deb:
		var info *archive.DebInfo
		info, err = archive.ExtractDeb(src.Path, tmp)
		if err == nil {
			logger.WithFields(log.Fields{"package": info.Package, "version": info.Version}).Debug("extracted package")
		}
	case Tarball:
		err = archive.ExtractTarball(src.Path, tmp)
	default:
		err = errors.Newf("unknown source kind %d", src.Kind)
	}
	if err != nil {
		_ = fsutil.RemoveAll(tmp)
		return errors.Wrapf(err, "prepare layer %s", src.Name)
	}

	if err := os.Rename(tmp, dir); err != nil {
		return types.IOError(err, "publish layer %s", src.Name)
	}
	return nil
}

// layerDirName names a layer directory after its position and either the
// source ID or the source file name.
func layerDirName(i int, src Source) string {
	if src.ID != "" {
		return strconv.Itoa(i) + "-" + src.ID
	}
	base := filepath.Base(src.Path)
	for _, ext := range []string{".deb", ".tgz", ".tar.gz", ".tar.xz", ".tar.zst", ".tar.bz2", ".tar"} {
		base = strings.TrimSuffix(base, ext)
	}
	return strconv.Itoa(i) + "-" + base
}
