package source

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/go-containerregistry/pkg/crane"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	log "github.com/sirupsen/logrus"

	"github.com/mincraft/mincraft/internal/fsutil"
	"github.com/mincraft/mincraft/internal/types"
)

// Fetcher downloads, copies or exports references into Dir. A file
// already in Dir is reused as long as it matches the expected checksum.
type Fetcher struct {
	Dir string
	// Client is used for HTTP downloads; nil means http.DefaultClient.
	Client *http.Client
	// OCIOptions are passed to every registry operation.
	OCIOptions []crane.Option
}

// Fetch resolves spec to a file in the cache and records it in
// spec.CachedPath. All failures are marked ErrFetch.
func (f *Fetcher) Fetch(ctx context.Context, spec *types.PackageSpec) (string, error) {
	p, err := f.fetch(ctx, spec)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "fetch %s", spec.Name), types.ErrFetch)
	}
	spec.CachedPath = p
	return p, nil
}

func (f *Fetcher) fetch(ctx context.Context, spec *types.PackageSpec) (string, error) {
	kind, loc, err := Detect(spec.URL)
	if err != nil {
		return "", err
	}
	name, err := CacheName(spec.URL)
	if err != nil {
		return "", err
	}
	var want v1.Hash
	if spec.Checksum != "" {
		if want, err = ParseChecksum(spec.Checksum); err != nil {
			return "", err
		}
	}

	dest := filepath.Join(f.Dir, name)
	logger := log.WithFields(log.Fields{"package": spec.Name, "path": dest})

	if _, err := os.Stat(dest); err == nil {
		if spec.Checksum == "" {
			logger.Debug("fetch: cached")
			return dest, nil
		}
		if verr := verify(dest, want); verr == nil {
			logger.Debug("fetch: cached, checksum verified")
			return dest, nil
		}
		logger.Warn("fetch: cached file does not match checksum, fetching again")
	}

	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", types.IOError(err, "create %s", f.Dir)
	}
	tmp, err := os.CreateTemp(f.Dir, "."+name+".tmp-*")
	if err != nil {
		return "", types.IOError(err, "create temp for %s", name)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	switch kind {
	case HTTP:
		logger.WithField("url", loc).Info("fetch: downloading")
		ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
		defer cancel()
		err = DownloadToFile(ctx, f.Client, loc, tmpPath, logProgress(spec.Name, 25))
	case OCI:
		err = ExportImage(ctx, loc, tmpPath, f.OCIOptions...)
	default:
		logger.WithField("source", loc).Info("fetch: copying")
		err = fsutil.CopyFile(loc, tmpPath, 0o644)
	}
	if err != nil {
		return "", err
	}

	if spec.Checksum != "" {
		if err := verify(tmpPath, want); err != nil {
			return "", err
		}
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", types.IOError(err, "rename into %s", dest)
	}
	logger.Info("fetch: stored")
	return dest, nil
}

// ParseChecksum parses "sha256:<hex>" or a bare sha256 hex digest.
func ParseChecksum(s string) (v1.Hash, error) {
	if !strings.Contains(s, ":") {
		s = "sha256:" + s
	}
	h, err := v1.NewHash(strings.ToLower(s))
	if err != nil {
		return v1.Hash{}, errors.Mark(errors.Wrapf(err, "invalid checksum %q", s), types.ErrConfig)
	}
	if h.Algorithm != "sha256" {
		return v1.Hash{}, errors.Mark(errors.Newf("unsupported checksum algorithm %q", h.Algorithm), types.ErrConfig)
	}
	return h, nil
}

// FileDigest returns the sha256 digest of the file at path.
func FileDigest(path string) (v1.Hash, error) {
	file, err := os.Open(path)
	if err != nil {
		return v1.Hash{}, errors.Wrapf(err, "open %s", path)
	}
	defer file.Close()

	h, _, err := v1.SHA256(file)
	if err != nil {
		return v1.Hash{}, errors.Wrapf(err, "hash %s", path)
	}
	return h, nil
}

func verify(path string, want v1.Hash) error {
	got, err := FileDigest(path)
	if err != nil {
		return err
	}
	if got != want {
		return errors.Newf("checksum mismatch: got %s, want %s", got, want)
	}
	return nil
}
