// Package source resolves package and base image references to files in
// the local cache.
package source

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mincraft/mincraft/internal/types"
)

// Kind is how a reference is fetched.
type Kind int

const (
	// Local is a path on this host, optionally as a file:// URL.
	Local Kind = iota
	// HTTP is an http:// or https:// URL.
	HTTP
	// OCI is a container image reference prefixed with oci://, flattened
	// into a root filesystem tarball.
	OCI
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case HTTP:
		return "http"
	case OCI:
		return "oci"
	default:
		return "unknown"
	}
}

// OCIPrefix marks container image references.
const OCIPrefix = "oci://"

// Detect returns the kind of ref and the location to fetch from: a path,
// a URL or an image reference without the oci:// prefix.
func Detect(ref string) (Kind, string, error) {
	switch {
	case strings.HasPrefix(ref, OCIPrefix):
		image := strings.TrimPrefix(ref, OCIPrefix)
		if image == "" {
			return 0, "", errors.Mark(errors.Newf("empty image reference %q", ref), types.ErrConfig)
		}
		return OCI, image, nil
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		if _, err := url.Parse(ref); err != nil {
			return 0, "", errors.Mark(errors.Wrapf(err, "invalid URL %q", ref), types.ErrConfig)
		}
		return HTTP, ref, nil
	case strings.HasPrefix(ref, "file://"):
		u, err := url.Parse(ref)
		if err != nil {
			return 0, "", errors.Mark(errors.Wrapf(err, "invalid URL %q", ref), types.ErrConfig)
		}
		return Local, u.Path, nil
	case strings.Contains(ref, "://"):
		return 0, "", errors.Mark(errors.Newf("unsupported scheme in %q", ref), types.ErrConfig)
	default:
		return Local, ref, nil
	}
}

// CacheName returns the file name ref is cached under.
func CacheName(ref string) (string, error) {
	kind, loc, err := Detect(ref)
	if err != nil {
		return "", err
	}
	var name string
	switch kind {
	case HTTP:
		u, _ := url.Parse(loc)
		name = path.Base(u.Path)
	case OCI:
		name = sanitize(loc) + ".tar"
	default:
		name = filepath.Base(loc)
	}
	if name == "" || name == "." || name == "/" {
		return "", errors.Mark(errors.Newf("cannot derive a file name from %q", ref), types.ErrConfig)
	}
	return name, nil
}

// PackageName derives a package identifier from a reference: the file
// name without a .deb suffix.
func PackageName(ref string) (string, error) {
	name, err := CacheName(ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(name, ".deb"), nil
}

// sanitize maps an image reference to a file name component.
func sanitize(ref string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, ref)
}
