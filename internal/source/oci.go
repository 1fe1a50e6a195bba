package source

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-containerregistry/pkg/crane"
	log "github.com/sirupsen/logrus"
)

// ociPullTimeout bounds pulling and flattening one image.
const ociPullTimeout = 30 * time.Minute

// ociTransport clones the default transport, keeping its proxy and
// keep-alive settings, and requires TLS 1.2.
func ociTransport() http.RoundTripper {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	return transport
}

// ExportImage pulls the image ref and writes its flattened filesystem as
// an uncompressed tarball to destPath. Whiteouts of upper layers are
// applied, so the result is the filesystem a container would see.
func ExportImage(ctx context.Context, ref, destPath string, opts ...crane.Option) error {
	ctx, cancel := context.WithTimeout(ctx, ociPullTimeout)
	defer cancel()

	opts = append([]crane.Option{crane.WithTransport(ociTransport()), crane.WithContext(ctx)}, opts...)
	img, err := crane.Pull(ref, opts...)
	if err != nil {
		return errors.Wrapf(err, "pull image %s", ref)
	}

	digest, err := img.Digest()
	if err != nil {
		return errors.Wrapf(err, "digest of %s", ref)
	}
	log.WithFields(log.Fields{"image": ref, "digest": digest.String()}).Info("fetch: exporting image")

	file, err := os.Create(destPath)
	if err != nil {
		return errors.Wrapf(err, "create file %s", destPath)
	}
	defer file.Close()

	if err := crane.Export(img, file); err != nil {
		return errors.Wrapf(err, "export image %s", ref)
	}
	return errors.Wrapf(file.Sync(), "sync %s", destPath)
}
