package source

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

// downloadTimeout bounds a single download.
const downloadTimeout = 30 * time.Minute

// ProgressFunc is called during download to report progress.
type ProgressFunc func(current, total int64)

// progressReader wraps an io.Reader and reports progress.
type progressReader struct {
	reader     io.Reader
	total      int64
	current    int64
	onProgress ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		if pr.onProgress != nil {
			pr.onProgress(pr.current, pr.total)
		}
	}
	return n, err
}

// DownloadToFile downloads url into destPath with optional progress
// reporting. destPath is created or truncated.
func DownloadToFile(ctx context.Context, client *http.Client, url, destPath string, onProgress ProgressFunc) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return errors.Wrap(err, "create request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "download %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("download %s: HTTP %d %s", url, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	// Mirrors sometimes answer with an HTML error page and status 200.
	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/html") {
		return errors.Newf("download %s: unexpected Content-Type %s", url, contentType)
	}

	file, err := os.Create(destPath)
	if err != nil {
		return errors.Wrapf(err, "create file %s", destPath)
	}
	defer file.Close()

	var reader io.Reader = resp.Body
	if onProgress != nil {
		reader = &progressReader{
			reader:     resp.Body,
			total:      resp.ContentLength,
			onProgress: onProgress,
		}
	}

	if _, err := io.Copy(file, reader); err != nil {
		return errors.Wrapf(err, "write file %s", destPath)
	}
	return errors.Wrapf(file.Sync(), "sync %s", destPath)
}

// logProgress returns a ProgressFunc that logs every step percent of a
// download of known size, or every step MiB otherwise.
func logProgress(name string, step int64) ProgressFunc {
	var next int64
	return func(current, total int64) {
		var mark int64
		if total > 0 {
			mark = current * 100 / total
		} else {
			mark = current >> 20
		}
		if mark < next {
			return
		}
		next = mark + step
		log.WithFields(log.Fields{
			"package": name,
			"bytes":   current,
			"total":   total,
		}).Info("fetch: downloading")
	}
}
