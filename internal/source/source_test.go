package source

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"

	"github.com/mincraft/mincraft/internal/types"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		kind    Kind
		loc     string
		wantErr bool
	}{
		{"https url", "https://example.com/pool/systemd_255_arm64.deb", HTTP, "https://example.com/pool/systemd_255_arm64.deb", false},
		{"http url", "http://example.com/base.tar.gz", HTTP, "http://example.com/base.tar.gz", false},
		{"relative path", "debs/local.deb", Local, "debs/local.deb", false},
		{"file url", "file:///srv/base.tar.xz", Local, "/srv/base.tar.xz", false},
		{"oci reference", "oci://docker.io/library/ubuntu:24.04", OCI, "docker.io/library/ubuntu:24.04", false},
		{"empty oci", "oci://", 0, "", true},
		{"unknown scheme", "ftp://example.com/base.tar", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, loc, err := Detect(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Detect(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, types.ErrConfig) {
					t.Errorf("error %v is not ErrConfig", err)
				}
				return
			}
			if kind != tt.kind || loc != tt.loc {
				t.Errorf("Detect(%q) = %v, %q, want %v, %q", tt.input, kind, loc, tt.kind, tt.loc)
			}
		})
	}
}

func TestCacheName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://example.com/pool/main/s/systemd/systemd_255.4_arm64.deb?x=1", "systemd_255.4_arm64.deb"},
		{"/srv/debs/busybox.deb", "busybox.deb"},
		{"oci://ghcr.io/org/base:v1", "ghcr.io_org_base_v1.tar"},
	}
	for _, tt := range tests {
		got, err := CacheName(tt.input)
		if err != nil {
			t.Fatalf("CacheName(%q) error: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("CacheName(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}

	name, err := PackageName("https://example.com/busybox-static_1.36_arm64.deb")
	if err != nil {
		t.Fatalf("PackageName error: %v", err)
	}
	if name != "busybox-static_1.36_arm64" {
		t.Errorf("PackageName = %q", name)
	}
}

func TestProgressReader(t *testing.T) {
	content := "Hello, World!"

	var totalRead int64
	pr := &progressReader{
		reader: strings.NewReader(content),
		total:  int64(len(content)),
		onProgress: func(current, total int64) {
			atomic.StoreInt64(&totalRead, current)
		},
	}

	data, err := io.ReadAll(pr)
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if string(data) != content {
		t.Errorf("Content mismatch: got %q, want %q", string(data), content)
	}
	if totalRead != int64(len(content)) {
		t.Errorf("Progress not reported correctly: got %d, want %d", totalRead, len(content))
	}
}

func TestDownloadToFile(t *testing.T) {
	testContent := strings.Repeat("x", 1000)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte(testContent))
	}))
	defer ts.Close()

	tmpPath := filepath.Join(t.TempDir(), "download")

	var progressCalled int64
	err := DownloadToFile(context.Background(), nil, ts.URL, tmpPath, func(current, total int64) {
		atomic.AddInt64(&progressCalled, 1)
	})
	if err != nil {
		t.Fatalf("DownloadToFile error: %v", err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		t.Fatalf("Failed to read downloaded file: %v", err)
	}
	if string(data) != testContent {
		t.Errorf("Downloaded content mismatch")
	}
	if progressCalled == 0 {
		t.Error("Progress callback was never called")
	}
}

func TestDownloadToFile_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	err := DownloadToFile(context.Background(), nil, ts.URL, filepath.Join(t.TempDir(), "download"), nil)
	if err == nil {
		t.Fatal("Expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("Error should mention 404: %v", err)
	}
}

func TestDownloadToFile_HTMLErrorPage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html>mirror maintenance</html>"))
	}))
	defer ts.Close()

	err := DownloadToFile(context.Background(), nil, ts.URL, filepath.Join(t.TempDir(), "download"), nil)
	if err == nil || !strings.Contains(err.Error(), "Content-Type") {
		t.Errorf("DownloadToFile error = %v, want Content-Type error", err)
	}
}

func TestDownloadToFile_ContextCanceled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := DownloadToFile(ctx, nil, ts.URL, filepath.Join(t.TempDir(), "download"), nil)
	if err == nil {
		t.Error("Expected error for canceled context")
	}
}

func sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func TestFetch_HTTP(t *testing.T) {
	const content = "!<arch>\nfake deb"
	var requests int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		w.Write([]byte(content))
	}))
	defer ts.Close()

	f := &Fetcher{Dir: filepath.Join(t.TempDir(), "packages")}
	spec := &types.PackageSpec{
		Name:     "hello",
		URL:      ts.URL + "/pool/hello_1.0_arm64.deb",
		Checksum: "sha256:" + sha256Hex(content),
	}

	for range 2 {
		p, err := f.Fetch(context.Background(), spec)
		if err != nil {
			t.Fatalf("Fetch error: %v", err)
		}
		if p != filepath.Join(f.Dir, "hello_1.0_arm64.deb") || spec.CachedPath != p {
			t.Errorf("Fetch path = %q, CachedPath = %q", p, spec.CachedPath)
		}
		data, _ := os.ReadFile(p)
		if string(data) != content {
			t.Errorf("cached content = %q", data)
		}
	}
	if requests != 1 {
		t.Errorf("server saw %d requests, want 1", requests)
	}

	entries, _ := os.ReadDir(f.Dir)
	if len(entries) != 1 {
		t.Errorf("cache holds %d entries, want 1 (no temp files)", len(entries))
	}
}

func TestFetch_ChecksumMismatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered"))
	}))
	defer ts.Close()

	f := &Fetcher{Dir: t.TempDir()}
	spec := &types.PackageSpec{
		Name:     "hello",
		URL:      ts.URL + "/hello.deb",
		Checksum: sha256Hex("original"),
	}

	_, err := f.Fetch(context.Background(), spec)
	if !errors.Is(err, types.ErrFetch) {
		t.Fatalf("Fetch error = %v, want ErrFetch", err)
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("error should describe the mismatch: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.Dir, "hello.deb")); !os.IsNotExist(err) {
		t.Error("a mismatching download must not be cached")
	}
}

func TestFetch_StaleCacheRefetched(t *testing.T) {
	const content = "fresh"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer ts.Close()

	f := &Fetcher{Dir: t.TempDir()}
	if err := os.WriteFile(filepath.Join(f.Dir, "pkg.deb"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := f.Fetch(context.Background(), &types.PackageSpec{
		Name: "pkg", URL: ts.URL + "/pkg.deb", Checksum: sha256Hex(content),
	})
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	data, _ := os.ReadFile(p)
	if string(data) != content {
		t.Errorf("content = %q, want %q", data, content)
	}
}

func TestFetch_Local(t *testing.T) {
	src := filepath.Join(t.TempDir(), "base.tar.gz")
	if err := os.WriteFile(src, []byte("tarball"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := &Fetcher{Dir: t.TempDir()}
	p, err := f.Fetch(context.Background(), &types.PackageSpec{Name: "base", URL: src})
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	data, _ := os.ReadFile(p)
	if string(data) != "tarball" {
		t.Errorf("content = %q", data)
	}

	_, err = f.Fetch(context.Background(), &types.PackageSpec{Name: "gone", URL: "/nonexistent/gone.deb"})
	if !errors.Is(err, types.ErrFetch) {
		t.Errorf("Fetch error = %v, want ErrFetch", err)
	}
}

func TestFetch_BadChecksum(t *testing.T) {
	f := &Fetcher{Dir: t.TempDir()}
	_, err := f.Fetch(context.Background(), &types.PackageSpec{Name: "x", URL: "/x.deb", Checksum: "md5:abc"})
	if !errors.Is(err, types.ErrFetch) {
		t.Errorf("Fetch error = %v, want ErrFetch", err)
	}
}

func TestFetch_OCI(t *testing.T) {
	ts := httptest.NewServer(registry.New())
	defer ts.Close()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}

	img, err := random.Image(1024, 2)
	if err != nil {
		t.Fatalf("random.Image error: %v", err)
	}
	ref := u.Host + "/minos/base:latest"
	if err := crane.Push(img, ref, crane.Insecure); err != nil {
		t.Fatalf("Push error: %v", err)
	}

	f := &Fetcher{Dir: t.TempDir(), OCIOptions: []crane.Option{crane.Insecure}}
	p, err := f.Fetch(context.Background(), &types.PackageSpec{Name: "base", URL: OCIPrefix + ref})
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if !strings.HasSuffix(p, ".tar") {
		t.Errorf("cached path %q should be a tarball", p)
	}

	file, err := os.Open(p)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	count := 0
	tr := tar.NewReader(file)
	for {
		_, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read exported tar: %v", err)
		}
		count++
	}
	if count == 0 {
		t.Error("exported filesystem is empty")
	}
}
