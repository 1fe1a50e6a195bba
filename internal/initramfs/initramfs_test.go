package initramfs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cavaliergopher/cpio"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mincraft/mincraft/internal/codec"
	"github.com/mincraft/mincraft/internal/fstree"
	"github.com/mincraft/mincraft/internal/types"
)

// makeRoot builds a small root filesystem on disk.
func makeRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	mk := func(p string, mode os.FileMode) {
		require.NoError(t, os.MkdirAll(filepath.Join(root, p), 0o755))
		require.NoError(t, os.Chmod(filepath.Join(root, p), mode))
	}
	write := func(p, content string, mode os.FileMode) {
		require.NoError(t, os.WriteFile(filepath.Join(root, p), []byte(content), 0o600))
		require.NoError(t, os.Chmod(filepath.Join(root, p), mode))
	}

	mk("etc", 0o755)
	mk("usr/bin", 0o755)
	mk("tmp", os.ModeSticky|0o777)
	write("etc/motd", "final\n", 0o644)
	write("etc/shadow", "root:*:19000::::::\n", 0o600)
	write("usr/bin/su", "su binary", os.ModeSetuid|0o755)
	write("usr/bin/init", "#!/bin/sh\nexec /bin/sh\n", 0o755)
	write("empty", "", 0o644)
	require.NoError(t, os.Symlink("usr/bin", filepath.Join(root, "bin")))
	require.NoError(t, os.Symlink("/proc/self/mounts", filepath.Join(root, "etc/mtab")))
	return root
}

func digest(t *testing.T, tree *fstree.Tree) string {
	t.Helper()
	d, err := tree.Digest()
	require.NoError(t, err)
	return d
}

func TestRoundTrip(t *testing.T) {
	for _, format := range []codec.Format{codec.Gzip, codec.Zstd, codec.XZ, codec.LZ4, codec.None} {
		t.Run(format.String(), func(t *testing.T) {
			root := makeRoot(t)
			tree, err := Scan(root)
			require.NoError(t, err)

			var buf bytes.Buffer
			res, err := Pack(tree, &buf, Options{Compression: format})
			require.NoError(t, err)
			assert.Equal(t, tree.Len(), res.Entries)
			assert.Empty(t, res.Skipped)
			assert.Equal(t, format, codec.Detect(buf.Bytes()))

			unpacked, err := Unpack(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)

			require.Equal(t, tree.Len(), unpacked.Len())
			for _, want := range tree.Entries() {
				got, ok := unpacked.Get(want.Path)
				require.True(t, ok, "missing %s", want.Path)
				assert.Equal(t, want.Kind, got.Kind, want.Path)
				assert.Equal(t, want.Mode, got.Mode, want.Path)
				assert.Equal(t, want.Target, got.Target, want.Path)
			}

			su, _ := unpacked.Get("usr/bin/su")
			assert.NotZero(t, su.Mode&os.ModeSetuid)
			tmp, _ := unpacked.Get("tmp")
			assert.NotZero(t, tmp.Mode&os.ModeSticky)
			link, _ := unpacked.Get("bin")
			assert.Equal(t, "usr/bin", link.Target)

			assert.Equal(t, digest(t, tree), digest(t, unpacked))
		})
	}
}

func TestPackIsReproducible(t *testing.T) {
	root := makeRoot(t)
	for _, format := range []codec.Format{codec.Gzip, codec.Zstd, codec.XZ, codec.LZ4} {
		t.Run(format.String(), func(t *testing.T) {
			var outputs [2][]byte
			for i := range outputs {
				tree, err := Scan(root)
				require.NoError(t, err)
				var buf bytes.Buffer
				_, err = Pack(tree, &buf, Options{Compression: format})
				require.NoError(t, err)
				outputs[i] = buf.Bytes()
			}
			assert.Equal(t, outputs[0], outputs[1])
		})
	}
}

func TestPackNormalizesHeaders(t *testing.T) {
	root := makeRoot(t)
	tree, err := Scan(root)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = Pack(tree, &buf, Options{Compression: codec.None})
	require.NoError(t, err)

	r := cpio.NewReader(bytes.NewReader(buf.Bytes()))
	var names []string
	var inode int64
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		inode++

		names = append(names, hdr.Name)
		assert.Equal(t, 0, hdr.Uid, hdr.Name)
		assert.Equal(t, 0, hdr.Guid, hdr.Name)
		assert.Equal(t, int64(0), hdr.ModTime.Unix(), hdr.Name)
		assert.Equal(t, inode, hdr.Inode, hdr.Name)
	}

	assert.Equal(t, []string{
		"bin", "empty", "etc", "etc/motd", "etc/mtab", "etc/shadow",
		"tmp", "usr", "usr/bin", "usr/bin/init", "usr/bin/su",
	}, names)
}

func unsupportedTree() *fstree.Tree {
	tree := fstree.New()
	tree.Add(fstree.NewDir("dev", 0o755))
	tree.Add(&fstree.Entry{Path: "dev/console", Kind: fstree.Other, Type: os.ModeDevice | os.ModeCharDevice | 0o600})
	tree.Add(&fstree.Entry{Path: "run/initctl", Kind: fstree.Other, Type: os.ModeNamedPipe | 0o600})
	tree.Add(fstree.NewFile("init", 0o755, []byte("#!/bin/sh\n")))
	return tree
}

func TestPack_RejectsUnsupported(t *testing.T) {
	var buf bytes.Buffer
	_, err := Pack(unsupportedTree(), &buf, Options{Compression: codec.Gzip})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrSerialization))
	assert.Contains(t, err.Error(), "dev/console")
	assert.Zero(t, buf.Len(), "nothing may be written before rejecting")
}

func TestPack_SkipUnsupported(t *testing.T) {
	var buf bytes.Buffer
	res, err := Pack(unsupportedTree(), &buf, Options{Compression: codec.Gzip, SkipUnsupported: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Entries)
	assert.Equal(t, []string{
		"dev/console: unsupported character device",
		"run/initctl: unsupported fifo",
	}, res.Skipped)

	unpacked, err := Unpack(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, unpacked.Len())
	_, ok := unpacked.Get("dev/console")
	assert.False(t, ok)
}

func TestPackDir(t *testing.T) {
	root := makeRoot(t)
	out := filepath.Join(t.TempDir(), "cache", "initrd.gz")

	_, err := PackDir(root, out, Options{Compression: codec.Gzip})
	require.NoError(t, err)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()

	tree, err := Unpack(f)
	require.NoError(t, err)
	motd, ok := tree.Get("etc/motd")
	require.True(t, ok)
	rc, err := motd.Open()
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "final\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestUnpack_Garbage(t *testing.T) {
	_, err := Unpack(bytes.NewReader([]byte("definitely not a cpio archive, not even close")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrSerialization))
}
