package image

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *storage.BoltStore) {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	layersDir := filepath.Join(dir, "layers")
	c := NewCache(s, layersDir)
	t.Cleanup(c.Close)
	return c, s
}

func writeTestImage(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, "image.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return path
}

func TestAcquireExtractsOnce(t *testing.T) {
	c, _ := newTestCache(t)
	dir := t.TempDir()
	image := writeTestImage(t, dir, map[string]string{"hello.txt": "hello"})

	layer, err := c.Acquire(context.Background(), image)
	require.NoError(t, err)
	assert.Equal(t, types.LayerReady, layer.State)

	data, err := os.ReadFile(filepath.Join(layer.ExtractedPath, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestAcquireIsIdempotentAndShared(t *testing.T) {
	c, s := newTestCache(t)
	dir := t.TempDir()
	image := writeTestImage(t, dir, map[string]string{"a.txt": "a"})

	const n = 10
	var wg sync.WaitGroup
	layers := make([]*types.ImageLayer, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			layers[i], errs[i] = c.Acquire(context.Background(), image)
		}(i)
	}
	wg.Wait()

	hash, err := HashFor(image)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, types.LayerReady, layers[i].State)
	}

	layer, err := s.GetLayer(hash)
	require.NoError(t, err)
	assert.Equal(t, types.LayerReady, layer.State)
}

func TestAcquireMarksLayerFailedOnBadArchive(t *testing.T) {
	c, s := newTestCache(t)
	dir := t.TempDir()

	badPath := filepath.Join(dir, "missing.tar.gz")
	f, err := os.Create(badPath)
	require.NoError(t, err)
	f.WriteString("not a gzip stream")
	f.Close()

	_, err = c.Acquire(context.Background(), badPath)
	assert.Error(t, err)

	hash, err := HashFor(badPath)
	require.NoError(t, err)
	layer, err := s.GetLayer(hash)
	require.NoError(t, err)
	assert.Equal(t, types.LayerFailed, layer.State)
}

func TestRefCounting(t *testing.T) {
	c, s := newTestCache(t)
	dir := t.TempDir()
	image := writeTestImage(t, dir, map[string]string{"a.txt": "a"})

	layer, err := c.Acquire(context.Background(), image)
	require.NoError(t, err)

	require.NoError(t, c.Acquired(layer.Hash))
	require.NoError(t, c.Acquired(layer.Hash))

	count, err := c.Release(layer.Hash)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = c.Release(layer.Hash)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	got, err := s.GetLayer(layer.Hash)
	require.NoError(t, err)
	assert.DirExists(t, got.ExtractedPath)
}

func TestUnpackTarRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evil.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{Name: "../escape.txt", Mode: 0o644, Size: 4}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err = tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	f.Close()

	var total int64
	r, err := os.Open(path)
	require.NoError(t, err)
	defer r.Close()
	gzr, err := gzip.NewReader(r)
	require.NoError(t, err)

	dest := t.TempDir()
	err = unpackTar(gzr, dest, &total)
	var buf bytes.Buffer
	if err != nil {
		buf.WriteString(err.Error())
	}
	assert.Error(t, err)
	assert.Contains(t, buf.String(), "escapes")
}
