package image

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/quiltrrors"
	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/types"
)

const (
	extractionTimeout   = 5 * time.Minute
	extractionWaitCap   = 5 * time.Minute
	extractionWakeEvery = 30 * time.Second
)

// Cache is the content-addressed image layer cache described in spec
// section 4.2. One Cache is constructed per daemon process and shared
// by every container creation.
type Cache struct {
	store    storage.Store
	layersDir string

	mu   sync.Mutex
	cond *sync.Cond

	stopTicker chan struct{}
}

// NewCache constructs a layer cache rooted at layersDir (typically
// "<cache>/layers"). It starts a background ticker that periodically
// wakes any goroutine blocked in Acquire so a missed broadcast cannot
// stall a waiter past its own 30s poll interval.
func NewCache(store storage.Store, layersDir string) *Cache {
	c := &Cache{
		store:      store,
		layersDir:  layersDir,
		stopTicker: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	go func() {
		ticker := time.NewTicker(extractionWakeEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				c.cond.Broadcast()
				c.mu.Unlock()
			case <-c.stopTicker:
				return
			}
		}
	}()

	return c
}

// Close stops the cache's background wake ticker.
func (c *Cache) Close() {
	close(c.stopTicker)
}

// HashFor computes the content-address key for an image tarball: a
// digest of its path, size, and modification time, per spec section
// 4.2. Two different files with identical content at different paths
// are treated as distinct layers, matching the original's identity
// semantics rather than attempting true content hashing of the
// tarball bytes.
func HashFor(imagePath string) (string, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return "", fmt.Errorf("stat image %q: %w", imagePath, err)
	}

	identity := fmt.Sprintf("%s:%d:%d", imagePath, info.Size(), info.ModTime().UnixNano())
	return digest.FromString(identity).Encoded(), nil
}

// Acquire returns the ready, extracted layer for imagePath, extracting
// it if this is the first request for its hash. Concurrent callers for
// the same hash block until the first caller's extraction completes,
// per the NotExtracted -> ExtractionInProgress -> Ready/Failed protocol
// of spec section 4.2. Callers that were waiting on a failed extraction
// receive its failure; a Failed layer may be retried by the next new
// caller.
func (c *Cache) Acquire(ctx context.Context, imagePath string) (*types.ImageLayer, error) {
	hash, err := HashFor(imagePath)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(extractionWaitCap)
	waited := false

	for {
		layer, err := c.store.GetLayer(hash)
		if err != nil {
			var notFound *quiltrrors.NotFound
			if !errors.As(err, &notFound) {
				return nil, err
			}
			layer = &types.ImageLayer{Hash: hash, State: types.LayerNotExtracted}
			if err := c.store.UpsertLayer(layer); err != nil {
				return nil, err
			}
		}

		switch layer.State {
		case types.LayerNotExtracted, types.LayerFailed:
			if layer.State == types.LayerFailed && waited {
				return nil, &quiltrrors.ImageExtractionFailed{Hash: hash, Reason: layer.FailedReason}
			}
			layer.State = types.LayerExtractionInProgress
			layer.FailedReason = ""
			if err := c.store.UpsertLayer(layer); err != nil {
				return nil, err
			}

			c.mu.Unlock()
			extractedPath, size, extractErr := c.extract(ctx, imagePath, hash)
			c.mu.Lock()

			layer, err = c.store.GetLayer(hash)
			if err != nil {
				return nil, err
			}
			if extractErr != nil {
				layer.State = types.LayerFailed
				layer.FailedReason = extractErr.Error()
			} else {
				layer.State = types.LayerReady
				layer.ExtractedPath = extractedPath
				layer.SizeBytes = size
			}
			if err := c.store.UpsertLayer(layer); err != nil {
				return nil, err
			}
			c.cond.Broadcast()

			if extractErr != nil {
				return nil, &quiltrrors.ImageExtractionFailed{Hash: hash, Reason: extractErr.Error()}
			}
			return layer, nil

		case types.LayerReady:
			return layer, nil

		case types.LayerExtractionInProgress:
			if time.Now().After(deadline) {
				return nil, &quiltrrors.Timeout{Operation: "image extraction wait"}
			}
			waited = true
			c.cond.Wait()
			// loop: re-read state after wake
		}
	}
}

// extract unpacks a gzip tarball into a fresh directory under
// layersDir, bounded by extractionTimeout. It runs with the cache's
// mutex released, matching the "no mutex across suspension points"
// rule: only the state transition around it is guarded.
func (c *Cache) extract(ctx context.Context, imagePath, hash string) (string, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	dest := filepath.Join(c.layersDir, hash)
	if err := os.RemoveAll(dest); err != nil {
		return "", 0, fmt.Errorf("clear extraction dir: %w", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", 0, fmt.Errorf("create extraction dir: %w", err)
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return "", 0, fmt.Errorf("open image tarball: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", 0, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	done := make(chan error, 1)
	var total int64

	go func() {
		done <- unpackTar(gz, dest, &total)
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", 0, err
		}
		return dest, total, nil
	case <-ctx.Done():
		return "", 0, &quiltrrors.Timeout{Operation: "image extraction of " + hash}
	}
}

func unpackTar(r io.Reader, dest string, total *int64) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target := filepath.Join(dest, hdr.Name)
		if err := requireWithinDir(dest, target); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			n, err := io.Copy(out, tr)
			out.Close()
			if err != nil {
				return err
			}
			*total += n
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func requireWithinDir(dir, target string) error {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("tar entry escapes extraction dir: %s", target)
	}
	return nil
}

// Release decrements a layer's reference count and returns the new
// count. It never deletes the extracted directory, and the cleanup
// worker does not delete it either: a layer at zero references stays
// on disk and is returned as-is by the next Acquire for the same hash.
func (c *Cache) Release(hash string) (int, error) {
	refCount, err := c.store.DecrefLayer(hash)
	if err != nil {
		log.WithComponent("image").Warn().Err(err).Str("hash", hash).Msg("decref layer")
		return 0, err
	}
	return refCount, nil
}

// Acquired increments a layer's reference count once a container has
// successfully mounted it.
func (c *Cache) Acquired(hash string) error {
	return c.store.IncrefLayer(hash)
}
