package image

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/moby/sys/mountinfo"

	"github.com/cuemby/quilt/pkg/quiltrrors"
	"github.com/cuemby/quilt/pkg/types"
)

// MaterializeRootfs produces the writable filesystem root for one
// container from a ready layer: an overlay mount sharing the layer as
// its lower directory when the host supports overlayfs, or a full
// per-container copy of the layer's contents otherwise, per spec
// section 4.2's fallback.
func (c *Cache) MaterializeRootfs(ctx context.Context, containerID string, layer *types.ImageLayer, overlaysDir string) (string, error) {
	supported, err := OverlaySupported(ctx)
	if err != nil {
		return "", err
	}

	if supported {
		paths, err := PrepareOverlay(ctx, overlaysDir, containerID, layer.ExtractedPath)
		if err != nil {
			return "", err
		}
		return paths.Merged, nil
	}

	dest := filepath.Join(overlaysDir, containerID, "rootfs")
	if err := copyTree(layer.ExtractedPath, dest); err != nil {
		return "", &quiltrrors.OverlayUnsupported{Reason: err.Error()}
	}
	return dest, nil
}

// CleanupRootfs reverses MaterializeRootfs: it unmounts the overlay if
// one is mounted, or removes the per-container copy otherwise.
// Idempotent per spec section 4.7.
func CleanupRootfs(ctx context.Context, overlaysDir, containerID string) error {
	merged := filepath.Join(overlaysDir, containerID, "merged")
	if mounted, _ := mountinfo.Mounted(merged); mounted {
		return CleanupOverlay(ctx, overlaysDir, containerID)
	}
	return os.RemoveAll(filepath.Join(overlaysDir, containerID))
}

// copyTree recursively copies src onto dst, preserving the directory
// structure and regular file permissions. Used only on hosts lacking
// overlayfs support, where sharing a read-only lower layer is not
// possible and each container needs its own writable copy.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()

		if _, err := io.Copy(out, in); err != nil {
			return fmt.Errorf("copy %s: %w", path, err)
		}
		return nil
	})
}
