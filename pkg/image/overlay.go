package image

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/quiltrrors"
	"github.com/moby/sys/mountinfo"
)

const overlayProbeTimeout = 30 * time.Second

// OverlaySupported reports whether the overlay filesystem is available
// on this host, per spec section 4.2: check /proc/filesystems first,
// and if absent, attempt to load the kernel module before giving up.
func OverlaySupported(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, overlayProbeTimeout)
	defer cancel()

	if present, err := filesystemRegistered("overlay"); err != nil {
		return false, err
	} else if present {
		return true, nil
	}

	cmd := exec.CommandContext(ctx, "modprobe", "overlay")
	if out, err := cmd.CombinedOutput(); err != nil {
		log.WithComponent("image").Warn().
			Str("output", string(out)).
			Msg("failed to load overlay kernel module")
		return false, nil
	}

	present, err := filesystemRegistered("overlay")
	if err != nil {
		return false, err
	}
	return present, nil
}

func filesystemRegistered(name string) (bool, error) {
	f, err := os.Open("/proc/filesystems")
	if err != nil {
		return false, fmt.Errorf("read /proc/filesystems: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && fields[len(fields)-1] == name {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// OverlayPaths names the directories composing one container's
// overlay mount: a shared read-only lower (the extracted layer), a
// per-container upper/work pair, and the merged mount point.
type OverlayPaths struct {
	Lower string
	Upper string
	Work  string
	Merged string
}

// PrepareOverlay creates the upper/work/merged directories for a
// container under overlaysDir and mounts the composed filesystem. The
// caller is responsible for incrementing the underlying layer's
// reference count only after this succeeds.
func PrepareOverlay(ctx context.Context, overlaysDir, containerID, lowerDir string) (*OverlayPaths, error) {
	base := filepath.Join(overlaysDir, containerID)
	paths := &OverlayPaths{
		Lower:  lowerDir,
		Upper:  filepath.Join(base, "upper"),
		Work:   filepath.Join(base, "work"),
		Merged: filepath.Join(base, "merged"),
	}

	for _, dir := range []string{paths.Upper, paths.Work, paths.Merged} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create overlay dir %s: %w", dir, err)
		}
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", paths.Lower, paths.Upper, paths.Work)
	cmd := exec.CommandContext(ctx, "mount", "-t", "overlay", "overlay", "-o", opts, paths.Merged)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, &quiltrrors.NamespaceSetupFailed{
			Phase:  "overlay_mount",
			Reason: fmt.Sprintf("%v: %s", err, strings.TrimSpace(string(out))),
		}
	}

	return paths, nil
}

// CleanupOverlay unmounts and removes a container's overlay directories.
// It follows the unmount ladder of spec section 4.2: graceful unmount,
// then lazy, then forced. An unmount failure is logged as a warning and
// does not abort cleanup; a directory that still cannot be removed after
// one delayed second attempt is returned as an error.
func CleanupOverlay(ctx context.Context, overlaysDir, containerID string) error {
	base := filepath.Join(overlaysDir, containerID)
	merged := filepath.Join(base, "merged")

	mounted, err := mountinfo.Mounted(merged)
	if err != nil {
		log.WithComponent("image").Warn().Err(err).Str("path", merged).Msg("check mount state")
	}

	if mounted {
		if err := unmountLadder(ctx, merged); err != nil {
			log.WithComponent("image").Warn().Err(err).Str("path", merged).Msg("unmount overlay")
		}
	}

	if err := os.RemoveAll(base); err != nil {
		log.WithComponent("image").Warn().Err(err).Str("path", base).Msg("remove overlay dir")
		// Force-fallback: try once more after a short delay in case a
		// lazily-detached mount is still releasing its last reference.
		time.Sleep(100 * time.Millisecond)
		if err := os.RemoveAll(base); err != nil {
			return fmt.Errorf("remove overlay dir %s: %w", base, err)
		}
	}
	return nil
}

func unmountLadder(ctx context.Context, path string) error {
	if out, err := exec.CommandContext(ctx, "umount", path).CombinedOutput(); err == nil {
		return nil
	} else {
		log.WithComponent("image").Warn().Str("output", string(out)).Msg("graceful unmount failed, trying lazy")
	}

	if out, err := exec.CommandContext(ctx, "umount", "-l", path).CombinedOutput(); err == nil {
		return nil
	} else {
		log.WithComponent("image").Warn().Str("output", string(out)).Msg("lazy unmount failed, trying forced")
	}

	out, err := exec.CommandContext(ctx, "umount", "-f", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("forced unmount failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
