package image

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemRegisteredHandlesMissingEntry(t *testing.T) {
	present, err := filesystemRegistered("this-fs-does-not-exist")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestCleanupOverlayRemovesUnmountedDir(t *testing.T) {
	overlaysDir := t.TempDir()
	containerID := "c1"
	base := filepath.Join(overlaysDir, containerID, "merged")
	require.NoError(t, os.MkdirAll(base, 0o755))

	require.NoError(t, CleanupOverlay(context.Background(), overlaysDir, containerID))
	assert.NoDirExists(t, filepath.Join(overlaysDir, containerID))
}

func TestCleanupOverlayIsIdempotent(t *testing.T) {
	overlaysDir := t.TempDir()
	require.NoError(t, CleanupOverlay(context.Background(), overlaysDir, "never-existed"))
}
