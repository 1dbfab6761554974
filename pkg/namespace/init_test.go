package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTmpfsOptions(t *testing.T) {
	assert.Equal(t, "", tmpfsOptions(nil))
	assert.Equal(t, "size=64m", tmpfsOptions(map[string]string{"size": "64m"}))
	assert.Equal(t, "mode=0700", tmpfsOptions(map[string]string{"mode": "0700"}))
	assert.Equal(t, "size=64m,mode=0700", tmpfsOptions(map[string]string{"size": "64m", "mode": "0700"}))
}

func TestLooksLikeShellInvocation(t *testing.T) {
	assert.True(t, looksLikeShellInvocation([]string{"/bin/sh", "-c", "echo hi"}))
	assert.True(t, looksLikeShellInvocation([]string{"/bin/bash", "-c", "echo hi"}))
	assert.True(t, looksLikeShellInvocation([]string{"sh", "-c", "echo hi"}))
	assert.False(t, looksLikeShellInvocation([]string{"/usr/bin/env", "python3"}))
	assert.False(t, looksLikeShellInvocation(nil))
}

func TestResolveInPath(t *testing.T) {
	path, err := resolveInPath("/usr/local/bin/widget")
	assert.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/widget", path)

	// A bare name with no matching file on the host falls back to
	// itself rather than erroring, since the lookup runs against the
	// container's rootfs at exec time, not the host's.
	path, err = resolveInPath("does-not-exist-anywhere")
	assert.NoError(t, err)
	assert.Equal(t, "does-not-exist-anywhere", path)
}
