package validate

import (
	"testing"

	"github.com/cuemby/quilt/pkg/quiltrrors"
	"github.com/cuemby/quilt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMountDeniesSensitivePaths(t *testing.T) {
	for _, src := range []string{"/etc/passwd", "/etc/shadow", "/proc", "/sys"} {
		_, err := Mount(types.Mount{Type: types.MountBind, Source: src, Target: "/data"})
		var vf *quiltrrors.ValidationFailed
		assert.ErrorAsf(t, err, &vf, "expected rejection for %s", src)
	}
}

func TestMountAllowsTempDir(t *testing.T) {
	dir := t.TempDir()
	_, err := Mount(types.Mount{Type: types.MountBind, Source: dir, Target: "/data"})
	require.NoError(t, err)
}

func TestMountTargetValidation(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		target string
		wantOK bool
	}{
		{"/data", true},
		{"/app/config", true},
		{"/", false},
		{"/etc", false},
		{"/proc", false},
		{"../etc", false},
	}
	for _, c := range cases {
		_, err := Mount(types.Mount{Type: types.MountBind, Source: dir, Target: c.target})
		if c.wantOK {
			assert.NoErrorf(t, err, "target %s", c.target)
		} else {
			assert.Errorf(t, err, "target %s", c.target)
		}
	}
}

func TestVolumeNameValidation(t *testing.T) {
	assert.NoError(t, VolumeName("my-data"))
	assert.NoError(t, VolumeName("test_vol_123"))
	assert.Error(t, VolumeName("my/data"))
	assert.Error(t, VolumeName("my..data"))
	assert.Error(t, VolumeName(""))
}

func TestTmpfsSizeValidation(t *testing.T) {
	_, err := TmpfsSize("100m")
	assert.NoError(t, err)
	_, err = TmpfsSize("1g")
	assert.NoError(t, err)
	_, err = TmpfsSize("512k")
	assert.Error(t, err, "too small")
	_, err = TmpfsSize("20g")
	assert.Error(t, err, "too large")
	_, err = TmpfsSize("100")
	assert.Error(t, err, "missing unit")
}

func TestParseOptions(t *testing.T) {
	opts := ParseOptions("size=100m,mode=0755")
	assert.Equal(t, "100m", opts["size"])
	assert.Equal(t, "0755", opts["mode"])
	assert.Nil(t, ParseOptions(""))
}
