package volume

import (
	"testing"

	"github.com/cuemby/quilt/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m, err := NewManager(s, dir)
	require.NoError(t, err)
	return m
}

func TestCreateAndGetVolume(t *testing.T) {
	m := newTestManager(t)
	v, err := m.Create("my-data", map[string]string{"env": "test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", v.Driver)

	got, err := m.Get("my-data")
	require.NoError(t, err)
	assert.Equal(t, v.MountPath, got.MountPath)
}

func TestCreateInvalidName(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create("bad/name", nil, nil)
	assert.Error(t, err)
}

func TestAcquireReleaseRefcount(t *testing.T) {
	m := newTestManager(t)
	v, err := m.Acquire("shared")
	require.NoError(t, err)
	assert.Equal(t, 1, v.RefCount)

	_, err = m.Acquire("shared")
	require.NoError(t, err)

	count, err := m.Release("shared")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRemoveRefusesWhenInUse(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Acquire("busy")
	require.NoError(t, err)

	err = m.Remove("busy", false)
	assert.Error(t, err)

	require.NoError(t, m.Remove("busy", true))
	_, err = m.Get("busy")
	assert.Error(t, err)
}
