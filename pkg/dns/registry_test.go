package dns

import (
	"testing"

	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("c1", "web", "10.88.0.10")

	ip, ok := r.Resolve("web")
	require.True(t, ok)
	assert.Equal(t, "10.88.0.10", ip)

	ip, ok = r.Resolve("web.quilt.local.")
	require.True(t, ok)
	assert.Equal(t, "10.88.0.10", ip)
}

func TestUnregisterRemovesBothNames(t *testing.T) {
	r := NewRegistry()
	r.Register("c1", "web", "10.88.0.10")
	r.Unregister("c1")

	_, ok := r.Resolve("web")
	assert.False(t, ok)
	_, ok = r.Lookup("c1")
	assert.False(t, ok)
}

func TestRebuildFromStore(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.InsertContainer(&types.Container{ID: "c1", Name: "web", State: types.ContainerStateRunning}))
	require.NoError(t, s.UpdateContainer(&types.Container{ID: "c1", Name: "web", State: types.ContainerStateRunning}))
	_, err = s.AllocateIP("c1", "quilt0", "10.88.0.0/16")
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, r.Rebuild(s))

	_, ok := r.Resolve("web")
	assert.True(t, ok)
}
