package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quilt/pkg/cleanup"
	"github.com/cuemby/quilt/pkg/dns"
	"github.com/cuemby/quilt/pkg/events"
	"github.com/cuemby/quilt/pkg/image"
	"github.com/cuemby/quilt/pkg/network"
	"github.com/cuemby/quilt/pkg/quiltrrors"
	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cache := image.NewCache(store, dir+"/layers")
	t.Cleanup(cache.Close)

	coord := events.NewCoordinator()
	registry := dns.NewRegistry()
	netCfg := network.Config{BridgeName: "quilt0", SubnetCIDR: "10.88.0.0/16", GatewayIP: "10.88.0.1"}
	netMgr := network.NewManager(netCfg, store, coord, registry)
	queue := cleanup.NewQueue()

	return New(Config{RunDir: dir + "/run", OverlaysDir: dir + "/overlays"}, store, cache, netMgr, coord, registry, queue)
}

func TestCreateRejectsEmptyCommand(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create(CreateRequest{ImagePath: "/tmp/image.tar.gz"})
	require.Error(t, err)
	var ve *quiltrrors.ValidationFailed
	assert.ErrorAs(t, err, &ve)
}

func TestCreateAllowsEmptyCommandInAsyncMode(t *testing.T) {
	e := newTestEngine(t)
	c, err := e.Create(CreateRequest{ImagePath: "/tmp/image.tar.gz", AsyncMode: true})
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateCreated, c.State)
}

func TestCreateDuplicateNameRejected(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create(CreateRequest{ImagePath: "/tmp/a.tar.gz", Command: []string{"/bin/true"}, Name: "web"})
	require.NoError(t, err)

	_, err = e.Create(CreateRequest{ImagePath: "/tmp/b.tar.gz", Command: []string{"/bin/true"}, Name: "web"})
	require.Error(t, err)
	var dup *quiltrrors.DuplicateName
	assert.ErrorAs(t, err, &dup)
}

func TestCreateRejectsInvalidMount(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create(CreateRequest{
		ImagePath: "/tmp/a.tar.gz",
		Command:   []string{"/bin/true"},
		Mounts:    []types.Mount{{Source: "/etc/passwd", Target: "/data", Type: types.MountBind}},
	})
	require.Error(t, err)
}

func TestStopIsNoOpOnAlreadyExitedContainer(t *testing.T) {
	e := newTestEngine(t)
	c, err := e.Create(CreateRequest{ImagePath: "/tmp/a.tar.gz", Command: []string{"/bin/true"}})
	require.NoError(t, err)
	require.NoError(t, e.store.UpdateContainerState(c.ID, types.ContainerStateStarting))
	require.NoError(t, e.store.UpdateContainerState(c.ID, types.ContainerStateRunning))
	require.NoError(t, e.store.UpdateContainerState(c.ID, types.ContainerStateExited))

	assert.NoError(t, e.Stop(c.ID, time.Second))
}

func TestRemoveRequiresTerminalUnlessForce(t *testing.T) {
	e := newTestEngine(t)
	c, err := e.Create(CreateRequest{ImagePath: "/tmp/a.tar.gz", Command: []string{"/bin/true"}})
	require.NoError(t, err)

	err = e.Remove(context.Background(), c.ID, false)
	require.Error(t, err)
	var ve *quiltrrors.ValidationFailed
	assert.ErrorAs(t, err, &ve)

	require.NoError(t, e.store.UpdateContainerState(c.ID, types.ContainerStateStarting))
	require.NoError(t, e.store.UpdateContainerState(c.ID, types.ContainerStateRunning))
	require.NoError(t, e.store.UpdateContainerState(c.ID, types.ContainerStateExited))
	assert.NoError(t, e.Remove(context.Background(), c.ID, false))

	_, err = e.store.GetContainer(c.ID)
	var nf *quiltrrors.NotFound
	assert.ErrorAs(t, err, &nf)
}
