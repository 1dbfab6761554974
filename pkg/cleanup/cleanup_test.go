package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quilt/pkg/dns"
	"github.com/cuemby/quilt/pkg/events"
	"github.com/cuemby/quilt/pkg/image"
	"github.com/cuemby/quilt/pkg/network"
	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/volume"
)

func TestQueueEnqueueAndDrain(t *testing.T) {
	q := NewQueue()
	q.Enqueue("c1")
	q.Enqueue("c2")
	assert.Equal(t, 2, q.Depth())

	drained := q.drain()
	assert.Equal(t, []string{"c1", "c2"}, drained)
	assert.Equal(t, 0, q.Depth())
}

func TestWorkerTickDrainsQueue(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cache := image.NewCache(store, dir+"/layers")
	t.Cleanup(cache.Close)

	coord := events.NewCoordinator()
	registry := dns.NewRegistry()
	netMgr := network.NewManager(network.Config{BridgeName: "quilt0", SubnetCIDR: "10.88.0.0/16", GatewayIP: "10.88.0.1"}, store, coord, registry)
	volMgr, err := volume.NewManager(store, dir)
	require.NoError(t, err)

	w := NewWorker(NewQueue(), store, cache, netMgr, registry, volMgr, dir+"/overlays")
	w.interval = 10 * time.Millisecond

	w.queue.Enqueue("ghost-container")
	w.tick(context.Background())

	assert.Equal(t, 0, w.queue.Depth())
}
