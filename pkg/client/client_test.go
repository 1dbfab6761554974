package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quilt/pkg/api"
	"github.com/cuemby/quilt/pkg/cleanup"
	"github.com/cuemby/quilt/pkg/dns"
	"github.com/cuemby/quilt/pkg/engine"
	"github.com/cuemby/quilt/pkg/events"
	"github.com/cuemby/quilt/pkg/image"
	"github.com/cuemby/quilt/pkg/network"
	"github.com/cuemby/quilt/pkg/storage"
)

func newTestClient(t *testing.T) *Client {
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

	eng := engine.New(engine.Config{RunDir: dir + "/run", OverlaysDir: dir + "/overlays"}, store, cache, netMgr, coord, registry, queue)
	srv := api.NewServer(eng, store, netMgr, registry)

	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)

	return New(strings.TrimPrefix(ts.URL, "http://"))
}

func TestCreateAndGetContainer(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.CreateContainer(ctx, api.CreateContainerRequest{
		ImagePath: "/tmp/image.tar.gz",
		Command:   []string{"/bin/true"},
		Name:      "web",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	status, err := c.GetContainerStatus(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, "created", status.State)
}

func TestGetContainerStatusNotFound(t *testing.T) {
	c := newTestClient(t)
	_, err := c.GetContainerStatus(context.Background(), "missing", false)
	assert.Error(t, err)
}

func TestListNetworksEmpty(t *testing.T) {
	c := newTestClient(t)
	entries, err := c.ListNetworks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
