package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quilt/pkg/cleanup"
	"github.com/cuemby/quilt/pkg/dns"
	"github.com/cuemby/quilt/pkg/engine"
	"github.com/cuemby/quilt/pkg/events"
	"github.com/cuemby/quilt/pkg/image"
	"github.com/cuemby/quilt/pkg/network"
	"github.com/cuemby/quilt/pkg/storage"
)

func newTestServer(t *testing.T) *Server {
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

	return NewServer(eng, store, netMgr, registry)
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestReadyHandler(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
}

func TestCreateContainerRejectsEmptyCommand(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(CreateContainerRequest{ImagePath: "/tmp/image.tar.gz"})
	req := httptest.NewRequest(http.MethodPost, "/containers", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp CreateContainerResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Success)
}

func TestCreateThenGetContainer(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(CreateContainerRequest{
		ImagePath: "/tmp/image.tar.gz",
		Command:   []string{"/bin/true"},
		Name:      "web",
	})
	req := httptest.NewRequest(http.MethodPost, "/containers", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created CreateContainerResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	require.True(t, created.Success)

	getReq := httptest.NewRequest(http.MethodGet, "/containers/"+created.ContainerID, nil)
	getW := httptest.NewRecorder()
	s.mux.ServeHTTP(getW, getReq)

	assert.Equal(t, http.StatusOK, getW.Code)
	var status StatusResponse
	require.NoError(t, json.NewDecoder(getW.Body).Decode(&status))
	assert.Equal(t, "created", status.State)
}

func TestGetContainerNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/containers/does-not-exist", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
