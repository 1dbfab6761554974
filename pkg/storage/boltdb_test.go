package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/quilt/pkg/quiltrrors"
	"github.com/cuemby/quilt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGetContainer(t *testing.T) {
	s := newTestStore(t)
	c := &types.Container{ID: "c1", Name: "web", State: types.ContainerStateCreated}
	require.NoError(t, s.InsertContainer(c))

	got, err := s.GetContainer("c1")
	require.NoError(t, err)
	assert.Equal(t, "web", got.Name)

	byName, err := s.GetContainerByName("web")
	require.NoError(t, err)
	assert.Equal(t, "c1", byName.ID)
}

func TestInsertContainerDuplicateName(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertContainer(&types.Container{ID: "c1", Name: "web"}))

	err := s.InsertContainer(&types.Container{ID: "c2", Name: "web"})
	var dup *quiltrrors.DuplicateName
	assert.ErrorAs(t, err, &dup)
}

func TestInsertContainerDuplicateID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertContainer(&types.Container{ID: "c1"}))

	err := s.InsertContainer(&types.Container{ID: "c1"})
	var dup *quiltrrors.DuplicateID
	assert.ErrorAs(t, err, &dup)
}

func TestUpdateContainerStateValidTransitions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertContainer(&types.Container{ID: "c1", State: types.ContainerStateCreated}))

	require.NoError(t, s.UpdateContainerState("c1", types.ContainerStateStarting))
	require.NoError(t, s.UpdateContainerState("c1", types.ContainerStateRunning))
	require.NoError(t, s.UpdateContainerState("c1", types.ContainerStateExited))

	got, err := s.GetContainer("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStateExited, got.State)
}

func TestUpdateContainerStateRejectsRegression(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertContainer(&types.Container{ID: "c1", State: types.ContainerStateRunning}))

	err := s.UpdateContainerState("c1", types.ContainerStateCreated)
	var validation *quiltrrors.ValidationFailed
	assert.ErrorAs(t, err, &validation)
}

func TestUpdateContainerStateAnyToError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertContainer(&types.Container{ID: "c1", State: types.ContainerStateStarting}))
	require.NoError(t, s.UpdateContainerState("c1", types.ContainerStateError))
}

func TestDeleteContainerRemovesNameIndex(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertContainer(&types.Container{ID: "c1", Name: "web"}))
	require.NoError(t, s.DeleteContainer("c1"))

	_, err := s.GetContainerByName("web")
	var notFound *quiltrrors.NotFound
	assert.ErrorAs(t, err, &notFound)

	// Name is reusable after removal.
	require.NoError(t, s.InsertContainer(&types.Container{ID: "c2", Name: "web"}))
}

func TestAllocateIPPicksSmallestUnused(t *testing.T) {
	s := newTestStore(t)
	a1, err := s.AllocateIP("c1", "quilt0", "10.88.0.0/16")
	require.NoError(t, err)
	assert.Equal(t, "10.88.0.10", a1.IPAddress)

	a2, err := s.AllocateIP("c2", "quilt0", "10.88.0.0/16")
	require.NoError(t, err)
	assert.Equal(t, "10.88.0.11", a2.IPAddress)
}

func TestAllocateIPReusesClearedAddress(t *testing.T) {
	s := newTestStore(t)
	a1, err := s.AllocateIP("c1", "quilt0", "10.88.0.0/16")
	require.NoError(t, err)
	require.NoError(t, s.UpdateAllocationStatus("c1", types.AllocationCleaned))

	a2, err := s.AllocateIP("c2", "quilt0", "10.88.0.0/16")
	require.NoError(t, err)
	assert.Equal(t, a1.IPAddress, a2.IPAddress)
}

func TestAllocateIPConcurrentUniqueAddresses(t *testing.T) {
	s := newTestStore(t)
	const n = 50

	var wg sync.WaitGroup
	ips := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := s.AllocateIP(containerIDFor(i), "quilt0", "10.88.0.0/16")
			errs[i] = err
			if a != nil {
				ips[i] = a.IPAddress
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, err := range errs {
		require.NoError(t, err)
		assert.False(t, seen[ips[i]], "duplicate ip allocated: %s", ips[i])
		seen[ips[i]] = true
	}
}

func containerIDFor(i int) string {
	return "concurrent-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func TestAllocateIPExhaustedSubnet(t *testing.T) {
	s := newTestStore(t)
	for host := 10; host <= 250; host++ {
		_, err := s.AllocateIP(containerIDFor(host), "quilt0", "10.88.0.0/16")
		require.NoError(t, err)
	}

	_, err := s.AllocateIP("overflow", "quilt0", "10.88.0.0/16")
	var noIP *quiltrrors.NoAvailableIP
	assert.ErrorAs(t, err, &noIP)
}

func TestLayerRefCounting(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertLayer(&types.ImageLayer{Hash: "h1", State: types.LayerReady}))
	require.NoError(t, s.IncrefLayer("h1"))
	require.NoError(t, s.IncrefLayer("h1"))

	count, err := s.DecrefLayer("h1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = s.DecrefLayer("h1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAppendLogPrunesToCapacity(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < maxLogLines+25; i++ {
		require.NoError(t, s.AppendLog("c1", "line"))
	}

	lines, err := s.GetLogs("c1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(lines), maxLogLines)
}

func TestVolumeLifecycle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertVolume(&types.Volume{Name: "data", Driver: "local"}))

	err := s.InsertVolume(&types.Volume{Name: "data", Driver: "local"})
	var dup *quiltrrors.DuplicateName
	assert.ErrorAs(t, err, &dup)

	require.NoError(t, s.IncrefVolume("data"))
	count, err := s.DecrefVolume("data")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestPruneMetricsRemovesOldSamples(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-10 * 24 * time.Hour)
	recent := time.Now()

	require.NoError(t, s.RecordMetric("c1", MetricSample{Timestamp: old, MemoryUsageBytes: 1}))
	require.NoError(t, s.RecordMetric("c1", MetricSample{Timestamp: recent, MemoryUsageBytes: 2}))

	require.NoError(t, s.PruneMetrics(time.Now().Add(-metricsRetention)))

	remaining := 0
	require.NoError(t, s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetrics).Bucket([]byte("c1")).ForEach(func(_, _ []byte) error {
			remaining++
			return nil
		})
	}))
	assert.Equal(t, 1, remaining)
}
