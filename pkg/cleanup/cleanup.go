// Package cleanup implements the background reclamation worker of spec
// section 4.7: a queue of containers needing resource teardown, drained
// by a ticker-loop polling every 5 seconds, grounded on the teacher's
// pkg/worker/health_monitor.go monitorLoop shape. Every step is
// idempotent — a resource already gone is treated as already cleaned.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/quilt/pkg/dns"
	"github.com/cuemby/quilt/pkg/image"
	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/metrics"
	"github.com/cuemby/quilt/pkg/namespace"
	"github.com/cuemby/quilt/pkg/network"
	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/volume"
)

const (
	defaultInterval        = 5 * time.Second
	defaultMetricRetention = 7 * 24 * time.Hour
)

// Queue is a process-wide, non-blocking list of container ids awaiting
// background teardown. Enqueue never blocks; the worker drains the
// whole list on each tick.
type Queue struct {
	mu    sync.Mutex
	tasks []string
	wake  chan struct{}
}

// NewQueue constructs an empty cleanup queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue schedules a container for cleanup retry. Safe to call for a
// container whose cleanup already succeeded; every step the worker
// performs is idempotent.
func (q *Queue) Enqueue(containerID string) {
	q.mu.Lock()
	q.tasks = append(q.tasks, containerID)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

// Depth reports the number of pending tasks, used by pkg/metrics.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Worker polls the queue and performs orphan reclamation: releasing
// rootfs/overlay mounts, cgroups, veth interfaces, IP allocations, and
// DNS registrations for queued containers, plus periodic metric
// pruning, per spec section 4.7.
type Worker struct {
	queue       *Queue
	store       storage.Store
	cache       *image.Cache
	net         *network.Manager
	registry    *dns.Registry
	volumes     *volume.Manager
	overlaysDir string

	interval        time.Duration
	metricRetention time.Duration
}

// NewWorker constructs a cleanup worker. overlaysDir must match the
// engine's Config.OverlaysDir.
func NewWorker(queue *Queue, store storage.Store, cache *image.Cache, net *network.Manager, registry *dns.Registry, volumes *volume.Manager, overlaysDir string) *Worker {
	return &Worker{
		queue:           queue,
		store:           store,
		cache:           cache,
		net:             net,
		registry:        registry,
		volumes:         volumes,
		overlaysDir:     overlaysDir,
		interval:        defaultInterval,
		metricRetention: defaultMetricRetention,
	}
}

// Run blocks, ticking every 5 seconds (or immediately on Enqueue) until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		case <-w.queue.wake:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	for _, id := range w.queue.drain() {
		w.reclaim(ctx, id)
	}
	metrics.CleanupQueueDepth.Set(float64(w.queue.Depth()))

	if err := w.store.PruneMetrics(time.Now().Add(-w.metricRetention)); err != nil {
		log.WithComponent("cleanup").Warn().Err(err).Msg("prune metrics")
	}
	w.logOrphanVolumes()
}

// reclaim releases every resource a container might still hold. Each
// step checks for existence before acting; a resource that is already
// gone (because Engine.Remove already released it) is not an error.
func (w *Worker) reclaim(ctx context.Context, containerID string) {
	if err := image.CleanupRootfs(ctx, w.overlaysDir, containerID); err != nil {
		log.WithComponent("cleanup").Warn().Err(err).Str("container_id", containerID).Msg("cleanup rootfs")
	}

	if err := namespace.DeleteCgroupByID(containerID); err != nil {
		log.WithComponent("cleanup").Warn().Err(err).Str("container_id", containerID).Msg("delete cgroup")
	}

	if err := w.net.TeardownContainerNetwork(ctx, containerID); err != nil {
		log.WithComponent("cleanup").Warn().Err(err).Str("container_id", containerID).Msg("teardown network")
	}
	if err := w.net.ReleaseIP(containerID); err != nil {
		log.WithComponent("cleanup").Warn().Err(err).Str("container_id", containerID).Msg("release ip")
	}
	if w.registry != nil {
		w.registry.Unregister(containerID)
	}
}

// logOrphanVolumes reports volumes with a zero reference count for
// operator visibility. Volumes are not deleted automatically: spec
// section 3 makes a volume's lifecycle independent of any container,
// removable only via an explicit Remove or force.
func (w *Worker) logOrphanVolumes() {
	if w.volumes == nil {
		return
	}
	vols, err := w.volumes.List()
	if err != nil {
		log.WithComponent("cleanup").Warn().Err(err).Msg("list volumes")
		return
	}
	var orphans int
	for _, v := range vols {
		if v.RefCount == 0 {
			orphans++
		}
	}
	metrics.VolumesTotal.Set(float64(len(vols)))
	if orphans > 0 {
		log.WithComponent("cleanup").Debug().Int("count", orphans).Msg("unreferenced volumes present")
	}
}
