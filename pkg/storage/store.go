// Package storage persists the daemon's durable state: containers,
// network allocations, image layers, volumes, and per-container logs.
// The store serializes writes and allows concurrent readers, matching
// a single-file transactional database.
package storage

import (
	"time"

	"github.com/cuemby/quilt/pkg/types"
)

// Store is the persistence interface used by every other component of
// the daemon. Implementations must serialize writes and allow
// concurrent reads.
type Store interface {
	// Containers.
	InsertContainer(c *types.Container) error
	UpdateContainerState(id string, state types.ContainerState) error
	UpdateContainer(c *types.Container) error
	GetContainer(id string) (*types.Container, error)
	GetContainerByName(name string) (*types.Container, error)
	ListContainers() ([]*types.Container, error)
	DeleteContainer(id string) error

	// Network allocations.
	AllocateIP(containerID, bridge, subnetCIDR string) (*types.NetworkAllocation, error)
	GetAllocation(containerID string) (*types.NetworkAllocation, error)
	UpdateAllocationStatus(containerID string, status types.AllocationStatus) error
	SetAllocationVeth(containerID, hostVeth, containerVeth string) error
	SetAllocationSetupCompleted(containerID string, completed bool) error
	ListActiveAllocations() ([]*types.NetworkAllocation, error)
	DeleteAllocation(containerID string) error

	// Image layers.
	GetLayer(hash string) (*types.ImageLayer, error)
	UpsertLayer(layer *types.ImageLayer) error
	IncrefLayer(hash string) error
	DecrefLayer(hash string) (int, error)
	DeleteLayer(hash string) error

	// Volumes.
	InsertVolume(v *types.Volume) error
	GetVolume(name string) (*types.Volume, error)
	ListVolumes() ([]*types.Volume, error)
	IncrefVolume(name string) error
	DecrefVolume(name string) (int, error)
	DeleteVolume(name string) error

	// Logs: append-only per container, pruned to the most recent N lines.
	AppendLog(containerID string, line string) error
	GetLogs(containerID string) ([]string, error)
	DeleteLogs(containerID string) error

	// Metrics: coarse time-series samples, pruned past a retention window.
	RecordMetric(containerID string, sample MetricSample) error
	PruneMetrics(olderThan time.Time) error

	Close() error
}

// MetricSample is one point-in-time resource usage observation.
type MetricSample struct {
	Timestamp      time.Time `json:"timestamp"`
	MemoryUsageBytes int64   `json:"memory_usage_bytes"`
	CPUPercent     float64   `json:"cpu_percent"`
}
