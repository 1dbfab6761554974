// Package types holds the persisted and in-memory data model shared by
// every component of the daemon.
package types

import "time"

// ContainerState is a point in the container lifecycle state machine.
type ContainerState string

const (
	ContainerStateCreated  ContainerState = "created"
	ContainerStateStarting ContainerState = "starting"
	ContainerStateRunning  ContainerState = "running"
	ContainerStateExited   ContainerState = "exited"
	ContainerStateError    ContainerState = "error"
)

// NamespaceFlags selects which Linux namespaces a container's process
// is placed into.
type NamespaceFlags struct {
	PID     bool `json:"pid"`
	Mount   bool `json:"mount"`
	UTS     bool `json:"uts"`
	IPC     bool `json:"ipc"`
	Network bool `json:"network"`
}

// ResourceLimits bounds a container's cgroup-enforced resource usage.
type ResourceLimits struct {
	MemoryMB     int64   `json:"memory_mb"`
	CPUPercent   float64 `json:"cpu_percent"`
	PIDsLimit    int64   `json:"pids_limit"`
}

// MountKind tags the variant of a Mount.
type MountKind string

const (
	MountBind   MountKind = "bind"
	MountVolume MountKind = "volume"
	MountTmpfs  MountKind = "tmpfs"
)

// Mount is a user-specified filesystem mapping owned by a container.
type Mount struct {
	Source   string            `json:"source"`
	Target   string            `json:"target"`
	Type     MountKind         `json:"type"`
	ReadOnly bool              `json:"read_only"`
	Options  map[string]string `json:"options,omitempty"`
}

// Container is the core persisted record of spec section 3. The engine
// records PID and RootfsPath after forking the process, while the
// container is still Starting, so both are set once it is Running;
// ExitCode is set when the process exits. pkg/storage does not check
// these fields, and a container that fails during startup enters Error
// without an ExitCode.
type Container struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	ImagePath   string         `json:"image_path"`
	Command     []string       `json:"command"`
	Env         map[string]string `json:"env,omitempty"`
	WorkingDir  string         `json:"working_dir,omitempty"`
	Limits      ResourceLimits `json:"limits"`
	Namespaces  NamespaceFlags `json:"namespaces"`
	Mounts      []Mount        `json:"mounts,omitempty"`
	AsyncMode   bool           `json:"async_mode"`

	State      ContainerState `json:"state"`
	RootfsPath string         `json:"rootfs_path,omitempty"`
	PID        int            `json:"pid,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	ErrorMsg   string         `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllocationStatus is the lifecycle of a NetworkAllocation.
type AllocationStatus string

const (
	AllocationAllocated      AllocationStatus = "allocated"
	AllocationActive         AllocationStatus = "active"
	AllocationCleanupPending AllocationStatus = "cleanup_pending"
	AllocationCleaned        AllocationStatus = "cleaned"
)

// NetworkAllocation is the one-per-networked-container address and
// veth record of spec section 3.
type NetworkAllocation struct {
	ContainerID    string           `json:"container_id"`
	IPAddress      string           `json:"ip_address"`
	Bridge         string           `json:"bridge"`
	HostVeth       string           `json:"host_veth,omitempty"`
	ContainerVeth  string           `json:"container_veth,omitempty"`
	AllocatedAt    time.Time        `json:"allocated_at"`
	SetupCompleted bool             `json:"setup_completed"`
	Status         AllocationStatus `json:"status"`
}

// LayerState is the extraction state machine of an ImageLayer.
type LayerState string

const (
	LayerNotExtracted        LayerState = "not_extracted"
	LayerExtractionInProgress LayerState = "extraction_in_progress"
	LayerReady               LayerState = "ready"
	LayerFailed              LayerState = "failed"
)

// ImageLayer is a content-addressed extracted image tarball, shared
// across containers via reference counting.
type ImageLayer struct {
	Hash          string     `json:"hash"`
	ExtractedPath string     `json:"extracted_path"`
	RefCount      int        `json:"ref_count"`
	SizeBytes     int64      `json:"size_bytes"`
	State         LayerState `json:"state"`
	FailedReason  string     `json:"failed_reason,omitempty"`
}

// Volume is named persistent storage independent of any container's
// lifecycle.
type Volume struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Driver    string            `json:"driver"`
	Labels    map[string]string `json:"labels,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	MountPath string            `json:"mount_path"`
	RefCount  int               `json:"ref_count"`
	CreatedAt time.Time         `json:"created_at"`
}

// EventType enumerates the lifecycle event variants of spec section 3.
type EventType string

const (
	EventContainerCreated       EventType = "container_created"
	EventNetworkAllocated       EventType = "network_allocated"
	EventProcessStarted         EventType = "process_started"
	EventNetworkSetupStarted    EventType = "network_setup_started"
	EventVethPairCreated        EventType = "veth_pair_created"
	EventBridgeAttached         EventType = "bridge_attached"
	EventNetworkSetupCompleted  EventType = "network_setup_completed"
	EventContainerReady         EventType = "container_ready"
	EventNetworkSetupFailed     EventType = "network_setup_failed"
	EventContainerStartupFailed EventType = "container_startup_failed"
)

// LifecycleEvent is in-memory only; it is never persisted (spec
// section 3).
type LifecycleEvent struct {
	Type        EventType `json:"type"`
	ContainerID string    `json:"container_id"`
	Timestamp   time.Time `json:"timestamp"`
	Phase       string    `json:"phase,omitempty"`  // set for ContainerStartupFailed
	Reason      string    `json:"reason,omitempty"` // set for *Failed variants
}
