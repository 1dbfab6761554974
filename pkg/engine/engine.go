// Package engine implements the container lifecycle state machine of
// spec section 4.6: Created -> Starting -> Running -> (Exited | Error),
// orchestrating the store, image cache, namespace/cgroup primitives,
// network manager, and event coordinator to create, start, stop,
// remove, exec into, and kill containers. Grounded on the phase-ordered
// startup sequence of the teacher's pkg/worker/worker.go
// executeContainer/stopContainer, collapsed from a manager+worker RPC
// split into one in-process engine since Quilt is single-host.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/quilt/pkg/cleanup"
	"github.com/cuemby/quilt/pkg/dns"
	"github.com/cuemby/quilt/pkg/events"
	"github.com/cuemby/quilt/pkg/image"
	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/metrics"
	"github.com/cuemby/quilt/pkg/namespace"
	"github.com/cuemby/quilt/pkg/network"
	"github.com/cuemby/quilt/pkg/quiltrrors"
	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/types"
	"github.com/cuemby/quilt/pkg/validate"
)

const (
	stopPollInterval   = 100 * time.Millisecond
	killGraceWait      = 5 * time.Second
	defaultStopTimeout = 10 * time.Second
)

// Config holds the host paths the engine needs beyond what its
// collaborators already own.
type Config struct {
	RunDir      string // re-exec init-config json files, per namespace.Build
	OverlaysDir string // per-container overlay/rootfs-copy directories
}

// CreateRequest is the validated input to Create, matching the RPC
// surface's CreateContainer fields (spec section 6).
type CreateRequest struct {
	ImagePath  string
	Command    []string
	Env        map[string]string
	WorkingDir string
	MemoryMB   int64
	CPUPercent float64
	PIDsLimit  int64
	Namespaces types.NamespaceFlags
	Name       string
	AsyncMode  bool
	Mounts     []types.Mount
}

// Engine drives every container through its lifecycle. One Engine is
// constructed at daemon startup and shared by every RPC handler.
type Engine struct {
	cfg      Config
	store    storage.Store
	cache    *image.Cache
	net      *network.Manager
	events   *events.Coordinator
	registry *dns.Registry
	cleanup  *cleanup.Queue

	mu          sync.Mutex
	controllers map[string]*namespace.CgroupController
}

// New constructs a lifecycle engine wired to its collaborators.
func New(cfg Config, store storage.Store, cache *image.Cache, net *network.Manager, coord *events.Coordinator, registry *dns.Registry, queue *cleanup.Queue) *Engine {
	return &Engine{
		cfg:         cfg,
		store:       store,
		cache:       cache,
		net:         net,
		events:      coord,
		registry:    registry,
		cleanup:     queue,
		controllers: make(map[string]*namespace.CgroupController),
	}
}

// Create validates a container configuration, inserts its store record,
// and allocates an IP address if networking is requested. The container
// is not started; call Start to run it.
func (e *Engine) Create(req CreateRequest) (*types.Container, error) {
	if len(req.Command) == 0 && !req.AsyncMode {
		return nil, &quiltrrors.ValidationFailed{Message: "command must not be empty unless async_mode is set"}
	}
	for _, m := range req.Mounts {
		if _, err := validate.Mount(m); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	c := &types.Container{
		ID:         uuid.New().String(),
		Name:       req.Name,
		ImagePath:  req.ImagePath,
		Command:    req.Command,
		Env:        req.Env,
		WorkingDir: req.WorkingDir,
		Limits: types.ResourceLimits{
			MemoryMB:   req.MemoryMB,
			CPUPercent: req.CPUPercent,
			PIDsLimit:  req.PIDsLimit,
		},
		Namespaces: req.Namespaces,
		Mounts:     req.Mounts,
		AsyncMode:  req.AsyncMode,
		State:      types.ContainerStateCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.store.InsertContainer(c); err != nil {
		return nil, err
	}
	e.emit(c.ID, types.EventContainerCreated)
	metrics.ContainersTotal.WithLabelValues(string(c.State)).Inc()

	if req.Namespaces.Network {
		if _, err := e.net.AllocateIP(c.ID); err != nil {
			_ = e.store.DeleteContainer(c.ID)
			return nil, err
		}
		e.emit(c.ID, types.EventNetworkAllocated)
	}

	return c, nil
}

// Start materializes the container's rootfs, forks the user process
// with the requested namespaces, wires up networking if enabled, and
// transitions the container to Running. Every startup phase completes
// before Start returns; only the exit monitor keeps running in the
// background afterwards.
func (e *Engine) Start(ctx context.Context, id string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerStartDuration)

	c, err := e.store.GetContainer(id)
	if err != nil {
		return err
	}
	if c.State != types.ContainerStateCreated {
		return &quiltrrors.ValidationFailed{Message: fmt.Sprintf("container %s is not in Created state", id)}
	}

	if err := e.store.UpdateContainerState(id, types.ContainerStateStarting); err != nil {
		return err
	}
	metrics.ContainerStartsTotal.Inc()

	layer, err := e.cache.Acquire(ctx, c.ImagePath)
	if err != nil {
		return e.failStartup(c, "image_acquire", err)
	}

	rootfsPath, err := e.cache.MaterializeRootfs(ctx, c.ID, layer, e.cfg.OverlaysDir)
	if err != nil {
		return e.failStartup(c, "rootfs_materialize", err)
	}
	if err := e.cache.Acquired(layer.Hash); err != nil {
		log.WithComponent("engine").Warn().Err(err).Str("container_id", c.ID).Msg("incref layer")
	}

	if err := os.MkdirAll(filepath.Join(rootfsPath, "tmp"), 0o755); err != nil {
		return e.failStartup(c, "prepare_tmp", err)
	}

	hostname := c.Name
	if hostname == "" {
		hostname = shortID(c.ID)
	}
	initCfg := namespace.InitConfig{
		ContainerID: c.ID,
		RootfsPath:  rootfsPath,
		Command:     c.Command,
		Env:         c.Env,
		WorkingDir:  c.WorkingDir,
		Mounts:      c.Mounts,
		Hostname:    hostname,
		WaitNetwork: c.Namespaces.Network,
	}

	logWriter := newContainerLogWriter(e.store, c.ID)
	cmd, err := namespace.StartWithFallback(initCfg, c.Namespaces, e.cfg.RunDir, logWriter, logWriter, func(err error) {
		log.WithComponent("engine").Warn().Err(err).Str("container_id", c.ID).Msg("namespace start failed, retrying without namespaces")
	})
	if err != nil {
		return e.failStartup(c, "process_fork", err)
	}
	pid := cmd.Process.Pid

	c.RootfsPath = rootfsPath
	c.PID = pid
	c.UpdatedAt = time.Now()
	if err := e.store.UpdateContainer(c); err != nil {
		return e.failStartup(c, "persist_pid", err)
	}
	e.emit(c.ID, types.EventProcessStarted)

	ctrl, err := namespace.NewCgroup(c.ID, c.Limits)
	if err != nil {
		log.WithComponent("engine").Warn().Err(err).Str("container_id", c.ID).Msg("create cgroup")
	} else {
		e.mu.Lock()
		e.controllers[c.ID] = ctrl
		e.mu.Unlock()
		if err := ctrl.AddProcess(pid); err != nil {
			log.WithComponent("engine").Warn().Err(err).Str("container_id", c.ID).Msg("add process to cgroup")
		}
	}

	if c.Namespaces.Network {
		alloc, err := e.store.GetAllocation(c.ID)
		if err != nil {
			return e.failStartup(c, "network_lookup", err)
		}
		hostVeth, containerVeth, err := e.net.SetupContainerNetwork(ctx, c.ID, pid, alloc.IPAddress)
		if err != nil {
			return e.failStartup(c, "network_setup", err)
		}
		if err := e.store.SetAllocationVeth(c.ID, hostVeth, containerVeth); err != nil {
			return e.failStartup(c, "network_persist", err)
		}
		if err := e.store.SetAllocationSetupCompleted(c.ID, true); err != nil {
			return e.failStartup(c, "network_persist", err)
		}
		if err := e.store.UpdateAllocationStatus(c.ID, types.AllocationActive); err != nil {
			return e.failStartup(c, "network_persist", err)
		}
		if e.registry != nil && c.Name != "" {
			e.registry.Register(c.ID, c.Name, alloc.IPAddress)
		}
	}

	sentinel := namespace.SentinelPath(rootfsPath)
	if err := os.MkdirAll(filepath.Dir(sentinel), 0o755); err != nil {
		return e.failStartup(c, "sentinel_write", err)
	}
	if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
		return e.failStartup(c, "sentinel_write", err)
	}

	if err := e.store.UpdateContainerState(c.ID, types.ContainerStateRunning); err != nil {
		return err
	}
	metrics.ContainersTotal.WithLabelValues(string(types.ContainerStateRunning)).Inc()
	e.emit(c.ID, types.EventContainerReady)

	go e.monitor(c.ID, cmd, logWriter)

	return nil
}

// failStartup records a startup failure, transitions the container to
// Error, emits ContainerStartupFailed, and enqueues cleanup so any
// partially-acquired resources (IP allocation, cgroup, rootfs) are
// released.
func (e *Engine) failStartup(c *types.Container, phase string, cause error) error {
	metrics.ContainerStartFailuresTotal.Inc()
	_ = e.store.UpdateContainerState(c.ID, types.ContainerStateError)
	e.events.Emit(types.LifecycleEvent{
		Type:        types.EventContainerStartupFailed,
		ContainerID: c.ID,
		Timestamp:   time.Now(),
		Phase:       phase,
		Reason:      cause.Error(),
	})
	e.cleanup.Enqueue(c.ID)
	return &quiltrrors.NamespaceSetupFailed{Phase: phase, Reason: cause.Error()}
}

// monitor waits for the container's process to exit and records the
// terminal state, matching spec section 5's non-blocking waitpid model
// (the blocking Wait here runs on its own goroutine, not the scheduler
// that serves RPCs).
func (e *Engine) monitor(containerID string, cmd *exec.Cmd, logWriter *containerLogWriter) {
	waitErr := cmd.Wait()
	logWriter.flush()

	state := types.ContainerStateExited
	exitCode := 0
	errMsg := ""

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				switch {
				case ws.Signaled():
					state = types.ContainerStateError
					errMsg = (&quiltrrors.SignalTerminated{Signal: ws.Signal().String()}).Error()
					exitCode = 128 + int(ws.Signal())
				default:
					exitCode = ws.ExitStatus()
				}
			}
		} else {
			state = types.ContainerStateError
			errMsg = waitErr.Error()
		}
	}

	if c, err := e.store.GetContainer(containerID); err == nil {
		c.State = state
		c.ExitCode = &exitCode
		c.ErrorMsg = errMsg
		c.UpdatedAt = time.Now()
		if err := e.store.UpdateContainer(c); err != nil {
			log.WithComponent("engine").Warn().Err(err).Str("container_id", containerID).Msg("persist exit state")
		}
	}
	metrics.ContainersTotal.WithLabelValues(string(state)).Inc()

	e.mu.Lock()
	ctrl := e.controllers[containerID]
	delete(e.controllers, containerID)
	e.mu.Unlock()
	if ctrl != nil {
		if err := ctrl.Delete(); err != nil {
			log.WithComponent("engine").Warn().Err(err).Str("container_id", containerID).Msg("delete cgroup")
		}
	}

	e.cleanup.Enqueue(containerID)
}

// Stop sends SIGTERM, waits up to timeout for the process to exit, and
// escalates to SIGKILL. A no-op if the container is already terminal
// (Open Question decision: treated as success, not an error), matching
// the teacher's stopContainer idempotence.
func (e *Engine) Stop(id string, timeout time.Duration) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerStopDuration)

	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	c, err := e.store.GetContainer(id)
	if err != nil {
		return err
	}
	if isTerminal(c.State) {
		return nil
	}
	if c.PID == 0 {
		return nil
	}

	if err := signalProcess(c.PID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("send sigterm: %w", err)
	}
	if e.waitTerminal(id, timeout) {
		return nil
	}

	if err := signalProcess(c.PID, syscall.SIGKILL); err != nil {
		return fmt.Errorf("send sigkill: %w", err)
	}
	e.waitTerminal(id, killGraceWait)
	return nil
}

// Kill sends SIGKILL unconditionally, per spec section 4.6.
func (e *Engine) Kill(id string) error {
	c, err := e.store.GetContainer(id)
	if err != nil {
		return err
	}
	if c.PID == 0 {
		return nil
	}
	return signalProcess(c.PID, syscall.SIGKILL)
}

// Remove deletes a container's record after releasing every resource it
// owns: rootfs, overlay mount, cgroup, network allocation, veth pair,
// and DNS registration. Requires a terminal state unless force is set.
func (e *Engine) Remove(ctx context.Context, id string, force bool) error {
	c, err := e.store.GetContainer(id)
	if err != nil {
		return err
	}
	if !isTerminal(c.State) {
		if !force {
			return &quiltrrors.ValidationFailed{Message: fmt.Sprintf("container %s is not terminal; use force", id)}
		}
		if err := e.Kill(id); err != nil {
			log.WithComponent("engine").Warn().Err(err).Str("container_id", id).Msg("force-kill before remove")
		}
		e.waitTerminal(id, killGraceWait)
	}

	if err := image.CleanupRootfs(ctx, e.cfg.OverlaysDir, id); err != nil {
		log.WithComponent("engine").Warn().Err(err).Str("container_id", id).Msg("cleanup rootfs")
	}

	e.mu.Lock()
	ctrl := e.controllers[id]
	delete(e.controllers, id)
	e.mu.Unlock()
	if ctrl != nil {
		_ = ctrl.Delete()
	} else {
		_ = namespace.DeleteCgroupByID(id)
	}

	if c.Namespaces.Network {
		if err := e.net.TeardownContainerNetwork(ctx, id); err != nil {
			log.WithComponent("engine").Warn().Err(err).Str("container_id", id).Msg("teardown network")
		}
		if err := e.net.ReleaseIP(id); err != nil {
			log.WithComponent("engine").Warn().Err(err).Str("container_id", id).Msg("release ip")
		}
		if e.registry != nil {
			e.registry.Unregister(id)
		}
	}

	if layer, err := e.layerForContainer(c); err == nil && c.RootfsPath != "" {
		if _, err := e.cache.Release(layer.Hash); err != nil {
			log.WithComponent("engine").Warn().Err(err).Str("container_id", id).Msg("release layer")
		}
	}

	if err := e.store.DeleteLogs(id); err != nil {
		log.WithComponent("engine").Warn().Err(err).Str("container_id", id).Msg("delete logs")
	}

	return e.store.DeleteContainer(id)
}

func (e *Engine) layerForContainer(c *types.Container) (*types.ImageLayer, error) {
	hash, err := image.HashFor(c.ImagePath)
	if err != nil {
		return nil, err
	}
	return e.store.GetLayer(hash)
}

func (e *Engine) waitTerminal(id string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := e.store.GetContainer(id)
		if err == nil && isTerminal(c.State) {
			return true
		}
		time.Sleep(stopPollInterval)
	}
	return false
}

func isTerminal(s types.ContainerState) bool {
	return s == types.ContainerStateExited || s == types.ContainerStateError
}

func signalProcess(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(pid, sig); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

func (e *Engine) emit(containerID string, eventType types.EventType) {
	e.events.Emit(types.LifecycleEvent{Type: eventType, ContainerID: containerID, Timestamp: time.Now()})
}

func shortID(id string) string {
	if len(id) > 8 {
		return strings.ToLower(id[:8])
	}
	return id
}
