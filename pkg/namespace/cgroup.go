package namespace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	cgroupsv1 "github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/types"
)

const (
	cgroupV2Root   = "/sys/fs/cgroup"
	cgroupV2Parent = "quilt"

	// cpuSharesBase is the traditional v1 CPU-shares default; it maps
	// onto a v2 cpu.weight of 100 per spec section 4.4.
	cpuSharesBase  = 1024
	cpuWeightBase  = 100
	cpuQuotaPeriod = 100000 // microseconds, standard CFS period
)

// CgroupController writes and tears down the resource limits for one
// container's cgroup, preferring v2 and falling back to v1, per spec
// section 4.4. Missing controllers produce warnings, never fatal
// errors: the container still runs with weaker isolation.
type CgroupController struct {
	v2          bool
	containerID string

	v1cgroup cgroupsv1.Cgroup // only set when v2 is unavailable
}

// IsV2 reports whether the host uses the unified cgroup v2 hierarchy,
// detected by the presence of "cgroup.controllers" at the root, per
// spec section 4.4.
func IsV2() bool {
	_, err := os.Stat(filepath.Join(cgroupV2Root, "cgroup.controllers"))
	return err == nil
}

// NewCgroup creates (or reopens) the cgroup for containerID and applies
// limits. Called once at container start; the returned controller's
// AddProcess and Delete methods are used by the engine afterward.
func NewCgroup(containerID string, limits types.ResourceLimits) (*CgroupController, error) {
	if IsV2() {
		c := &CgroupController{v2: true, containerID: containerID}
		if err := c.createV2(limits); err != nil {
			return nil, err
		}
		return c, nil
	}

	resources := v1Resources(limits)
	cg, err := cgroupsv1.New(cgroupsv1.V1, cgroupsv1.StaticPath("/quilt/"+containerID), resources)
	if err != nil {
		return nil, fmt.Errorf("create v1 cgroup: %w", err)
	}
	return &CgroupController{v1cgroup: cg, containerID: containerID}, nil
}

func v1Resources(limits types.ResourceLimits) *specs.LinuxResources {
	mem := limits.MemoryMB * 1024 * 1024
	shares := uint64(cpuSharesBase)
	pids := limits.PIDsLimit

	r := &specs.LinuxResources{}
	if limits.MemoryMB > 0 {
		r.Memory = &specs.LinuxMemory{Limit: &mem}
	}
	r.CPU = &specs.LinuxCPU{Shares: &shares}
	if limits.CPUPercent > 0 {
		quota := int64(limits.CPUPercent / 100 * cpuQuotaPeriod)
		period := uint64(cpuQuotaPeriod)
		r.CPU.Quota = &quota
		r.CPU.Period = &period
	}
	if pids > 0 {
		r.Pids = &specs.LinuxPids{Limit: pids}
	}
	return r
}

func (c *CgroupController) v2Dir() string {
	return filepath.Join(cgroupV2Root, cgroupV2Parent, c.containerID)
}

// createV2 creates the container's directory under the daemon-prefixed
// parent, enables the memory/cpu/pids controllers in the parent's
// subtree_control, and writes the per-controller limit files.
func (c *CgroupController) createV2(limits types.ResourceLimits) error {
	parent := filepath.Join(cgroupV2Root, cgroupV2Parent)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create cgroup parent: %w", err)
	}
	if err := writeFileWarn(filepath.Join(parent, "cgroup.subtree_control"), "+memory +cpu +pids"); err != nil {
		log.WithComponent("namespace").Warn().Err(err).Msg("enable cgroup v2 controllers")
	}

	dir := c.v2Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cgroup directory: %w", err)
	}

	if limits.MemoryMB > 0 {
		bytes := limits.MemoryMB * 1024 * 1024
		writeLimitWarn(dir, "memory.max", strconv.FormatInt(bytes, 10))
	}

	if limits.CPUPercent > 0 {
		quota := int64(limits.CPUPercent / 100 * cpuQuotaPeriod)
		writeLimitWarn(dir, "cpu.max", fmt.Sprintf("%d %d", quota, cpuQuotaPeriod))
	} else {
		writeLimitWarn(dir, "cpu.max", "max")
	}
	writeLimitWarn(dir, "cpu.weight", strconv.Itoa(cpuWeightBase))

	if limits.PIDsLimit > 0 {
		writeLimitWarn(dir, "pids.max", strconv.FormatInt(limits.PIDsLimit, 10))
	}

	return nil
}

func writeLimitWarn(dir, file, value string) {
	path := filepath.Join(dir, file)
	if err := writeFileWarn(path, value); err != nil {
		log.WithComponent("namespace").Warn().Err(err).Str("file", path).Msg("write cgroup limit")
	}
}

func writeFileWarn(path, value string) error {
	if _, err := os.Stat(path); err != nil {
		return err // controller file absent; caller logs as warning
	}
	return os.WriteFile(path, []byte(value), 0o644)
}

// DeleteCgroupByID tears down a container's cgroup directory without
// requiring the original controller handle returned by NewCgroup, used
// by the cleanup worker's idempotent retry path when a container's
// in-memory controller was lost (daemon restart, crashed start
// attempt).
func DeleteCgroupByID(containerID string) error {
	if IsV2() {
		dir := filepath.Join(cgroupV2Root, cgroupV2Parent, containerID)
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove cgroup directory: %w", err)
		}
		return nil
	}

	cg, err := cgroupsv1.Load(cgroupsv1.V1, cgroupsv1.StaticPath("/quilt/"+containerID))
	if err != nil {
		if strings.Contains(err.Error(), "no such file") || strings.Contains(err.Error(), "cgroup deleted") {
			return nil
		}
		return fmt.Errorf("load v1 cgroup: %w", err)
	}
	if err := cg.Delete(); err != nil && !strings.Contains(err.Error(), "no such file") {
		return fmt.Errorf("delete v1 cgroup: %w", err)
	}
	return nil
}

// AddProcess writes pid into the cgroup's process list: "cgroup.procs"
// for v2, or the per-controller "tasks" file for v1.
func (c *CgroupController) AddProcess(pid int) error {
	if c.v2 {
		return writeFileWarn(filepath.Join(c.v2Dir(), "cgroup.procs"), strconv.Itoa(pid))
	}
	return c.v1cgroup.Add(cgroupsv1.Process{Pid: pid})
}

// Delete removes the container's cgroup. Idempotent: a missing
// directory/hierarchy is treated as already-clean, per spec section
// 4.7's idempotent-cleanup law.
func (c *CgroupController) Delete() error {
	if c.v2 {
		if err := os.Remove(c.v2Dir()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove cgroup directory: %w", err)
		}
		return nil
	}
	if c.v1cgroup == nil {
		return nil
	}
	if err := c.v1cgroup.Delete(); err != nil && !strings.Contains(err.Error(), "no such file") {
		return fmt.Errorf("delete v1 cgroup: %w", err)
	}
	return nil
}
