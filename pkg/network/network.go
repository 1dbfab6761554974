// Package network owns the host bridge, atomic IP allocation glue,
// veth pair lifecycle, and DNS registration of spec section 4.3. Link
// and address mutations are performed by shelling out to the platform
// "ip" utility; github.com/vishvananda/netlink is used only for
// read-only introspection before mutating, per spec section 4.3's
// emphasis that failures report both the command's stderr and context.
package network

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/cuemby/quilt/pkg/dns"
	"github.com/cuemby/quilt/pkg/events"
	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/quiltrrors"
	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/types"
)

const (
	ipCommandTimeout = 60 * time.Second
	vethNamePrefixLen = 8

	// prefixLen is the /16 subnet's per-address prefix length, assigned
	// to each container interface per spec section 6.
	prefixLen = 16
)

// Config describes the bridge this daemon owns.
type Config struct {
	BridgeName string
	SubnetCIDR string // e.g. "10.88.0.0/16"
	GatewayIP  string // e.g. "10.88.0.1", the bridge's own address
}

// Manager is the process-wide singleton owning the host bridge and
// per-container veth setup. One Manager is constructed at daemon
// startup and shared by every container's lifecycle.
type Manager struct {
	cfg      Config
	store    storage.Store
	events   *events.Coordinator
	registry *dns.Registry
}

// NewManager constructs a network manager. It does not touch the host
// until EnsureBridge is called.
func NewManager(cfg Config, store storage.Store, coord *events.Coordinator, registry *dns.Registry) *Manager {
	return &Manager{cfg: cfg, store: store, events: coord, registry: registry}
}

// EnsureBridge ensures the host bridge exists, is addressed with the
// gateway IP, and is up. If an existing bridge is misconfigured
// (wrong or missing address), it is torn down and rebuilt, per spec
// section 4.3.
func (m *Manager) EnsureBridge(ctx context.Context) error {
	link, err := netlink.LinkByName(m.cfg.BridgeName)
	if err == nil {
		if m.bridgeConfiguredCorrectly(link) {
			return m.runIP(ctx, "link", "set", m.cfg.BridgeName, "up")
		}
		log.WithComponent("network").Warn().Str("bridge", m.cfg.BridgeName).
			Msg("existing bridge misconfigured, rebuilding")
		if err := m.runIP(ctx, "link", "delete", m.cfg.BridgeName); err != nil {
			return fmt.Errorf("remove misconfigured bridge: %w", err)
		}
	}

	if err := m.runIP(ctx, "link", "add", "name", m.cfg.BridgeName, "type", "bridge"); err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	gateway := fmt.Sprintf("%s/%d", m.cfg.GatewayIP, prefixLen)
	if err := m.runIP(ctx, "addr", "add", gateway, "dev", m.cfg.BridgeName); err != nil {
		return fmt.Errorf("address bridge: %w", err)
	}
	if err := m.runIP(ctx, "link", "set", m.cfg.BridgeName, "up"); err != nil {
		return fmt.Errorf("bring up bridge: %w", err)
	}
	return nil
}

func (m *Manager) bridgeConfiguredCorrectly(link netlink.Link) bool {
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return false
	}
	want := m.cfg.GatewayIP
	for _, a := range addrs {
		if a.IP.String() == want {
			return true
		}
	}
	return false
}

// AllocateIP is the engine's entry point into the store's atomic IP
// allocation (spec section 4.1), scoped to this manager's bridge and
// subnet.
func (m *Manager) AllocateIP(containerID string) (*types.NetworkAllocation, error) {
	return m.store.AllocateIP(containerID, m.cfg.BridgeName, m.cfg.SubnetCIDR)
}

// ReleaseIP marks an allocation Cleaned and then deletes its record,
// freeing its address for reuse.
// Idempotent: a missing allocation is not an error.
func (m *Manager) ReleaseIP(containerID string) error {
	if err := m.store.UpdateAllocationStatus(containerID, types.AllocationCleaned); err != nil {
		var notFound *quiltrrors.NotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return m.store.DeleteAllocation(containerID)
}

// vethNames derives predictable, colliding-safe veth pair names from an
// 8-character prefix of the container id, per spec section 4.3.
func vethNames(containerID string) (host, container string) {
	prefix := containerID
	if len(prefix) > vethNamePrefixLen {
		prefix = prefix[:vethNamePrefixLen]
	}
	return "veth" + prefix + "h", "veth" + prefix + "c"
}

func (m *Manager) runIP(ctx context.Context, args ...string) error {
	return runCommand(ctx, "ip", args...)
}

func runCommand(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, ipCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func emit(coord *events.Coordinator, containerID string, eventType types.EventType) {
	if coord == nil {
		return
	}
	coord.Emit(types.LifecycleEvent{Type: eventType, ContainerID: containerID, Timestamp: time.Now()})
}

// interfaceExists reports whether a link with the given name is
// present, using netlink for a cheap read before attempting cleanup.
func interfaceExists(name string) bool {
	_, err := netlink.LinkByName(name)
	return err == nil
}
