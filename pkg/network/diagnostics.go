package network

import (
	"context"
	"net"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// DiagnosticsReport is the structured report of the ICC diagnose
// command, supplementing spec.md §6's "list networks and DNS entries"
// with the per-container connectivity checks original_source/src/icc/
// network/diagnostics.rs performs, simplified to the checks that can
// be expressed without a live ping round-trip dependency.
type DiagnosticsReport struct {
	ContainerID        string `json:"container_id"`
	BridgeName         string `json:"bridge_name"`
	BridgeUp           bool   `json:"bridge_up"`
	HostVeth           string `json:"host_veth"`
	HostVethPresent    bool   `json:"host_veth_present"`
	HostVethAttached   bool   `json:"host_veth_attached_to_bridge"`
	IPAddress          string `json:"ip_address"`
	DNSRegistered      bool   `json:"dns_registered"`
	DNSName            string `json:"dns_name,omitempty"`
	ContainerNetnsOpen bool   `json:"container_netns_open"`
	ContainerIfaceUp   bool   `json:"container_interface_up"`
}

// Diagnose inspects the bridge, a container's veth pair, and its DNS
// registration without requiring a live container process, returning a
// report the "icc diagnose" CLI subcommand renders.
func (m *Manager) Diagnose(ctx context.Context, containerID string) (*DiagnosticsReport, error) {
	alloc, err := m.store.GetAllocation(containerID)
	if err != nil {
		return nil, err
	}

	hostVeth, _ := vethNames(containerID)
	report := &DiagnosticsReport{
		ContainerID:     containerID,
		BridgeName:      m.cfg.BridgeName,
		HostVeth:        hostVeth,
		HostVethPresent: interfaceExists(hostVeth),
		IPAddress:       alloc.IPAddress,
	}

	if bridge, err := netlink.LinkByName(m.cfg.BridgeName); err == nil {
		report.BridgeUp = bridge.Attrs().Flags&net.FlagUp != 0
	}
	report.HostVethAttached = report.HostVethPresent && vethMaster(hostVeth) == m.cfg.BridgeName

	if m.registry != nil {
		if _, ok := m.registry.Lookup(containerID); ok {
			report.DNSRegistered = true
		}
	}

	if c, cErr := m.store.GetContainer(containerID); cErr == nil {
		if report.DNSRegistered {
			report.DNSName = c.Name
		}
		if c.PID != 0 {
			finalName := "eth-" + shortID(containerID)
			report.ContainerNetnsOpen, report.ContainerIfaceUp = inspectContainerInterface(c.PID, finalName)
		}
	}

	return report, nil
}

// inspectContainerInterface opens the target pid's network namespace
// read-only and checks the container's own interface state, without
// shelling out to nsenter or switching the calling goroutine's
// namespace the way SetupContainerNetwork's mutating nsenter calls do.
func inspectContainerInterface(pid int, ifaceName string) (nsOpen, ifaceUp bool) {
	ns, err := netns.GetFromPid(pid)
	if err != nil {
		return false, false
	}
	defer ns.Close()

	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		return true, false
	}
	defer handle.Close()

	link, err := handle.LinkByName(ifaceName)
	if err != nil {
		return true, false
	}
	return true, link.Attrs().Flags&net.FlagUp != 0
}

// vethMaster returns the name of the bridge a veth interface is
// attached to, or "" if it has no master or cannot be inspected.
func vethMaster(name string) string {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return ""
	}
	masterIdx := link.Attrs().MasterIndex
	if masterIdx == 0 {
		return ""
	}
	master, err := netlink.LinkByIndex(masterIdx)
	if err != nil {
		return ""
	}
	return master.Attrs().Name
}
