package network

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cuemby/quilt/pkg/quiltrrors"
	"github.com/cuemby/quilt/pkg/types"
)

// SetupContainerNetwork performs the per-container network setup
// sequence of spec section 4.3, in order: create the veth pair, move
// the container-side end into the child's netns by PID, configure the
// interface inside the namespace (rename, address, up, loopback,
// default route), then attach the host-side end to the bridge. Events
// are emitted between steps for the event coordinator's subscribers;
// the engine calls this function synchronously and does not wait on
// those events.
func (m *Manager) SetupContainerNetwork(ctx context.Context, containerID string, pid int, ip string) (hostVeth, containerVeth string, err error) {
	hostVeth, containerVeth = vethNames(containerID)
	emit(m.events, containerID, types.EventNetworkSetupStarted)

	cleanupStale(ctx, hostVeth, containerVeth)

	if err := m.runIP(ctx, "link", "add", hostVeth, "type", "veth", "peer", "name", containerVeth); err != nil {
		return "", "", &quiltrrors.NamespaceSetupFailed{Phase: "veth_create", Reason: err.Error()}
	}
	emit(m.events, containerID, types.EventVethPairCreated)

	if err := m.runIP(ctx, "link", "set", containerVeth, "netns", strconv.Itoa(pid)); err != nil {
		m.rollbackVeth(ctx, hostVeth)
		return "", "", &quiltrrors.NamespaceSetupFailed{Phase: "veth_move_netns", Reason: err.Error()}
	}

	containerName := "eth-" + shortID(containerID)
	if err := m.configureInNamespace(ctx, pid, containerVeth, containerName, ip); err != nil {
		m.rollbackVeth(ctx, hostVeth)
		return "", "", err
	}

	if err := m.runIP(ctx, "link", "set", hostVeth, "master", m.cfg.BridgeName); err != nil {
		m.rollbackVeth(ctx, hostVeth)
		return "", "", &quiltrrors.NamespaceSetupFailed{Phase: "bridge_attach", Reason: err.Error()}
	}
	if err := m.runIP(ctx, "link", "set", hostVeth, "up"); err != nil {
		m.rollbackVeth(ctx, hostVeth)
		return "", "", &quiltrrors.NamespaceSetupFailed{Phase: "bridge_attach", Reason: err.Error()}
	}
	emit(m.events, containerID, types.EventBridgeAttached)
	emit(m.events, containerID, types.EventNetworkSetupCompleted)

	return hostVeth, containerVeth, nil
}

// configureInNamespace enters the target pid's network namespace via
// nsenter and renames/addresses/activates the container's interface.
// Renaming away from "eth0" avoids collisions with any tooling the
// user command expects to find a host-style default interface name.
func (m *Manager) configureInNamespace(ctx context.Context, pid int, vethName, finalName, ip string) error {
	nsenter := func(args ...string) error {
		full := append([]string{"-t", strconv.Itoa(pid), "-n", "--"}, args...)
		return runCommand(ctx, "nsenter", full...)
	}

	if err := nsenter("ip", "link", "set", vethName, "name", finalName); err != nil {
		return &quiltrrors.NamespaceSetupFailed{Phase: "netns_rename", Reason: err.Error()}
	}
	addr := fmt.Sprintf("%s/%d", ip, prefixLen)
	if err := nsenter("ip", "addr", "add", addr, "dev", finalName); err != nil {
		return &quiltrrors.NamespaceSetupFailed{Phase: "netns_address", Reason: err.Error()}
	}
	if err := nsenter("ip", "link", "set", finalName, "up"); err != nil {
		return &quiltrrors.NamespaceSetupFailed{Phase: "netns_up", Reason: err.Error()}
	}
	if err := nsenter("ip", "link", "set", "lo", "up"); err != nil {
		return &quiltrrors.NamespaceSetupFailed{Phase: "netns_loopback", Reason: err.Error()}
	}
	if err := nsenter("ip", "route", "add", "default", "via", m.cfg.GatewayIP); err != nil {
		return &quiltrrors.NamespaceSetupFailed{Phase: "netns_route", Reason: err.Error()}
	}
	return nil
}

// TeardownContainerNetwork removes a container's veth pair. Deleting
// the host-side end also destroys its peer; idempotent per spec
// section 4.7 since a missing interface is not an error.
func (m *Manager) TeardownContainerNetwork(ctx context.Context, containerID string) error {
	hostVeth, _ := vethNames(containerID)
	if !interfaceExists(hostVeth) {
		return nil
	}
	return m.runIP(ctx, "link", "delete", hostVeth)
}

func (m *Manager) rollbackVeth(ctx context.Context, hostVeth string) {
	_ = m.runIP(ctx, "link", "delete", hostVeth)
}

// cleanupStale removes any leftover interfaces with the names this
// container is about to claim, per spec section 4.3.
func cleanupStale(ctx context.Context, names ...string) {
	for _, name := range names {
		if interfaceExists(name) {
			_ = runCommand(ctx, "ip", "link", "delete", name)
		}
	}
}

func shortID(id string) string {
	if len(id) > vethNamePrefixLen {
		return id[:vethNamePrefixLen]
	}
	return id
}
