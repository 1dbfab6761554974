package namespace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/quilt/pkg/types"
)

const sentinelPollInterval = 100 * time.Millisecond

// RunInit is the entry point for the re-exec'd child process built by
// Build/StartWithFallback. It performs, in order (spec section 4.4):
// make mount propagation private, bind-mount the rootfs to itself,
// mount /proc, /sys, /dev/pts, apply user mounts, set the hostname,
// chroot and chdir("/"), wait for the network-ready sentinel, set
// environment variables, and exec the user command. It never returns
// on success — the process image is replaced by exec.
func RunInit() error {
	cfg, err := LoadInitConfig()
	if err != nil {
		return fmt.Errorf("load init config: %w", err)
	}

	if err := privatizePropagation(); err != nil {
		return fmt.Errorf("privatize mount propagation: %w", err)
	}
	if err := bindMountSelf(cfg.RootfsPath); err != nil {
		return fmt.Errorf("bind-mount rootfs: %w", err)
	}
	if err := mountKernelFilesystems(cfg.RootfsPath); err != nil {
		return fmt.Errorf("mount kernel filesystems: %w", err)
	}
	if err := applyUserMounts(cfg.RootfsPath, cfg.Mounts); err != nil {
		return fmt.Errorf("apply user mounts: %w", err)
	}
	if cfg.Hostname != "" {
		if err := unix.Sethostname([]byte(cfg.Hostname)); err != nil {
			return fmt.Errorf("set hostname: %w", err)
		}
	}

	if err := unix.Chroot(cfg.RootfsPath); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir after chroot: %w", err)
	}

	if cfg.WaitNetwork {
		waitForSentinel(filepath.Join("/tmp", sentinelName))
	}

	return execCommand(cfg)
}

// privatizePropagation makes "/" and its submounts MS_PRIVATE |
// MS_REC so mounts performed inside the container's mount namespace
// never propagate back to the host.
func privatizePropagation() error {
	return unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, "")
}

// bindMountSelf bind-mounts rootfs onto itself so it becomes a mount
// point in its own right, a prerequisite for chroot-based isolation.
func bindMountSelf(rootfs string) error {
	return unix.Mount(rootfs, rootfs, "", unix.MS_BIND|unix.MS_REC, "")
}

func mountKernelFilesystems(rootfs string) error {
	proc := filepath.Join(rootfs, "proc")
	if err := os.MkdirAll(proc, 0o755); err != nil {
		return err
	}
	if err := unix.Mount("proc", proc, "proc", 0, ""); err != nil {
		return fmt.Errorf("mount /proc: %w", err)
	}

	sys := filepath.Join(rootfs, "sys")
	if err := os.MkdirAll(sys, 0o755); err != nil {
		return err
	}
	sysFlags := uintptr(unix.MS_RDONLY | unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV)
	if err := unix.Mount("sysfs", sys, "sysfs", sysFlags, ""); err != nil {
		return fmt.Errorf("mount /sys: %w", err)
	}

	devpts := filepath.Join(rootfs, "dev", "pts")
	if _, err := os.Stat(filepath.Join(rootfs, "dev")); err == nil {
		if err := os.MkdirAll(devpts, 0o755); err != nil {
			return err
		}
		if err := unix.Mount("devpts", devpts, "devpts", 0, "newinstance,ptmxmode=0666,mode=0620"); err != nil {
			return fmt.Errorf("mount /dev/pts: %w", err)
		}
	}

	return nil
}

// applyUserMounts performs the container's bind, volume, and tmpfs
// mounts in order, honoring readonly and tmpfs size/mode options.
func applyUserMounts(rootfs string, mounts []types.Mount) error {
	for _, m := range mounts {
		target := filepath.Join(rootfs, m.Target)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("create mount target %s: %w", m.Target, err)
		}

		switch m.Type {
		case types.MountBind, types.MountVolume:
			if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
				return fmt.Errorf("bind mount %s -> %s: %w", m.Source, m.Target, err)
			}
			if m.ReadOnly {
				if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
					return fmt.Errorf("remount %s readonly: %w", m.Target, err)
				}
			}
		case types.MountTmpfs:
			data := tmpfsOptions(m.Options)
			if err := unix.Mount("tmpfs", target, "tmpfs", 0, data); err != nil {
				return fmt.Errorf("mount tmpfs at %s: %w", m.Target, err)
			}
		}
	}
	return nil
}

func tmpfsOptions(options map[string]string) string {
	var parts []string
	if size, ok := options["size"]; ok {
		parts = append(parts, "size="+size)
	}
	if mode, ok := options["mode"]; ok {
		parts = append(parts, "mode="+mode)
	}
	return strings.Join(parts, ",")
}

// waitForSentinel polls for path's existence with no overall timeout:
// startup is event-driven end-to-end per spec section 5, and the
// caller process owning this child is itself bounded by the network
// setup's own timeouts.
func waitForSentinel(path string) {
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(sentinelPollInterval)
	}
}

// execCommand replaces the current process image with the container's
// user command. A command that already looks like a shell invocation
// ("/bin/sh -c <string>") is passed through unwrapped; anything else is
// wrapped in "/bin/sh -c" per spec section 4.4's shell-detection rule.
func execCommand(cfg InitConfig) error {
	argv := cfg.Command
	if !looksLikeShellInvocation(argv) {
		argv = []string{"/bin/sh", "-c", strings.Join(cfg.Command, " ")}
	}

	path, err := resolveInPath(argv[0])
	if err != nil {
		return fmt.Errorf("resolve command %q: %w", argv[0], err)
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	if cfg.WorkingDir != "" {
		if err := os.Chdir(cfg.WorkingDir); err != nil {
			return fmt.Errorf("chdir to working dir: %w", err)
		}
	}

	return syscall.Exec(path, argv, env)
}

func looksLikeShellInvocation(argv []string) bool {
	return len(argv) >= 2 && argv[1] == "-c" && (argv[0] == "/bin/sh" || argv[0] == "/bin/bash" || argv[0] == "sh" || argv[0] == "bash")
}

func resolveInPath(name string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	for _, dir := range []string{"/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/usr/bin", "/sbin", "/bin"} {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return name, nil
}
