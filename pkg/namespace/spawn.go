package namespace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/cuemby/quilt/pkg/types"
)

const (
	// InitEnvVar marks a re-exec of the daemon binary as a container
	// init process rather than a normal daemon start.
	InitEnvVar = "QUILT_INIT"

	// ConfigPathEnvVar names the file holding the marshaled InitConfig
	// for this re-exec.
	ConfigPathEnvVar = "QUILT_INIT_CONFIG"

	// sentinelName is the file the init process waits for inside the
	// container's rootfs before exec'ing the user command, signaling
	// that networking (if enabled) has finished setup.
	sentinelName = "quilt-network-ready"
)

// InitConfig is everything the re-exec'd init process needs to finish
// container startup; it is marshaled to a file and read back by
// RunInit, since a re-exec cannot share in-memory state with its
// parent.
type InitConfig struct {
	ContainerID string            `json:"container_id"`
	RootfsPath  string            `json:"rootfs_path"`
	Command     []string          `json:"command"`
	Env         map[string]string `json:"env"`
	WorkingDir  string            `json:"working_dir"`
	Mounts      []types.Mount     `json:"mounts"`
	Hostname    string            `json:"hostname"`
	WaitNetwork bool              `json:"wait_network"`
}

// SentinelPath returns the path, inside rootfsPath, that the init
// process waits for and the engine creates once network setup (if any)
// has completed.
func SentinelPath(rootfsPath string) string {
	return filepath.Join(rootfsPath, "tmp", sentinelName)
}

// Build constructs the exec.Cmd that will re-exec the current binary
// as the container's init process, cloning only the namespaces the
// container requests. It does not start the command. stdout/stderr, if
// non-nil, are wired to the child's output streams so the caller can
// capture the container's log per spec section 4.1; either may be nil
// to discard that stream.
func Build(cfg InitConfig, flags types.NamespaceFlags, runDir string, stdout, stderr io.Writer) (*exec.Cmd, error) {
	configPath := filepath.Join(runDir, cfg.ContainerID+"-init.json")
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal init config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write init config: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve daemon binary: %w", err)
	}

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(),
		InitEnvVar+"=1",
		ConfigPathEnvVar+"="+configPath,
	)
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	var cloneFlags uintptr
	if flags.UTS {
		cloneFlags |= syscall.CLONE_NEWUTS
	}
	if flags.PID {
		cloneFlags |= syscall.CLONE_NEWPID
	}
	if flags.Mount {
		cloneFlags |= syscall.CLONE_NEWNS
	}
	if flags.IPC {
		cloneFlags |= syscall.CLONE_NEWIPC
	}
	if flags.Network {
		cloneFlags |= syscall.CLONE_NEWNET
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneFlags,
		Pdeathsig:  syscall.SIGKILL,
	}

	return cmd, nil
}

// StartWithFallback builds and starts the init re-exec with the
// requested namespace flags, wiring stdout/stderr to the caller's
// writers. If Start fails (typically because the kernel lacks support
// for one of the requested namespaces), it logs a warning and retries
// once with no namespaces at all, matching spec section 4.4's
// instruction to fall back to an unisolated fork rather than fail the
// container outright.
func StartWithFallback(cfg InitConfig, flags types.NamespaceFlags, runDir string, stdout, stderr io.Writer, onFallback func(error)) (*exec.Cmd, error) {
	cmd, err := Build(cfg, flags, runDir, stdout, stderr)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err == nil {
		return cmd, nil
	} else if onFallback != nil {
		onFallback(err)
	}

	cmd, err = Build(cfg, types.NamespaceFlags{}, runDir, stdout, stderr)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start container process without namespaces: %w", err)
	}
	return cmd, nil
}

// IsInitReexec reports whether the current process was launched as a
// container init process, per InitEnvVar. cmd/quiltd's main checks
// this before any normal daemon startup.
func IsInitReexec() bool {
	return os.Getenv(InitEnvVar) == "1"
}

// LoadInitConfig reads back the InitConfig written by Build, using the
// path named by ConfigPathEnvVar in the current environment.
func LoadInitConfig() (InitConfig, error) {
	var cfg InitConfig
	path := os.Getenv(ConfigPathEnvVar)
	if path == "" {
		return cfg, fmt.Errorf("%s not set", ConfigPathEnvVar)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read init config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse init config: %w", err)
	}
	return cfg, nil
}
