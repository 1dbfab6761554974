// Command quilt is the CLI client for quiltd, grounded on
// cmd/warren/main.go's cobra root + per-subcommand client-dial pattern,
// collapsed from a cluster-management tree down to the single-host
// container commands of spec section 6.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/quilt/pkg/api"
	"github.com/cuemby/quilt/pkg/client"
	"github.com/cuemby/quilt/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "quilt",
	Short:   "Quilt container runtime client",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("quilt version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("server-addr", "127.0.0.1:50051", "quiltd JSON-over-HTTP address")

	rootCmd.AddCommand(createCmd, startCmd, stopCmd, killCmd, removeCmd, statusCmd, logsCmd, execCmd, iccCmd)

	createCmd.Flags().StringSlice("env", nil, "Environment variable KEY=VALUE (repeatable)")
	createCmd.Flags().String("workdir", "", "Working directory inside the container")
	createCmd.Flags().String("memory", "", "Memory limit, e.g. 512m, 1g")
	createCmd.Flags().Float64("cpu-percent", 0, "CPU limit as a percentage of one core")
	createCmd.Flags().Int64("pids-limit", 0, "Maximum number of processes (0 = unlimited)")
	createCmd.Flags().String("name", "", "Container name, must be unique")
	createCmd.Flags().Bool("async", false, "Allow creating the container without a command")
	createCmd.Flags().StringSlice("mount", nil, "Mount SRC:DST[:ro] (repeatable)")
	createCmd.Flags().Bool("no-pid-ns", false, "Disable PID namespace isolation")
	createCmd.Flags().Bool("no-mount-ns", false, "Disable mount namespace isolation")
	createCmd.Flags().Bool("no-uts-ns", false, "Disable UTS namespace isolation")
	createCmd.Flags().Bool("no-ipc-ns", false, "Disable IPC namespace isolation")
	createCmd.Flags().Bool("no-network-ns", false, "Disable network namespace isolation")

	for _, c := range []*cobra.Command{startCmd, stopCmd, killCmd, removeCmd, statusCmd, logsCmd, execCmd} {
		c.Flags().Bool("by-name", false, "Address the container by name instead of id")
	}
	stopCmd.Flags().Int("timeout", 10, "Seconds to wait after SIGTERM before SIGKILL")
	removeCmd.Flags().Bool("force", false, "Remove even if the container is running")
	execCmd.Flags().StringSlice("env", nil, "Environment variable KEY=VALUE (repeatable)")
	execCmd.Flags().String("workdir", "", "Working directory for the exec'd command")
	execCmd.Flags().Bool("capture", true, "Capture and print command output")
	execCmd.Flags().String("copy-script", "", "Local script path to copy into the container before running it")

	iccCmd.AddCommand(iccNetworksCmd, iccDNSCmd, iccDiagnoseCmd)
}

func newClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server-addr")
	return client.New(addr)
}

func withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, client.DefaultTimeout)
}

var createCmd = &cobra.Command{
	Use:   "create IMAGE_PATH -- COMMAND [ARGS...]",
	Short: "Create a container from an image archive",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		imagePath := args[0]
		command := args[1:]

		envPairs, _ := cmd.Flags().GetStringSlice("env")
		workdir, _ := cmd.Flags().GetString("workdir")
		memStr, _ := cmd.Flags().GetString("memory")
		cpuPct, _ := cmd.Flags().GetFloat64("cpu-percent")
		pidsLimit, _ := cmd.Flags().GetInt64("pids-limit")
		name, _ := cmd.Flags().GetString("name")
		async, _ := cmd.Flags().GetBool("async")
		mountSpecs, _ := cmd.Flags().GetStringSlice("mount")
		noPID, _ := cmd.Flags().GetBool("no-pid-ns")
		noMount, _ := cmd.Flags().GetBool("no-mount-ns")
		noUTS, _ := cmd.Flags().GetBool("no-uts-ns")
		noIPC, _ := cmd.Flags().GetBool("no-ipc-ns")
		noNet, _ := cmd.Flags().GetBool("no-network-ns")

		memBytes, err := parseMemory(memStr)
		if err != nil {
			return err
		}

		mounts, err := parseMounts(mountSpecs)
		if err != nil {
			return err
		}

		req := api.CreateContainerRequest{
			ImagePath:     imagePath,
			Command:       command,
			Environment:   parseEnv(envPairs),
			WorkingDir:    workdir,
			MemoryLimitMB: memBytes / (1024 * 1024),
			CPULimitPct:   cpuPct,
			PIDsLimit:     pidsLimit,
			EnablePID:     !noPID,
			EnableMount:   !noMount,
			EnableUTS:     !noUTS,
			EnableIPC:     !noIPC,
			EnableNetwork: !noNet,
			Name:          name,
			AsyncMode:     async,
			Mounts:        mounts,
		}

		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		id, err := newClient(cmd).CreateContainer(ctx, req)
		if err != nil {
			return fmt.Errorf("create container: %w", err)
		}

		fmt.Printf("Container created\n")
		fmt.Printf("ID: %s\n", id)
		if name != "" {
			fmt.Printf("Name: %s\n", name)
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start CONTAINER",
	Short: "Start a created container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		byName, _ := cmd.Flags().GetBool("by-name")
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := newClient(cmd).StartContainer(ctx, args[0], byName); err != nil {
			return fmt.Errorf("start container: %w", err)
		}
		fmt.Printf("Container %s started\n", args[0])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop CONTAINER",
	Short: "Stop a running container (SIGTERM, then SIGKILL after a timeout)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		byName, _ := cmd.Flags().GetBool("by-name")
		timeoutSecs, _ := cmd.Flags().GetInt("timeout")

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(timeoutSecs+10)*time.Second)
		defer cancel()

		if err := newClient(cmd).StopContainer(ctx, args[0], byName, timeoutSecs); err != nil {
			return fmt.Errorf("stop container: %w", err)
		}
		fmt.Printf("Container %s stopped\n", args[0])
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill CONTAINER",
	Short: "Send SIGKILL to a running container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		byName, _ := cmd.Flags().GetBool("by-name")
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		if err := newClient(cmd).KillContainer(ctx, args[0], byName); err != nil {
			return fmt.Errorf("kill container: %w", err)
		}
		fmt.Printf("Container %s killed\n", args[0])
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove CONTAINER",
	Aliases: []string{"rm"},
	Short:   "Remove a container's record and reclaim its resources",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		byName, _ := cmd.Flags().GetBool("by-name")
		force, _ := cmd.Flags().GetBool("force")

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := newClient(cmd).RemoveContainer(ctx, args[0], byName, force); err != nil {
			return fmt.Errorf("remove container: %w", err)
		}
		fmt.Printf("Container %s removed\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status CONTAINER",
	Short: "Show a container's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		byName, _ := cmd.Flags().GetBool("by-name")
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		status, err := newClient(cmd).GetContainerStatus(ctx, args[0], byName)
		if err != nil {
			return fmt.Errorf("get container status: %w", err)
		}

		fmt.Printf("State:       %s\n", status.State)
		if status.PID != 0 {
			fmt.Printf("PID:         %d\n", status.PID)
		}
		if status.ExitCode != nil {
			fmt.Printf("Exit code:   %d\n", *status.ExitCode)
		}
		fmt.Printf("Created:     %s\n", status.CreatedAt.Format(time.RFC3339))
		if status.RootfsPath != "" {
			fmt.Printf("Rootfs:      %s\n", status.RootfsPath)
		}
		if status.IPAddress != "" {
			fmt.Printf("IP address:  %s\n", status.IPAddress)
		}
		if status.MemoryUsageBytes > 0 {
			fmt.Printf("Memory:      %s\n", formatBytes(status.MemoryUsageBytes))
		}
		if status.ErrorMessage != "" {
			fmt.Printf("Error:       %s\n", status.ErrorMessage)
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs CONTAINER",
	Short: "Print a container's buffered output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		byName, _ := cmd.Flags().GetBool("by-name")
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		lines, err := newClient(cmd).GetContainerLogs(ctx, args[0], byName)
		if err != nil {
			return fmt.Errorf("get container logs: %w", err)
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec CONTAINER -- COMMAND [ARGS...]",
	Short: "Run a one-off command inside a running container",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		byName, _ := cmd.Flags().GetBool("by-name")
		envPairs, _ := cmd.Flags().GetStringSlice("env")
		workdir, _ := cmd.Flags().GetString("workdir")
		capture, _ := cmd.Flags().GetBool("capture")
		copyScript, _ := cmd.Flags().GetString("copy-script")

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		out, err := newClient(cmd).ExecContainer(ctx, args[0], byName, api.ExecRequest{
			Command:       args[1:],
			WorkingDir:    workdir,
			Environment:   parseEnv(envPairs),
			CaptureOutput: capture,
			CopyScript:    copyScript,
		})
		if err != nil {
			return fmt.Errorf("exec: %w", err)
		}
		if capture {
			fmt.Print(out)
		}
		return nil
	},
}

var iccCmd = &cobra.Command{
	Use:   "icc",
	Short: "Inspect inter-container networking and name resolution",
}

var iccNetworksCmd = &cobra.Command{
	Use:   "networks",
	Short: "List active network allocations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		entries, err := newClient(cmd).ListNetworks(ctx)
		if err != nil {
			return fmt.Errorf("list networks: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No active network allocations")
			return nil
		}

		fmt.Printf("%-16s %-16s %-10s %-14s %-14s %s\n", "CONTAINER", "IP ADDRESS", "BRIDGE", "HOST VETH", "CONTAINER VETH", "STATUS")
		for _, e := range entries {
			fmt.Printf("%-16s %-16s %-10s %-14s %-14s %s\n", truncate(e.ContainerID, 16), e.IPAddress, e.Bridge, e.HostVeth, e.ContainerVeth, e.Status)
		}
		return nil
	},
}

var iccDNSCmd = &cobra.Command{
	Use:   "dns",
	Short: "List registered container name resolutions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		entries, err := newClient(cmd).ListDNS(ctx)
		if err != nil {
			return fmt.Errorf("list dns: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No registered names")
			return nil
		}

		fmt.Printf("%-16s %-20s %s\n", "CONTAINER", "NAME", "IP ADDRESS")
		for _, e := range entries {
			fmt.Printf("%-16s %-20s %s\n", truncate(e.ContainerID, 16), e.Name, e.IPAddress)
		}
		return nil
	},
}

var iccDiagnoseCmd = &cobra.Command{
	Use:   "diagnose CONTAINER",
	Short: "Report bridge, veth, and DNS state for a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()

		report, err := newClient(cmd).Diagnose(ctx, args[0])
		if err != nil {
			return fmt.Errorf("diagnose: %w", err)
		}

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// parseEnv turns "KEY=VALUE" flag values into a map, skipping malformed
// entries instead of failing the whole command.
func parseEnv(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	return env
}

// parseMounts parses "SRC:DST" or "SRC:DST:ro" bind-mount specs.
func parseMounts(specs []string) ([]types.Mount, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	mounts := make([]types.Mount, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid mount %q, expected SRC:DST[:ro]", spec)
		}
		m := types.Mount{Source: parts[0], Target: parts[1], Type: types.MountBind}
		if len(parts) == 3 && parts[2] == "ro" {
			m.ReadOnly = true
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

// parseMemory parses a memory string like "512m" or "1g" into bytes.
func parseMemory(mem string) (int64, error) {
	if mem == "" {
		return 0, nil
	}
	mem = strings.ToLower(strings.TrimSpace(mem))

	var value float64
	var unit string
	if _, err := fmt.Sscanf(mem, "%f%s", &value, &unit); err != nil {
		if _, err := fmt.Sscanf(mem, "%f", &value); err != nil {
			return 0, fmt.Errorf("invalid memory format: %s (use e.g. 512m, 1g)", mem)
		}
		return int64(value), nil
	}

	switch unit {
	case "b", "":
		return int64(value), nil
	case "k", "kb":
		return int64(value * 1024), nil
	case "m", "mb":
		return int64(value * 1024 * 1024), nil
	case "g", "gb":
		return int64(value * 1024 * 1024 * 1024), nil
	default:
		return 0, fmt.Errorf("invalid memory unit: %s (use b, k/kb, m/mb, g/gb)", unit)
	}
}

// formatBytes renders a byte count the way the `status` command
// displays memory sizes.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
