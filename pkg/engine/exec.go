package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cuemby/quilt/pkg/quiltrrors"
	"github.com/cuemby/quilt/pkg/types"
)

const execTimeout = 60 * time.Second

// ExecRequest describes a one-off command run inside a running
// container's namespaces, per spec section 4.6.
type ExecRequest struct {
	Command       []string
	WorkingDir    string
	Env           map[string]string
	CaptureOutput bool
	CopyScript    string // host path to a local script, copied in before running
}

// Exec enters a running container's namespaces by PID and invokes a
// command. If CopyScript names a readable local file, it is copied into
// the container's rootfs under /tmp before the command runs, matching
// spec section 4.6's setup-command installer contract.
func (e *Engine) Exec(ctx context.Context, id string, req ExecRequest) ([]byte, error) {
	c, err := e.store.GetContainer(id)
	if err != nil {
		return nil, err
	}
	if c.State != types.ContainerStateRunning || c.PID == 0 {
		return nil, &quiltrrors.ValidationFailed{Message: fmt.Sprintf("container %s is not running", id)}
	}

	command := req.Command
	if req.CopyScript != "" {
		dest, err := copyScriptIntoRootfs(c.RootfsPath, req.CopyScript)
		if err != nil {
			return nil, fmt.Errorf("copy script into container: %w", err)
		}
		command = append([]string{dest}, command...)
	}

	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	args := []string{"-t", strconv.Itoa(c.PID), "-m", "-u", "-i", "-n", "-p", "--"}
	args = append(args, command...)
	cmd := exec.CommandContext(ctx, "nsenter", args...)
	cmd.Dir = req.WorkingDir

	env := os.Environ()
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	if req.CaptureOutput {
		out, err := cmd.CombinedOutput()
		if err != nil {
			return out, fmt.Errorf("exec in container %s: %w", id, err)
		}
		return out, nil
	}

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("exec in container %s: %w", id, err)
	}
	return nil, nil
}

// copyScriptIntoRootfs copies a host-local file into the container's
// /tmp, returning the in-container path to invoke.
func copyScriptIntoRootfs(rootfsPath, scriptPath string) (string, error) {
	in, err := os.Open(scriptPath)
	if err != nil {
		return "", err
	}
	defer in.Close()

	destDir := filepath.Join(rootfsPath, "tmp")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	destPath := filepath.Join(destDir, filepath.Base(scriptPath))

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return "", err
	}
	return filepath.Join("/tmp", filepath.Base(scriptPath)), nil
}
