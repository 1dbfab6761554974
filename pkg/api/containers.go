package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/quilt/pkg/engine"
	"github.com/cuemby/quilt/pkg/types"
)

// CreateContainerRequest matches the RPC surface's CreateContainer
// fields of spec section 6.
type CreateContainerRequest struct {
	ImagePath     string            `json:"image_path"`
	Command       []string          `json:"command"`
	Environment   map[string]string `json:"environment"`
	WorkingDir    string            `json:"working_dir"`
	MemoryLimitMB int64             `json:"memory_limit_mb"`
	CPULimitPct   float64           `json:"cpu_limit_percent"`
	PIDsLimit     int64             `json:"pids_limit"`
	EnablePID     bool              `json:"enable_pid_namespace"`
	EnableMount   bool              `json:"enable_mount_namespace"`
	EnableUTS     bool              `json:"enable_uts_namespace"`
	EnableIPC     bool              `json:"enable_ipc_namespace"`
	EnableNetwork bool              `json:"enable_network_namespace"`
	Name          string            `json:"name,omitempty"`
	AsyncMode     bool              `json:"async_mode"`
	Mounts        []types.Mount     `json:"mounts,omitempty"`
}

// CreateContainerResponse matches spec section 6's
// "{success, container_id, error_message}" contract.
type CreateContainerResponse struct {
	Success      bool   `json:"success"`
	ContainerID  string `json:"container_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (s *Server) createContainer(w http.ResponseWriter, r *http.Request) {
	var req CreateContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c, err := s.engine.Create(engine.CreateRequest{
		ImagePath:  req.ImagePath,
		Command:    req.Command,
		Env:        req.Environment,
		WorkingDir: req.WorkingDir,
		MemoryMB:   req.MemoryLimitMB,
		CPUPercent: req.CPULimitPct,
		PIDsLimit:  req.PIDsLimit,
		Namespaces: types.NamespaceFlags{
			PID:     req.EnablePID,
			Mount:   req.EnableMount,
			UTS:     req.EnableUTS,
			IPC:     req.EnableIPC,
			Network: req.EnableNetwork,
		},
		Name:      req.Name,
		AsyncMode: req.AsyncMode,
		Mounts:    req.Mounts,
	})
	if err != nil {
		writeJSON(w, statusFor(err), CreateContainerResponse{Success: false, ErrorMessage: err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, CreateContainerResponse{Success: true, ContainerID: c.ID})
}

// StatusResponse matches GetContainerStatus's response fields of spec
// section 6.
type StatusResponse struct {
	Success           bool       `json:"success"`
	State             string     `json:"state"`
	PID               int        `json:"pid,omitempty"`
	ExitCode          *int       `json:"exit_code,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	RootfsPath        string     `json:"rootfs_path,omitempty"`
	MemoryUsageBytes  int64      `json:"memory_usage_bytes,omitempty"`
	IPAddress         string     `json:"ip_address,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
}

func (s *Server) getContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.resolveContainer(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	resp := StatusResponse{
		Success:      true,
		State:        string(c.State),
		PID:          c.PID,
		ExitCode:     c.ExitCode,
		CreatedAt:    c.CreatedAt,
		RootfsPath:   c.RootfsPath,
		ErrorMessage: c.ErrorMsg,
	}
	if c.PID != 0 {
		resp.MemoryUsageBytes = readRSSBytes(c.PID)
	}
	if alloc, err := s.store.GetAllocation(c.ID); err == nil {
		resp.IPAddress = alloc.IPAddress
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := s.store.ListContainers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

// resolveContainer looks a container up by path id, falling back to a
// name lookup when ?by_name=true, matching the CLI's by-id/by-name
// addressing of spec section 6.
func (s *Server) resolveContainer(r *http.Request) (*types.Container, error) {
	id := r.PathValue("id")
	if r.URL.Query().Get("by_name") == "true" {
		return s.store.GetContainerByName(id)
	}
	return s.store.GetContainer(id)
}

func (s *Server) startContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.resolveContainer(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.engine.Start(ctx, c.ID); err != nil {
		writeJSON(w, statusFor(err), ErrorResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ErrorResponse{Success: true})
}

func (s *Server) stopContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.resolveContainer(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	timeout := 10 * time.Second
	if v := r.URL.Query().Get("timeout_seconds"); v != "" {
		if secs, perr := strconv.Atoi(v); perr == nil {
			timeout = time.Duration(secs) * time.Second
		}
	}

	if err := s.engine.Stop(c.ID, timeout); err != nil {
		writeJSON(w, statusFor(err), ErrorResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ErrorResponse{Success: true})
}

func (s *Server) killContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.resolveContainer(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	if err := s.engine.Kill(c.ID); err != nil {
		writeJSON(w, statusFor(err), ErrorResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ErrorResponse{Success: true})
}

func (s *Server) removeContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.resolveContainer(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	force := r.URL.Query().Get("force") == "true"

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.engine.Remove(ctx, c.ID, force); err != nil {
		writeJSON(w, statusFor(err), ErrorResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ErrorResponse{Success: true})
}

// ExecRequest matches ExecContainer's fields of spec section 6.
type ExecRequest struct {
	Command       []string          `json:"command"`
	WorkingDir    string            `json:"working_dir"`
	Environment   map[string]string `json:"environment"`
	CaptureOutput bool              `json:"capture_output"`
	CopyScript    string            `json:"copy_script,omitempty"`
}

// ExecResponse carries captured output when CaptureOutput was set.
type ExecResponse struct {
	Success      bool   `json:"success"`
	Output       string `json:"output,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (s *Server) execContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.resolveContainer(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()

	out, err := s.engine.Exec(ctx, c.ID, engine.ExecRequest{
		Command:       req.Command,
		WorkingDir:    req.WorkingDir,
		Env:           req.Environment,
		CaptureOutput: req.CaptureOutput,
		CopyScript:    req.CopyScript,
	})
	if err != nil {
		writeJSON(w, statusFor(err), ExecResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ExecResponse{Success: true, Output: string(out)})
}

// LogsResponse returns the per-container log buffer.
type LogsResponse struct {
	Success bool     `json:"success"`
	Lines   []string `json:"lines"`
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	c, err := s.resolveContainer(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	lines, err := s.store.GetLogs(c.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, LogsResponse{Success: true, Lines: lines})
}

// readRSSBytes reads a process's resident set size from procfs, used
// as the status endpoint's memory_usage_bytes; best-effort, returns 0
// if the process has already exited or /proc is unavailable.
func readRSSBytes(pid int) int64 {
	f, err := os.Open("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
