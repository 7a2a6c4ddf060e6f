package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ExecRuntime runs the predictor binary as a detached local process.
// The process outlives the CLI invocation that started it; later invocations
// reach it through its pid.
type ExecRuntime struct {
	WorkDir string
	Binary  string
}

// NewExecRuntime creates a process-based runtime.
func NewExecRuntime(workDir, binary string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "modelplane", "services")
	}
	if binary == "" {
		binary = "predictor"
	}
	return &ExecRuntime{WorkDir: workDir, Binary: binary}
}

func (e *ExecRuntime) Name() string { return "exec" }

// Start launches the predictor on a free loopback port.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.ModelURI == "" {
		return nil, errors.New("model uri is required")
	}
	if err := os.MkdirAll(e.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate port: %w", err)
	}

	logPath := filepath.Join(e.WorkDir, instanceName(opts.Name)+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	// Not CommandContext: the server must survive the caller's context.
	cmd := exec.Command(e.Binary, predictorArgs(opts, "127.0.0.1", port)...)
	cmd.Dir = e.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), mapToEnvList(opts.Env)...)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", e.Binary, err)
	}

	// Read before Wait can reap the process.
	started, _ := processStartTime(cmd.Process.Pid)

	h := &ExecHandle{
		pid:      cmd.Process.Pid,
		started:  started,
		endpoint: fmt.Sprintf("http://127.0.0.1:%d", port),
		logPath:  logPath,
		done:     make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		h.result = exitResultFromError(err)
		close(h.done)
	}()

	return h, nil
}

// Attach returns a handle for a process started earlier. ref is its pid,
// followed by its start time where the platform reports one. A pid that now
// belongs to a different process is reported as ErrUnknownRef.
func (e *ExecRuntime) Attach(ctx context.Context, ref string) (Handle, error) {
	pidPart, started, _ := strings.Cut(ref, ":")
	pid, err := strconv.Atoi(pidPart)
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRef, ref)
	}
	if startTimeSupported {
		if started == "" {
			return nil, fmt.Errorf("%w: %q has no start time", ErrUnknownRef, ref)
		}
		current, err := processStartTime(pid)
		if err != nil {
			return nil, fmt.Errorf("%w: process %d is gone", ErrUnknownRef, pid)
		}
		if current != started {
			return nil, fmt.Errorf("%w: pid %d was reused", ErrUnknownRef, pid)
		}
	}
	return &ExecHandle{pid: pid, started: started}, nil
}

// ExecHandle represents a local predictor process.
type ExecHandle struct {
	pid      int
	started  string
	endpoint string
	logPath  string

	// Set only for processes started by this handle's runtime.
	done   chan struct{}
	result ExitResult

	stopOnce sync.Once
	stopErr  error
}

func (h *ExecHandle) Ref() string {
	if h.started == "" {
		return strconv.Itoa(h.pid)
	}
	return strconv.Itoa(h.pid) + ":" + h.started
}

func (h *ExecHandle) Endpoint() string { return h.endpoint }

// Wait blocks until the process exits.
func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	if h.done != nil {
		select {
		case <-h.done:
			return h.result, nil
		case <-ctx.Done():
			return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
		}
	}

	// Not our child: poll for liveness.
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !processAlive(h.pid) {
			return ExitResult{ExitCode: -1}, nil
		}
		select {
		case <-ctx.Done():
			return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL if the
// process is still alive when ctx expires or after a grace period.
func (h *ExecHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.stopErr = h.stop(ctx)
	})
	return h.stopErr
}

func (h *ExecHandle) stop(ctx context.Context) error {
	if h.exited() || !processAlive(h.pid) {
		return nil
	}
	if err := terminate(h.pid); err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal process %d: %w", h.pid, err)
	}

	grace, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := h.Wait(grace); err == nil {
		return nil
	}

	if err := kill(h.pid); err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill process %d: %w", h.pid, err)
	}
	return nil
}

func (h *ExecHandle) exited() bool {
	if h.done == nil {
		return false
	}
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// StreamLogs returns the process log file.
func (h *ExecHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	if h.logPath == "" {
		return nil, errors.New("logs are only available for processes started by this runtime")
	}
	return os.Open(h.logPath)
}

func exitResultFromError(err error) ExitResult {
	if err == nil {
		return ExitResult{ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ExitResult{ExitCode: exitErr.ExitCode(), Error: err}
	}
	return ExitResult{ExitCode: -1, Error: err}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
