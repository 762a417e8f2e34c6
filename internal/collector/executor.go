package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/metorial/sentinel-runner/internal/models"
	"github.com/metorial/sentinel-runner/internal/rpc"
)

const (
	// MaxOutputBytes bounds captured stdout so a poll answer fits one gRPC message.
	MaxOutputBytes = 4 << 20
	maxErrorBytes  = 64 << 10
)

// Executor runs scripts through per-language interpreters.
type Executor struct {
	interpreters map[string][]string
	workDir      string
	maxOutput    int
}

func NewExecutor(interpreters map[string][]string, workDir string) *Executor {
	return &Executor{interpreters: interpreters, workDir: workDir, maxOutput: MaxOutputBytes}
}

// cappedBuffer keeps the first limit bytes written and discards the rest without
// failing the writer, so the script is not killed by a broken pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room >= len(p) {
		return b.buf.Write(p)
	}
	b.truncated = true
	if room > 0 {
		b.buf.Write(p[:room])
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}

// run is one script execution tracked by handle.
type run struct {
	cancel   context.CancelFunc
	done     chan struct{}
	started  time.Time
	mu       sync.Mutex
	finished time.Time
	output    string
	truncated bool
	errMsg    string
	exitCode  int
	failed    bool
}

func (r *run) snapshot() *rpc.PollResponse {
	select {
	case <-r.done:
	default:
		return &rpc.PollResponse{State: rpc.StateRunning}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	resp := &rpc.PollResponse{
		State:     rpc.StateComplete,
		Output:    r.output,
		ExitCode:  int64(r.exitCode),
		Truncated: r.truncated,
	}
	if r.failed {
		resp.State = rpc.StateFailed
		resp.Error = r.errMsg
	}
	return resp
}

// Start launches the script in the background and returns immediately.
func (e *Executor) Start(req *rpc.InvokeRequest) (*run, error) {
	interp, ok := e.interpreters[req.Language]
	if !ok || len(interp) == 0 {
		return nil, fmt.Errorf("no interpreter configured for %q", req.Language)
	}

	ext := models.Language(req.Language).Extension()
	tmpFile, err := os.CreateTemp(e.workDir, "script-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	if _, err := tmpFile.WriteString(req.Script); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, fmt.Errorf("write script: %w", err)
	}

	if err := tmpFile.Chmod(0700); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, fmt.Errorf("chmod script: %w", err)
	}
	tmpFile.Close()

	ctx, cancel := context.WithCancel(context.Background())
	args := append(append([]string{}, interp[1:]...), tmpFile.Name())
	cmd := exec.CommandContext(ctx, interp[0], args...)
	cmd.Env = append(os.Environ(), scriptEnv(req)...)

	stdout := &cappedBuffer{limit: e.maxOutput}
	stderr := &cappedBuffer{limit: maxErrorBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r := &run{cancel: cancel, done: make(chan struct{}), started: time.Now()}

	if err := cmd.Start(); err != nil {
		cancel()
		os.Remove(tmpFile.Name())
		return nil, fmt.Errorf("start interpreter: %w", err)
	}

	go func() {
		defer os.Remove(tmpFile.Name())
		defer cancel()
		err := cmd.Wait()

		r.mu.Lock()
		r.finished = time.Now()
		r.output = stdout.String()
		r.truncated = stdout.truncated
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case ctx.Err() != nil:
			r.failed = true
			r.errMsg = "cancelled"
			r.exitCode = -1
		case errors.As(err, &exitErr):
			r.failed = true
			r.exitCode = exitErr.ExitCode()
			r.errMsg = stderr.String()
			if r.errMsg == "" {
				r.errMsg = "exit code " + strconv.Itoa(r.exitCode)
			}
		default:
			r.failed = true
			r.errMsg = err.Error()
			r.exitCode = -1
		}
		r.mu.Unlock()
		close(r.done)
	}()

	return r, nil
}

func scriptEnv(req *rpc.InvokeRequest) []string {
	env := []string{
		"SCRIPT_MODE=" + req.Mode,
		"SCRIPT_REQUEST_ID=" + req.RequestID,
	}
	if req.Hostname != "" {
		env = append(env, "SYSTEM_HOSTNAME="+req.Hostname)
	}
	if req.Wildvalue != "" {
		env = append(env, "WILDVALUE="+req.Wildvalue)
	}
	if req.DeviceID != 0 {
		env = append(env, "DEVICE_ID="+strconv.FormatInt(req.DeviceID, 10))
	}
	if req.DatasourceID != 0 {
		env = append(env, "DATASOURCE_ID="+strconv.FormatInt(req.DatasourceID, 10))
	}
	return env
}
