// Package agent runs validated agent commands inside isolated workspaces.
// Core packages depend on the Runner interface; ExecRunner is the
// process-spawning implementation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/gantryhq/gantry/internal/guard"
)

// DefaultWaitDelay is how long a cancelled process gets to exit after
// SIGTERM before it is killed.
const DefaultWaitDelay = 10 * time.Second

// DefaultTailBytes bounds the stdout/stderr tails kept in a RunResult.
const DefaultTailBytes = 32 * 1024

// RunSpec describes one agent invocation.
type RunSpec struct {
	JobID    string
	CardID   string
	Worktree string               // working directory; falls back to Request.CWD
	Request  guard.SecuredRequest // validated command, args, timeout
}

// RunResult reports how an agent invocation ended.
type RunResult struct {
	ExitCode int
	Stdout   string // bounded tail
	Stderr   string // bounded tail
	Duration time.Duration
}

// Runner executes secured agent commands.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
}

// ExecRunner runs the command as a subprocess of the scheduler.
type ExecRunner struct {
	WaitDelay time.Duration // default DefaultWaitDelay
	TailBytes int           // default DefaultTailBytes
}

// Run executes the secured command and reports its outcome. A non-zero exit
// lands in RunResult.ExitCode, not in the error; errors mean the process
// could not start or was cut off by the context or the request timeout.
func (r ExecRunner) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if spec.Request.Command == "" {
		return nil, fmt.Errorf("agent: command is required")
	}
	workDir := spec.Worktree
	if workDir == "" {
		workDir = spec.Request.CWD
	}
	if workDir == "" {
		return nil, fmt.Errorf("agent: working directory is required")
	}

	if spec.Request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Request.Timeout)
		defer cancel()
	}

	tailBytes := r.TailBytes
	if tailBytes <= 0 {
		tailBytes = DefaultTailBytes
	}
	stdout := newTailWriter(tailBytes)
	stderr := newTailWriter(tailBytes)

	cmd := exec.CommandContext(ctx, spec.Request.Command, spec.Request.Args...)
	cmd.Dir = workDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(),
		"GANTRY_JOB_ID="+spec.JobID,
		"GANTRY_CARD_ID="+spec.CardID,
		fmt.Sprintf("GANTRY_ALLOW_NETWORK=%t", spec.Request.AllowNetwork),
	)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	start := time.Now()
	err := cmd.Run()

	result := &RunResult{
		Duration: time.Since(start),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("agent: run %s: %w", spec.Request.Command, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, fmt.Errorf("agent: run %s: %w", spec.Request.Command, err)
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailWriter(max int) *tailWriter {
	return &tailWriter{max: max}
}

// Write appends bytes, discarding the oldest once the cap is exceeded
// (implements io.Writer).
func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		keep := w.buf[len(w.buf)-w.max:]
		w.buf = append(make([]byte, 0, w.max), keep...)
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
