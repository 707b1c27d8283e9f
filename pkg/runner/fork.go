package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync/atomic"
	"syscall"
)

// ForkedProcess runs a service by forking the worker binary and feeding it
// the job on stdin. It is the development runner: no container engine or
// cloud account needed.
type ForkedProcess struct {
	job     Job
	command string
	args    []string
	logger  *slog.Logger

	cmd      *exec.Cmd
	killed   atomic.Bool
	err      error
	messages chan Message
	done     chan struct{}
}

// ForkOption customizes a ForkedProcess.
type ForkOption func(*ForkedProcess)

// WithCommand overrides the executed command. Tests use it to substitute a
// shell one-liner for the worker binary.
func WithCommand(command string, args ...string) ForkOption {
	return func(f *ForkedProcess) {
		f.command = command
		f.args = args
	}
}

// NewForkedProcess creates a runner that executes workerBin with the job's
// service name as argument.
func NewForkedProcess(workerBin string, job Job, logger *slog.Logger, opts ...ForkOption) *ForkedProcess {
	f := &ForkedProcess{
		job:      job,
		command:  workerBin,
		args:     []string{job.Service},
		logger:   logger,
		messages: make(chan Message, 16),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

func (f *ForkedProcess) Start(ctx context.Context) error {
	payload, err := json.Marshal(f.job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	cmd := exec.Command(f.command, f.args...)
	cmd.Stdin = bytes.NewReader(payload)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	cmd.Stderr = &logWriter{logger: f.logger, service: f.job.Service}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	f.cmd = cmd
	f.logger.DebugContext(ctx, "worker forked",
		"service", f.job.Service, "pid", cmd.Process.Pid)

	go func() {
		defer close(f.done)

		scanMessages(stdout, f.messages, func(line string) {
			f.logger.Debug("worker output", "service", f.job.Service, "line", line)
		})
		close(f.messages)

		f.err = f.classify(cmd.Wait())
	}()

	return nil
}

func (f *ForkedProcess) classify(waitErr error) error {
	if waitErr == nil {
		return nil
	}

	if f.killed.Load() {
		return ErrKilled
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return ErrTerminated
		}

		return &ExitError{Code: exitErr.ExitCode()}
	}

	return waitErr
}

func (f *ForkedProcess) Messages() <-chan Message { return f.messages }

func (f *ForkedProcess) Done() <-chan struct{} { return f.done }

// Err returns the termination error. Only valid after Done closes.
func (f *ForkedProcess) Err() error { return f.err }

// Kill terminates the worker. Calling it after the worker finished is a
// no-op.
func (f *ForkedProcess) Kill() {
	select {
	case <-f.done:
		return
	default:
	}

	if f.killed.CompareAndSwap(false, true) && f.cmd != nil && f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
}

type logWriter struct {
	logger  *slog.Logger
	service string
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Debug("worker stderr", "service", w.service, "output", string(bytes.TrimSpace(p)))

	return len(p), nil
}
