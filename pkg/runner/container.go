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
)

// Container runs a service as a Docker container. The job is handed over
// via the RAM_JOB environment variable and progress is read from the
// container's stdout. Kill force-removes the container.
type Container struct {
	job    Job
	image  string
	engine string
	logger *slog.Logger

	name     string
	cmd      *exec.Cmd
	killed   atomic.Bool
	err      error
	messages chan Message
	done     chan struct{}
}

// NewContainer creates a container runner using the given engine binary,
// normally "docker".
func NewContainer(engine, image string, job Job, logger *slog.Logger) *Container {
	return &Container{
		job:    job,
		image:  image,
		engine: engine,
		logger: logger,
		name: fmt.Sprintf("ram-%s-p%d-s%d",
			job.Service, job.ProjectID, job.ScenarioID),
		messages: make(chan Message, 16),
		done:     make(chan struct{}),
	}
}

func (c *Container) Start(ctx context.Context) error {
	payload, err := json.Marshal(c.job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	cmd := exec.Command(c.engine, "run", "--rm",
		"--name", c.name,
		"-e", "RAM_JOB="+string(payload),
		c.image, c.job.Service)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	cmd.Stderr = &logWriter{logger: c.logger, service: c.job.Service}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}

	c.cmd = cmd
	c.logger.DebugContext(ctx, "container started",
		"service", c.job.Service, "container", c.name, "image", c.image)

	go func() {
		defer close(c.done)

		scanMessages(stdout, c.messages, func(line string) {
			c.logger.Debug("container output", "service", c.job.Service, "line", line)
		})
		close(c.messages)

		c.err = c.classify(cmd.Wait())
	}()

	return nil
}

func (c *Container) classify(waitErr error) error {
	if waitErr == nil {
		return nil
	}

	if c.killed.Load() {
		return ErrKilled
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		// 137 is the engine's exit code for a SIGKILLed container.
		if exitErr.ExitCode() == 137 {
			return ErrTerminated
		}

		return &ExitError{Code: exitErr.ExitCode()}
	}

	return waitErr
}

func (c *Container) Messages() <-chan Message { return c.messages }

func (c *Container) Done() <-chan struct{} { return c.done }

// Err returns the termination error. Only valid after Done closes.
func (c *Container) Err() error { return c.err }

// Kill force-removes the container. A no-op once the container finished.
func (c *Container) Kill() {
	select {
	case <-c.done:
		return
	default:
	}

	if !c.killed.CompareAndSwap(false, true) {
		return
	}

	out, err := exec.Command(c.engine, "rm", "-f", c.name).CombinedOutput()
	if err != nil {
		c.logger.Warn("removing container failed",
			"container", c.name, "error", err, "output", string(bytes.TrimSpace(out)))
	}
}
