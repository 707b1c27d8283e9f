// Package runner executes pipeline services as external, killable steps.
// Three implementations exist: a forked worker process for development, a
// Docker container, and an AWS ECS task for cloud deployments. All three
// stream progress messages back and can be terminated mid-flight.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Termination errors reported by Err after Done closes.
var (
	// ErrKilled means Kill was called before the step ended.
	ErrKilled = errors.New("process manually terminated")
	// ErrTerminated means the step was ended from outside, like the OOM
	// killer or the container engine.
	ErrTerminated = errors.New("process terminated by system")
)

// ExitError is returned when the step exits on its own with a non-zero
// code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("unknown error. code %d", e.Code)
}

// Message is one progress event emitted by a running service. Workers
// print them as JSON lines on stdout.
type Message struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Job describes the service a runner must execute and the target it
// operates on. Workers receive it serialized on stdin or via environment.
type Job struct {
	Service     string         `json:"service"`
	ProjectID   int64          `json:"project_id"`
	ScenarioID  int64          `json:"scenario_id"`
	OperationID int64          `json:"operation_id"`
	Data        map[string]any `json:"data,omitempty"`
}

// Service names dispatched to workers.
const (
	ServiceImportRoadNetwork = "import-road-network"
	ServiceImportPOI         = "import-poi"
	ServiceExportRoadNetwork = "export-road-network"
	ServiceGenerateResults   = "generate-results"
	ServiceVectorTiles       = "vector-tiles"
)

// Runner is one external step execution. Start launches the step without
// waiting for it; callers consume Messages until Done closes and then
// inspect Err. Kill is safe to call at any time, including after the step
// finished, and may be called more than once.
type Runner interface {
	Start(ctx context.Context) error
	Messages() <-chan Message
	Done() <-chan struct{}
	Err() error
	Kill()
}

// scanMessages reads JSON lines from a step's stdout and forwards the
// parseable ones. Other output is passed to raw, which may be nil.
func scanMessages(r io.Reader, messages chan<- Message, raw func(line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()

		var msg Message
		if err := json.Unmarshal(line, &msg); err == nil && msg.Type != "" {
			messages <- msg

			continue
		}

		if raw != nil {
			raw(scanner.Text())
		}
	}
}
