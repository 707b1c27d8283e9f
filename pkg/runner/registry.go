package runner

import (
	"fmt"
	"log/slog"
	"sync"
)

// Key identifies the target a runner operates on.
type Key struct {
	ProjectID  int64
	ScenarioID int64
}

// Registry tracks the active runner per target so an in-flight analysis can
// be killed from the API. At most one runner is registered per target.
type Registry struct {
	mu     sync.Mutex
	active map[Key]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[Key]Runner)}
}

// Register records the runner for a target, replacing any previous entry.
func (r *Registry) Register(key Key, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active[key] = runner
}

// Lookup returns the active runner for a target, if any.
func (r *Registry) Lookup(key Key) (Runner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	runner, ok := r.active[key]

	return runner, ok
}

// Clear removes the target's entry. Safe to call when none is registered.
func (r *Registry) Clear(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.active, key)
}

// Kill terminates the target's active runner. It reports whether a runner
// was registered.
func (r *Registry) Kill(key Key) bool {
	runner, ok := r.Lookup(key)
	if !ok {
		return false
	}

	runner.Kill()

	return true
}

// Factory creates runners for jobs. Which implementation it hands out is a
// deployment decision.
type Factory func(job Job) (Runner, error)

// ForkFactory returns a factory producing forked worker processes.
func ForkFactory(workerBin string, logger *slog.Logger) Factory {
	return func(job Job) (Runner, error) {
		return NewForkedProcess(workerBin, job, logger), nil
	}
}

// ContainerFactory returns a factory producing Docker containers.
func ContainerFactory(engine, image string, logger *slog.Logger) Factory {
	return func(job Job) (Runner, error) {
		return NewContainer(engine, image, job, logger), nil
	}
}

// CloudTaskFactory returns a factory producing ECS tasks.
func CloudTaskFactory(ecsClient ecsAPI, logsClient logsAPI, cfg CloudTaskConfig, logger *slog.Logger) Factory {
	return func(job Job) (Runner, error) {
		return NewCloudTask(ecsClient, logsClient, cfg, job, logger), nil
	}
}

// NewFactory builds a factory from a kind name: "fork", "container" or
// "cloudtask". The cloud kind needs clients and is wired separately.
func NewFactory(kind, workerBin, engine, image string, logger *slog.Logger) (Factory, error) {
	switch kind {
	case "fork":
		return ForkFactory(workerBin, logger), nil
	case "container":
		return ContainerFactory(engine, image, logger), nil
	default:
		return nil, fmt.Errorf("unknown runner kind %q", kind)
	}
}
