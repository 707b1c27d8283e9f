// Package operation wraps the operation ledger with a stateful handle that
// serializes writes. Progress logging from concurrent pipeline steps goes
// through a FIFO queue so entries are persisted in submission order and the
// final state transition happens exactly once.
package operation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/persistence"
)

var (
	// ErrRunning is returned by Start on a handle already bound to a
	// running operation.
	ErrRunning = errors.New("operation already running")
	// ErrComplete is returned by writes against a completed operation.
	ErrComplete = errors.New("operation already complete")
	// ErrNotRunning is returned by writes before Start or Load.
	ErrNotRunning = errors.New("operation not running")
	// ErrMissingParams is returned by Start when the name or one of the
	// target ids is absent.
	ErrMissingParams = errors.New("operation parameters missing")
)

// Observer is notified after each persisted log entry. Used to fan progress
// out to the event bus.
type Observer func(op *models.Operation, entry *models.OperationLog)

// Operation is a handle over one ledger row. All mutating calls are pushed
// onto an internal queue drained by a single goroutine, so calls from
// concurrent steps never interleave and each returns only after its write
// is durable.
type Operation struct {
	repo     persistence.OperationRepository
	logger   *slog.Logger
	observer Observer

	mu       sync.Mutex
	row      *models.Operation
	queue    []writeItem
	draining bool
}

type writeItem struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// New creates an unbound handle. Bind it with Start or one of the Load
// calls before logging.
func New(repo persistence.OperationRepository, logger *slog.Logger) *Operation {
	return &Operation{repo: repo, logger: logger}
}

// SetObserver registers a callback invoked after every persisted log entry.
// Must be called before the first write.
func (o *Operation) SetObserver(fn Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.observer = fn
}

// Start creates a new running ledger row for the given key. It fails with
// persistence.ErrOperationAlreadyRunning when a non-complete row with the
// same key exists, with ErrRunning when this handle is already bound to a
// running operation, and with ErrComplete once the handle's run finished; a
// new run needs a new handle.
func (o *Operation) Start(ctx context.Context, name string, projectID, scenarioID int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.row != nil && o.row.Status == models.OperationStatusComplete:
		return ErrComplete
	case o.row != nil:
		return ErrRunning
	}

	if name == "" || projectID == 0 || scenarioID == 0 {
		return ErrMissingParams
	}

	row, err := o.repo.Create(ctx, &models.Operation{
		Name:       name,
		ProjectID:  projectID,
		ScenarioID: scenarioID,
	})
	if err != nil {
		return err
	}

	o.row = row
	o.logger.DebugContext(ctx, "operation started",
		"operation_id", row.ID, "name", name,
		"project_id", projectID, "scenario_id", scenarioID)

	return nil
}

// LoadByID binds the handle to an existing ledger row.
func (o *Operation) LoadByID(ctx context.Context, id int64) error {
	row, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.row = row
	o.mu.Unlock()

	return nil
}

// LoadByData binds the handle to the most recent row matching the key.
func (o *Operation) LoadByData(ctx context.Context, name string, projectID, scenarioID int64) error {
	row, err := o.repo.GetByData(ctx, name, projectID, scenarioID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.row = row
	o.mu.Unlock()

	return nil
}

// Log appends a progress entry. Non-map payloads are wrapped as
// {"message": value}. The call returns once the entry is persisted, in the
// order Log calls were made.
func (o *Operation) Log(ctx context.Context, code string, data any) error {
	return o.enqueue(ctx, func(ctx context.Context) error {
		if err := o.checkWritable(); err != nil {
			return err
		}

		return o.appendLog(ctx, code, data)
	})
}

// Finish appends a final log entry and marks the operation complete. At
// most one Finish wins; later ones fail with ErrComplete. Callers on a
// failure path that may race a regular completion should tolerate that
// error.
func (o *Operation) Finish(ctx context.Context, code string, data any) error {
	return o.enqueue(ctx, func(ctx context.Context) error {
		if err := o.checkWritable(); err != nil {
			return err
		}

		if err := o.appendLog(ctx, code, data); err != nil {
			return err
		}

		if err := o.repo.SetComplete(ctx, o.id()); err != nil {
			return err
		}

		o.mu.Lock()
		o.row.Status = models.OperationStatusComplete
		o.mu.Unlock()

		o.logger.DebugContext(ctx, "operation finished",
			"operation_id", o.id(), "code", code)

		return nil
	})
}

// Reload refreshes the handle's view of the row, picking up completions
// done elsewhere.
func (o *Operation) Reload(ctx context.Context) error {
	o.mu.Lock()
	row := o.row
	o.mu.Unlock()

	if row == nil {
		return ErrNotRunning
	}

	return o.LoadByID(ctx, row.ID)
}

// ID returns the bound row's id, or 0 when unbound.
func (o *Operation) ID() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.row == nil {
		return 0
	}

	return o.row.ID
}

// Name returns the bound row's operation name.
func (o *Operation) Name() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.row == nil {
		return ""
	}

	return o.row.Name
}

// IsStarted reports whether the handle is bound to a running operation.
func (o *Operation) IsStarted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.row != nil && o.row.Status == models.OperationStatusRunning
}

// IsCompleted reports whether the bound operation has finished.
func (o *Operation) IsCompleted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.row != nil && o.row.Status == models.OperationStatusComplete
}

func (o *Operation) id() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.row.ID
}

// checkWritable runs inside the drain goroutine, so a Finish queued ahead
// of a Log is observed before the Log's own check.
func (o *Operation) checkWritable() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.row == nil:
		return ErrNotRunning
	case o.row.Status == models.OperationStatusComplete:
		return ErrComplete
	default:
		return nil
	}
}

func (o *Operation) appendLog(ctx context.Context, code string, data any) error {
	entry, err := o.repo.AppendLog(ctx, o.id(), code, models.NormalizeLogData(data))
	if err != nil {
		return err
	}

	o.mu.Lock()
	observer := o.observer
	row := *o.row
	o.mu.Unlock()

	if observer != nil {
		observer(&row, entry)
	}

	return nil
}

func (o *Operation) enqueue(ctx context.Context, fn func(ctx context.Context) error) error {
	item := writeItem{ctx: ctx, fn: fn, done: make(chan error, 1)}

	o.mu.Lock()
	o.queue = append(o.queue, item)

	if !o.draining {
		o.draining = true

		go o.drain()
	}
	o.mu.Unlock()

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Operation) drain() {
	for {
		o.mu.Lock()

		if len(o.queue) == 0 {
			o.draining = false
			o.mu.Unlock()

			return
		}

		item := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		item.done <- item.fn(item.ctx)
	}
}
