package runner_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/runner"
)

func collectMessages(t *testing.T, r runner.Runner) []runner.Message {
	t.Helper()

	var messages []runner.Message

	for msg := range r.Messages() {
		messages = append(messages, msg)
	}

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runner never finished")
	}

	return messages
}

func TestForkedProcessSuccess(t *testing.T) {
	script := `echo '{"type":"road-network","data":{"message":"importing"}}'
echo 'plain progress line'
echo '{"type":"poi"}'`

	job := runner.Job{Service: runner.ServiceImportRoadNetwork, ProjectID: 1200, ScenarioID: 1200}
	f := runner.NewForkedProcess("", job, slog.Default(),
		runner.WithCommand("sh", "-c", script))

	require.NoError(t, f.Start(t.Context()))

	messages := collectMessages(t, f)
	require.Len(t, messages, 2)
	assert.Equal(t, "road-network", messages[0].Type)
	assert.Equal(t, map[string]any{"message": "importing"}, messages[0].Data)
	assert.Equal(t, "poi", messages[1].Type)
	assert.NoError(t, f.Err())
}

func TestForkedProcessExitCode(t *testing.T) {
	job := runner.Job{Service: runner.ServiceImportPOI, ProjectID: 1200, ScenarioID: 1201}
	f := runner.NewForkedProcess("", job, slog.Default(),
		runner.WithCommand("sh", "-c", "exit 3"))

	require.NoError(t, f.Start(t.Context()))
	collectMessages(t, f)

	var exitErr *runner.ExitError

	require.ErrorAs(t, f.Err(), &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, "unknown error. code 3", exitErr.Error())
}

func TestForkedProcessKill(t *testing.T) {
	job := runner.Job{Service: runner.ServiceGenerateResults, ProjectID: 2000, ScenarioID: 2000}
	f := runner.NewForkedProcess("", job, slog.Default(),
		runner.WithCommand("sh", "-c", "sleep 30"))

	require.NoError(t, f.Start(t.Context()))

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.Kill()
	}()

	collectMessages(t, f)
	assert.ErrorIs(t, f.Err(), runner.ErrKilled)
}

func TestForkedProcessKillAfterDone(t *testing.T) {
	job := runner.Job{Service: runner.ServiceExportRoadNetwork, ProjectID: 1200, ScenarioID: 1300}
	f := runner.NewForkedProcess("", job, slog.Default(),
		runner.WithCommand("sh", "-c", "true"))

	require.NoError(t, f.Start(t.Context()))
	collectMessages(t, f)
	require.NoError(t, f.Err())

	// Killing a finished runner must not flip its outcome.
	f.Kill()
	f.Kill()
	assert.NoError(t, f.Err())
}

func TestForkedProcessReceivesJobOnStdin(t *testing.T) {
	job := runner.Job{
		Service:     runner.ServiceImportRoadNetwork,
		ProjectID:   1200,
		ScenarioID:  1201,
		OperationID: 42,
	}
	f := runner.NewForkedProcess("", job, slog.Default(),
		runner.WithCommand("sh", "-c", `grep -q '"service":"import-road-network"'`))

	require.NoError(t, f.Start(t.Context()))
	collectMessages(t, f)
	assert.NoError(t, f.Err())
}

func TestRegistry(t *testing.T) {
	reg := runner.NewRegistry()
	key := runner.Key{ProjectID: 2000, ScenarioID: 2000}

	_, ok := reg.Lookup(key)
	assert.False(t, ok)
	assert.False(t, reg.Kill(key))

	job := runner.Job{Service: runner.ServiceGenerateResults, ProjectID: 2000, ScenarioID: 2000}
	f := runner.NewForkedProcess("", job, slog.Default(),
		runner.WithCommand("sh", "-c", "sleep 30"))
	require.NoError(t, f.Start(t.Context()))

	reg.Register(key, f)

	got, ok := reg.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, f, got)

	assert.True(t, reg.Kill(key))
	collectMessages(t, f)
	assert.ErrorIs(t, f.Err(), runner.ErrKilled)

	reg.Clear(key)
	_, ok = reg.Lookup(key)
	assert.False(t, ok)
}
