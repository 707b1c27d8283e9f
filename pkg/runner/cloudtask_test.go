package runner_test

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/runner"
)

const testTaskARN = "arn:aws:ecs:us-east-1:123456789012:task/ram/abc123"

type fakeECS struct {
	mu       sync.Mutex
	statuses []string
	exitCode *int64
	stopped  bool
	calls    int
}

func (f *fakeECS) RunTaskWithContext(_ aws.Context, in *ecs.RunTaskInput, _ ...request.Option) (*ecs.RunTaskOutput, error) {
	return &ecs.RunTaskOutput{
		Tasks: []*ecs.Task{{TaskArn: aws.String(testTaskARN)}},
	}, nil
}

func (f *fakeECS) DescribeTasksWithContext(_ aws.Context, in *ecs.DescribeTasksInput, _ ...request.Option) (*ecs.DescribeTasksOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status := f.statuses[len(f.statuses)-1]
	if f.calls < len(f.statuses) {
		status = f.statuses[f.calls]
	}

	f.calls++

	task := &ecs.Task{
		TaskArn:    aws.String(testTaskARN),
		LastStatus: aws.String(status),
		Containers: []*ecs.Container{{
			Name:     aws.String("ram-analysis"),
			ExitCode: f.exitCode,
		}},
	}

	return &ecs.DescribeTasksOutput{Tasks: []*ecs.Task{task}}, nil
}

func (f *fakeECS) StopTaskWithContext(_ aws.Context, in *ecs.StopTaskInput, _ ...request.Option) (*ecs.StopTaskOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopped = true

	return &ecs.StopTaskOutput{}, nil
}

func (f *fakeECS) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.stopped
}

func (f *fakeECS) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

type fakeLogs struct {
	mu    sync.Mutex
	pages [][]string
	page  int
}

func (f *fakeLogs) GetLogEventsWithContext(_ aws.Context, in *cloudwatchlogs.GetLogEventsInput, _ ...request.Option) (*cloudwatchlogs.GetLogEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var lines []string
	if f.page < len(f.pages) {
		lines = f.pages[f.page]
		f.page++
	}

	events := make([]*cloudwatchlogs.OutputLogEvent, len(lines))
	for i, line := range lines {
		events[i] = &cloudwatchlogs.OutputLogEvent{Message: aws.String(line)}
	}

	return &cloudwatchlogs.GetLogEventsOutput{
		Events:           events,
		NextForwardToken: aws.String("token"),
	}, nil
}

func testCloudConfig() runner.CloudTaskConfig {
	return runner.CloudTaskConfig{
		Cluster:         "ram",
		TaskDefinition:  "ram-analysis:3",
		ContainerName:   "ram-analysis",
		LogGroup:        "/ecs/ram-analysis",
		LogStreamPrefix: "ecs",
		PollInterval:    10 * time.Millisecond,
	}
}

func TestCloudTaskSuccess(t *testing.T) {
	ecsClient := &fakeECS{
		statuses: []string{"PROVISIONING", "RUNNING", "STOPPED"},
		exitCode: aws.Int64(0),
	}
	logsClient := &fakeLogs{pages: [][]string{
		{`{"type":"road-network","data":{"message":"importing"}}`},
		{"plain container output", `{"type":"poi"}`},
	}}

	job := runner.Job{Service: runner.ServiceGenerateResults, ProjectID: 2000, ScenarioID: 2000}
	c := runner.NewCloudTask(ecsClient, logsClient, testCloudConfig(), job, slog.Default())

	require.NoError(t, c.Start(t.Context()))

	messages := collectMessages(t, c)
	require.Len(t, messages, 2)
	assert.Equal(t, "road-network", messages[0].Type)
	assert.Equal(t, "poi", messages[1].Type)
	assert.NoError(t, c.Err())
}

func TestCloudTaskExitCode(t *testing.T) {
	ecsClient := &fakeECS{
		statuses: []string{"RUNNING", "STOPPED"},
		exitCode: aws.Int64(2),
	}

	job := runner.Job{Service: runner.ServiceGenerateResults, ProjectID: 2000, ScenarioID: 2000}
	c := runner.NewCloudTask(ecsClient, &fakeLogs{}, testCloudConfig(), job, slog.Default())

	require.NoError(t, c.Start(t.Context()))
	collectMessages(t, c)

	var exitErr *runner.ExitError

	require.ErrorAs(t, c.Err(), &exitErr)
	assert.Equal(t, 2, exitErr.Code)
}

func TestCloudTaskKill(t *testing.T) {
	ecsClient := &fakeECS{statuses: []string{"RUNNING", "RUNNING", "RUNNING", "STOPPED"}}

	job := runner.Job{Service: runner.ServiceGenerateResults, ProjectID: 2000, ScenarioID: 2000}
	c := runner.NewCloudTask(ecsClient, &fakeLogs{}, testCloudConfig(), job, slog.Default())

	require.NoError(t, c.Start(t.Context()))

	go func() {
		time.Sleep(15 * time.Millisecond)
		c.Kill()
	}()

	collectMessages(t, c)
	assert.ErrorIs(t, c.Err(), runner.ErrKilled)
	assert.True(t, ecsClient.wasStopped())
}

func TestCloudTaskLastStatus(t *testing.T) {
	ecsClient := &fakeECS{
		statuses: []string{"RUNNING", "STOPPED"},
		exitCode: aws.Int64(0),
	}

	job := runner.Job{Service: runner.ServiceGenerateResults, ProjectID: 2000, ScenarioID: 2000}
	c := runner.NewCloudTask(ecsClient, &fakeLogs{}, testCloudConfig(), job, slog.Default())

	assert.Empty(t, c.LastStatus())

	require.NoError(t, c.Start(t.Context()))
	collectMessages(t, c)
	assert.Equal(t, "STOPPED", c.LastStatus())
}

func TestCloudTaskKillStopsPolling(t *testing.T) {
	// The task never reports STOPPED; after a kill the watcher must stop
	// on its own instead of polling until ECS catches up.
	ecsClient := &fakeECS{statuses: []string{"RUNNING"}}

	job := runner.Job{Service: runner.ServiceGenerateResults, ProjectID: 2000, ScenarioID: 2000}
	c := runner.NewCloudTask(ecsClient, &fakeLogs{}, testCloudConfig(), job, slog.Default())

	require.NoError(t, c.Start(t.Context()))

	go func() {
		time.Sleep(25 * time.Millisecond)
		c.Kill()
	}()

	collectMessages(t, c)
	assert.ErrorIs(t, c.Err(), runner.ErrKilled)
	assert.True(t, ecsClient.wasStopped())

	polls := ecsClient.pollCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, polls, ecsClient.pollCount())
	assert.Equal(t, "RUNNING", c.LastStatus())
}

func TestCloudTaskTerminatedWithoutExitCode(t *testing.T) {
	// A stopped task whose container never reported an exit code was ended
	// from outside.
	ecsClient := &fakeECS{statuses: []string{"STOPPED"}}

	job := runner.Job{Service: runner.ServiceGenerateResults, ProjectID: 2000, ScenarioID: 2000}
	c := runner.NewCloudTask(ecsClient, &fakeLogs{}, testCloudConfig(), job, slog.Default())

	require.NoError(t, c.Start(t.Context()))
	collectMessages(t, c)
	assert.ErrorIs(t, c.Err(), runner.ErrTerminated)
}
