package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/ecs"
)

// ecsAPI is the slice of the ECS client the cloud runner needs.
type ecsAPI interface {
	RunTaskWithContext(aws.Context, *ecs.RunTaskInput, ...request.Option) (*ecs.RunTaskOutput, error)
	DescribeTasksWithContext(aws.Context, *ecs.DescribeTasksInput, ...request.Option) (*ecs.DescribeTasksOutput, error)
	StopTaskWithContext(aws.Context, *ecs.StopTaskInput, ...request.Option) (*ecs.StopTaskOutput, error)
}

// logsAPI is the slice of the CloudWatch Logs client the cloud runner
// needs.
type logsAPI interface {
	GetLogEventsWithContext(aws.Context, *cloudwatchlogs.GetLogEventsInput, ...request.Option) (*cloudwatchlogs.GetLogEventsOutput, error)
}

// CloudTaskConfig carries the ECS wiring for cloud runs.
type CloudTaskConfig struct {
	Cluster        string
	TaskDefinition string
	ContainerName  string
	LogGroup       string
	// LogStreamPrefix is the awslogs stream prefix of the task definition.
	LogStreamPrefix string
	// PollInterval defaults to 5 seconds.
	PollInterval time.Duration
}

// CloudTask runs a service as an ECS task, polling its status and tailing
// its CloudWatch log stream. Log lines that parse as progress messages are
// forwarded on Messages; everything else is surfaced as plain log output.
type CloudTask struct {
	job    Job
	cfg    CloudTaskConfig
	ecs    ecsAPI
	logs   logsAPI
	logger *slog.Logger

	taskARN    atomic.Value
	lastStatus atomic.Value
	killed     atomic.Bool
	err        error
	messages   chan Message
	done       chan struct{}
}

// NewCloudTask creates an ECS-backed runner.
func NewCloudTask(ecsClient ecsAPI, logsClient logsAPI, cfg CloudTaskConfig, job Job, logger *slog.Logger) *CloudTask {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	return &CloudTask{
		job:      job,
		cfg:      cfg,
		ecs:      ecsClient,
		logs:     logsClient,
		logger:   logger,
		messages: make(chan Message, 16),
		done:     make(chan struct{}),
	}
}

func (c *CloudTask) Start(ctx context.Context) error {
	payload, err := json.Marshal(c.job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	out, err := c.ecs.RunTaskWithContext(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(c.cfg.Cluster),
		TaskDefinition: aws.String(c.cfg.TaskDefinition),
		Overrides: &ecs.TaskOverride{
			ContainerOverrides: []*ecs.ContainerOverride{{
				Name:     aws.String(c.cfg.ContainerName),
				Command:  []*string{aws.String(c.job.Service)},
				Environment: []*ecs.KeyValuePair{{
					Name:  aws.String("RAM_JOB"),
					Value: aws.String(string(payload)),
				}},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("running task: %w", err)
	}

	if len(out.Tasks) == 0 {
		if len(out.Failures) > 0 {
			return fmt.Errorf("running task: %s", aws.StringValue(out.Failures[0].Reason))
		}

		return fmt.Errorf("running task: no task placed")
	}

	arn := aws.StringValue(out.Tasks[0].TaskArn)
	c.taskARN.Store(arn)
	c.logger.DebugContext(ctx, "cloud task started",
		"service", c.job.Service, "task_arn", arn)

	go c.watch(context.WithoutCancel(ctx), arn)

	return nil
}

func (c *CloudTask) watch(ctx context.Context, arn string) {
	defer close(c.done)

	var (
		nextToken *string
		ticker    = time.NewTicker(c.cfg.PollInterval)
	)

	defer ticker.Stop()

	for {
		<-ticker.C

		// A kill short-circuits pending polls: nothing is reported after
		// it, even while ECS still winds the task down.
		if c.killed.Load() {
			close(c.messages)

			c.err = ErrKilled

			return
		}

		out, err := c.ecs.DescribeTasksWithContext(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(c.cfg.Cluster),
			Tasks:   []*string{aws.String(arn)},
		})
		if err != nil {
			c.logger.Warn("describing task failed", "task_arn", arn, "error", err)

			continue
		}

		if len(out.Tasks) == 0 {
			c.err = fmt.Errorf("task %s disappeared", arn)
			close(c.messages)

			return
		}

		task := out.Tasks[0]
		c.lastStatus.Store(aws.StringValue(task.LastStatus))
		nextToken = c.forwardLogs(ctx, arn, nextToken)

		if aws.StringValue(task.LastStatus) != ecs.DesiredStatusStopped {
			continue
		}

		// Final fetch: log delivery lags the task status.
		c.forwardLogs(ctx, arn, nextToken)
		close(c.messages)

		c.err = c.classify(task)

		return
	}
}

// forwardLogs pulls new log events, forwarding the token so each event is
// read once.
func (c *CloudTask) forwardLogs(ctx context.Context, arn string, token *string) *string {
	taskID := arn
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		taskID = arn[i+1:]
	}

	stream := fmt.Sprintf("%s/%s/%s", c.cfg.LogStreamPrefix, c.cfg.ContainerName, taskID)

	out, err := c.logs.GetLogEventsWithContext(ctx, &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(c.cfg.LogGroup),
		LogStreamName: aws.String(stream),
		NextToken:     token,
		StartFromHead: aws.Bool(true),
	})
	if err != nil {
		// The stream only appears once the container wrote something.
		c.logger.Debug("log stream not readable yet", "stream", stream, "error", err)

		return token
	}

	for _, event := range out.Events {
		line := aws.StringValue(event.Message)

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err == nil && msg.Type != "" {
			c.messages <- msg

			continue
		}

		c.logger.Debug("task output", "service", c.job.Service, "line", line)
	}

	return out.NextForwardToken
}

func (c *CloudTask) classify(task *ecs.Task) error {
	if c.killed.Load() {
		return ErrKilled
	}

	for _, container := range task.Containers {
		if aws.StringValue(container.Name) != c.cfg.ContainerName {
			continue
		}

		if container.ExitCode == nil {
			return ErrTerminated
		}

		if code := aws.Int64Value(container.ExitCode); code != 0 {
			return &ExitError{Code: int(code)}
		}

		return nil
	}

	return ErrTerminated
}

// LastStatus returns the most recent status ECS reported for the task, or
// the empty string before the first poll.
func (c *CloudTask) LastStatus() string {
	status, _ := c.lastStatus.Load().(string)

	return status
}

func (c *CloudTask) Messages() <-chan Message { return c.messages }

func (c *CloudTask) Done() <-chan struct{} { return c.done }

// Err returns the termination error. Only valid after Done closes.
func (c *CloudTask) Err() error { return c.err }

// Kill stops the ECS task. A no-op once the task stopped.
func (c *CloudTask) Kill() {
	select {
	case <-c.done:
		return
	default:
	}

	if !c.killed.CompareAndSwap(false, true) {
		return
	}

	arn, ok := c.taskARN.Load().(string)
	if !ok {
		return
	}

	_, err := c.ecs.StopTaskWithContext(context.Background(), &ecs.StopTaskInput{
		Cluster: aws.String(c.cfg.Cluster),
		Task:    aws.String(arn),
		Reason:  aws.String("stopped by user"),
	})
	if err != nil {
		c.logger.Warn("stopping task failed", "task_arn", arn, "error", err)
	}
}
