package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"trackup/pkg/config"
	"trackup/pkg/logger"
	"trackup/pkg/task"
	"trackup/pkg/upload"
)

var (
	// ErrInvalidRequest wraps every reason Submit refuses a request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound is returned by Cancel when no pending or active task has the tag.
	ErrNotFound = errors.New("no such task")
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type inspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

type stateStore interface {
	MarkAdded(ctx context.Context, req *upload.Request) error
	MarkCancelled(ctx context.Context, tag string) error
	Get(ctx context.Context, tag string) (*task.Record, error)
}

// Publisher is the inbound side of the task queue: it accepts and cancels tasks.
type Publisher struct {
	client    enqueuer
	inspector inspector
	states    stateStore
	queue     string
	maxRetry  int
	timeout   time.Duration
	logger    *logger.Logger
}

// SubmitResult tells the caller whether a new task was queued or an existing
// one with the same tag already covers the request.
type SubmitResult struct {
	Tag      string `json:"tag"`
	Enqueued bool   `json:"enqueued"`
}

func NewPublisher(client *asynq.Client, inspector *asynq.Inspector, states *task.StateStore, cfg *config.Config) *Publisher {
	return newPublisher(client, inspector, states, cfg.Daemon)
}

func newPublisher(client enqueuer, inspector inspector, states stateStore, cfg config.DaemonConfig) *Publisher {
	return &Publisher{
		client:    client,
		inspector: inspector,
		states:    states,
		queue:     cfg.Queue,
		maxRetry:  cfg.MaxRetry,
		timeout:   time.Duration(cfg.TaskTimeoutMinutes) * time.Minute,
		logger:    logger.NewDefault().With(map[string]any{"component": "publisher"}),
	}
}

// Submit validates req and queues it unless a task with the same tag is
// already pending or running, in which case it is a no-op.
func (p *Publisher) Submit(ctx context.Context, req *upload.Request) (SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	tag := req.Tag()
	result := SubmitResult{Tag: tag}

	live, err := p.liveTask(tag)
	if err != nil {
		return result, err
	}
	if live {
		p.logger.Info("task already queued, skipping", map[string]any{"tag": tag})
		return result, nil
	}

	t, err := task.NewUploadTask(req)
	if err != nil {
		return result, err
	}

	if err := p.states.MarkAdded(ctx, req); err != nil {
		return result, fmt.Errorf("record task state: %w", err)
	}

	info, err := p.client.EnqueueContext(ctx, t, task.TaskOptions(tag, p.queue, p.maxRetry, p.timeout)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		p.logger.Info("task already queued, skipping", map[string]any{"tag": tag})
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("enqueue task: %w", err)
	}

	p.logger.Info("task enqueued successfully", map[string]any{
		"task_id": info.ID,
		"queue":   info.Queue,
		"kind":    req.Kind,
		"file":    req.LocalPath,
	})
	result.Enqueued = true
	return result, nil
}

// liveTask reports whether the queue still holds a task for tag that will
// run. An archived task is left over from an attempt that never reported
// back; it is removed so the tag can be used again.
func (p *Publisher) liveTask(tag string) (bool, error) {
	info, err := p.inspector.GetTaskInfo(p.queue, tag)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("look up task: %w", err)
	}

	if info.State != asynq.TaskStateArchived {
		return true, nil
	}

	if err := p.inspector.DeleteTask(p.queue, tag); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, fmt.Errorf("delete archived task: %w", err)
	}
	p.logger.Warn("removed archived task", map[string]any{"tag": tag, "last_err": info.LastErr})
	return false, nil
}

// Cancel removes a pending task. A task that is already running finishes its
// current attempt and is not run again.
func (p *Publisher) Cancel(ctx context.Context, tag string) error {
	if err := upload.CheckTag(tag); err != nil {
		return err
	}

	info, err := p.inspector.GetTaskInfo(p.queue, tag)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, tag)
		}
		return fmt.Errorf("look up task: %w", err)
	}

	if err := p.states.MarkCancelled(ctx, tag); err != nil {
		return fmt.Errorf("record cancellation: %w", err)
	}

	if info.State == asynq.TaskStateActive {
		p.logger.Info("task is running, it will not be retried", map[string]any{"tag": tag})
		return nil
	}

	if err := p.inspector.DeleteTask(p.queue, tag); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return fmt.Errorf("delete task: %w", err)
	}

	p.logger.Info("task cancelled", map[string]any{"tag": tag, "state": info.State.String()})
	return nil
}

// State returns the lifecycle record of tag.
func (p *Publisher) State(ctx context.Context, tag string) (*task.Record, error) {
	if err := upload.CheckTag(tag); err != nil {
		return nil, err
	}
	return p.states.Get(ctx, tag)
}
