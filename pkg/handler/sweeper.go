package handler

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"

	"trackup/pkg/logger"
	"trackup/pkg/task"
)

const sweepPageSize = 100

// ArchiveInspector lists and removes archived tasks. *asynq.Inspector satisfies it.
type ArchiveInspector interface {
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// ArchiveSweeper retires tasks the queue archived without asking the
// handler, such as a task whose worker died during its last allowed run.
// Each one gets its failed outcome and is deleted so its tag is free again.
type ArchiveSweeper struct {
	inspector ArchiveInspector
	handler   *UploadHandler
	queue     string
	interval  time.Duration
	logger    *logger.Logger
}

func NewArchiveSweeper(inspector ArchiveInspector, handler *UploadHandler, queue string, interval time.Duration) *ArchiveSweeper {
	return &ArchiveSweeper{
		inspector: inspector,
		handler:   handler,
		queue:     queue,
		interval:  interval,
		logger:    logger.NewDefault().With(map[string]any{"component": "sweeper", "queue": queue}),
	}
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *ArchiveSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep retires every archived upload task and returns how many were removed.
func (s *ArchiveSweeper) Sweep(ctx context.Context) int {
	infos, err := s.inspector.ListArchivedTasks(s.queue, asynq.PageSize(sweepPageSize))
	if err != nil {
		if !errors.Is(err, asynq.ErrQueueNotFound) {
			s.logger.Error("failed to list archived tasks", err, nil)
		}
		return 0
	}

	swept := 0
	for _, info := range infos {
		if info.Type != task.TaskTypeUpload {
			continue
		}

		payload, err := task.DecodeUploadPayload(info.Payload)
		if err != nil {
			s.logger.Error("dropping archived task with unreadable payload", err, map[string]any{"task_id": info.ID})
		} else {
			var cause error
			if info.LastErr != "" {
				cause = errors.New(info.LastErr)
			}
			s.handler.Retire(ctx, payload, cause)
		}

		if err := s.inspector.DeleteTask(s.queue, info.ID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			s.logger.Error("failed to delete archived task", err, map[string]any{"task_id": info.ID})
			continue
		}
		swept++
	}

	if swept > 0 {
		s.logger.Info("retired archived tasks", map[string]any{"count": swept})
	}
	return swept
}
