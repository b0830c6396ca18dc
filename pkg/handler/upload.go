package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"trackup/pkg/logger"
	"trackup/pkg/storage"
	"trackup/pkg/task"
	"trackup/pkg/upload"
)

// Lifecycle is the bookkeeping the handler does around an attempt.
type Lifecycle interface {
	Get(ctx context.Context, tag string) (*task.Record, error)
	BeginAttempt(ctx context.Context, tag string) (*task.Record, error)
	RecordAttemptFailure(ctx context.Context, tag string, cause error) (int, error)
	IsCancelled(ctx context.Context, tag string) (bool, error)
	Finish(ctx context.Context, tag string, outcome upload.Outcome) error
}

// OutcomePublisher receives the one outcome of every attempt that ends a task.
type OutcomePublisher interface {
	Publish(outcome upload.Outcome)
}

// UploadHandler runs one upload attempt per dispatch and tells the queue
// whether the task is done. Only a transport failure within the retry budget
// is handed back to the queue for a re-run; everything else ends the task.
// The budget is counted in the lifecycle record, so re-deliveries after a
// crash do not use it up.
type UploadHandler struct {
	uploader storage.Uploader
	states   Lifecycle
	results  OutcomePublisher
	maxRetry int
	logger   *logger.Logger
}

func NewUploadHandler(uploader storage.Uploader, states Lifecycle, results OutcomePublisher, maxRetry int) *UploadHandler {
	return &UploadHandler{
		uploader: uploader,
		states:   states,
		results:  results,
		maxRetry: maxRetry,
		logger:   logger.NewDefault().With(map[string]any{"component": "handler"}),
	}
}

func (h *UploadHandler) Handle(ctx context.Context, asynqTask *asynq.Task) error {
	payload, err := task.DecodeUploadPayload(asynqTask.Payload())
	if err != nil {
		retried, _ := asynq.GetRetryCount(ctx)
		taskID, _ := asynq.GetTaskID(ctx)
		h.logger.Error("failed to decode payload", err, map[string]any{"task_id": taskID})
		h.results.Publish(upload.Failed("", "Could not read the queued upload", err).ForTask(taskID, retried+1))
		// Returning nil retires the task; a payload that cannot be read now never will be.
		return nil
	}

	return h.process(ctx, payload)
}

func (h *UploadHandler) process(ctx context.Context, payload *task.UploadPayload) error {
	req := &payload.Request
	tag := payload.Tag
	log := h.logger.With(map[string]any{
		"tag":  tag,
		"kind": req.Kind,
	})

	rec, err := h.states.BeginAttempt(ctx, tag)
	if err != nil {
		log.Error("failed to record running state", err, nil)
		retried, _ := asynq.GetRetryCount(ctx)
		rec = &task.Record{Tag: tag, State: task.StateRunning, Attempts: retried + 1, TransientFailures: retried}
	}

	switch {
	case rec.State == task.StateCancelled:
		log.Info("task was cancelled before it ran", nil)
		return nil
	case rec.State.Terminal():
		log.Info("task already finished", map[string]any{"state": rec.State})
		return nil
	}

	attempt := rec.Attempts
	log = log.With(map[string]any{"attempt": attempt})

	// Earlier attempts timed out until the budget ran out.
	if rec.TransientFailures > h.maxRetry {
		h.finish(ctx, tag, failedUpload(req, errors.New(rec.LastError)).ForTask(tag, attempt), log)
		return nil
	}

	log.Info("starting upload", map[string]any{"host": req.Host, "file": req.LocalPath})
	outcome, err := h.uploader.Upload(ctx, req)

	// The queue stops waiting once ctx ends, so bookkeeping uses a context
	// that outlives the attempt.
	bg := context.WithoutCancel(ctx)

	if ctx.Err() != nil && (err != nil || !outcome.Success) {
		return h.abandon(ctx, tag, log)
	}

	if err != nil {
		failures, recErr := h.states.RecordAttemptFailure(bg, tag, err)
		if recErr != nil {
			log.Error("failed to record attempt failure", recErr, nil)
			retried, _ := asynq.GetRetryCount(ctx)
			failures = retried + 1
		}
		if failures <= h.maxRetry && !h.cancelled(bg, tag, log) {
			log.Warn("upload attempt failed, the queue will run it again", map[string]any{"error": err.Error()})
			return err
		}
		outcome = failedUpload(req, err)
	}

	h.finish(bg, tag, outcome.ForTask(tag, attempt), log)
	return nil
}

// abandon handles an attempt whose context ended before it produced a result.
// Nothing is published: the queue has already decided what happens next. A
// timeout counts against the retry budget, a shutdown does not.
func (h *UploadHandler) abandon(ctx context.Context, tag string, log *logger.Logger) error {
	cause := context.Cause(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if _, err := h.states.RecordAttemptFailure(context.WithoutCancel(ctx), tag, cause); err != nil {
			log.Error("failed to record attempt failure", err, nil)
		}
	}
	log.Warn("attempt abandoned", map[string]any{"error": cause.Error()})
	return ctx.Err()
}

// HandleError is called by the queue after every failed attempt. Once the
// queue's own retries are used up it archives the task without running the
// handler again, so the task is retired here.
func (h *UploadHandler) HandleError(ctx context.Context, asynqTask *asynq.Task, err error) {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return
	}
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	h.handleError(ctx, asynqTask, err, retried, maxRetry)
}

func (h *UploadHandler) handleError(ctx context.Context, asynqTask *asynq.Task, err error, retried, maxRetry int) {
	if retried < maxRetry {
		return
	}

	payload, decodeErr := task.DecodeUploadPayload(asynqTask.Payload())
	if decodeErr != nil {
		h.logger.Error("failed to decode payload of archived task", decodeErr, nil)
		return
	}
	h.Retire(context.WithoutCancel(ctx), payload, err)
}

// Retire reports a task the queue gave up on as failed. A task whose record
// is already terminal has been reported and is left alone.
func (h *UploadHandler) Retire(ctx context.Context, payload *task.UploadPayload, cause error) {
	tag := payload.Tag
	log := h.logger.With(map[string]any{
		"tag":  tag,
		"kind": payload.Request.Kind,
	})

	attempt := 0
	rec, err := h.states.Get(ctx, tag)
	switch {
	case err == nil && rec.State.Terminal():
		return
	case err == nil:
		attempt = rec.Attempts
	case !errors.Is(err, task.ErrNoState):
		log.Error("failed to read lifecycle record", err, nil)
	}

	if cause == nil {
		cause = errors.New("the queue gave up on the task")
	}
	log.Warn("retiring task the queue gave up on", map[string]any{"error": cause.Error()})
	h.finish(ctx, tag, failedUpload(&payload.Request, cause).ForTask(tag, attempt), log)
}

func (h *UploadHandler) finish(ctx context.Context, tag string, outcome upload.Outcome, log *logger.Logger) {
	if err := h.states.Finish(ctx, tag, outcome); err != nil {
		log.Error("failed to record final state", err, nil)
	}
	h.results.Publish(outcome)

	log.Info("task finished", map[string]any{"success": outcome.Success})
}

func failedUpload(req *upload.Request, cause error) upload.Outcome {
	msg := fmt.Sprintf("Could not upload %s via %s", req.FileName(), req.Kind)
	return upload.Failed(req.Kind, msg, cause)
}

func (h *UploadHandler) cancelled(ctx context.Context, tag string, log *logger.Logger) bool {
	cancelled, err := h.states.IsCancelled(ctx, tag)
	if err != nil {
		log.Error("failed to read cancel marker", err, nil)
		return false
	}
	return cancelled
}
