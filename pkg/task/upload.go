package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"trackup/pkg/upload"
)

const (
	TaskTypeUpload = "upload:track"

	// RedeliveryHeadroom is added to the queue's retry limit so that
	// re-deliveries after a crash or a timeout do not use up the transient
	// retry, which is counted in the lifecycle record instead.
	RedeliveryHeadroom = 3
)

// UploadPayload is what the queue persists for one task: the full request
// plus the tag it was submitted under.
type UploadPayload struct {
	Tag         string         `json:"tag"`
	Request     upload.Request `json:"request"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// NewUploadTask builds the asynq task for req. Enqueue it with TaskOptions so
// the queue itself refuses a second task for the same file and protocol.
func NewUploadTask(req *upload.Request, opts ...asynq.Option) (*asynq.Task, error) {
	payload := UploadPayload{
		Tag:         req.Tag(),
		Request:     *req,
		SubmittedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return asynq.NewTask(TaskTypeUpload, data, opts...), nil
}

// TaskOptions are the enqueue options of an upload task: the tag as task ID,
// the queue, the retry limit and the per-attempt timeout.
func TaskOptions(tag, queue string, maxRetry int, timeout time.Duration) []asynq.Option {
	return []asynq.Option{
		asynq.TaskID(tag),
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetry + RedeliveryHeadroom),
		asynq.Timeout(timeout),
	}
}

// DecodeUploadPayload parses a persisted payload and checks that the tag
// still matches the request it carries.
func DecodeUploadPayload(data []byte) (*UploadPayload, error) {
	var payload UploadPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	if err := upload.CheckTag(payload.Tag); err != nil {
		return nil, err
	}
	if want := payload.Request.Tag(); payload.Tag != want {
		return nil, fmt.Errorf("payload tag %q does not match request tag %q", payload.Tag, want)
	}

	return &payload, nil
}
