package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trackup/pkg/upload"
)

const stateKeyPrefix = "trackup:state:"

type State string

const (
	StateAdded     State = "added"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ErrNoState is returned when no lifecycle record exists for a tag.
var ErrNoState = errors.New("no lifecycle record")

// Record is the lifecycle of one task as the queue sees it.
type Record struct {
	Tag       string      `json:"tag"`
	State     State       `json:"state"`
	Kind      upload.Kind `json:"kind,omitempty"`
	LocalPath string      `json:"local_path,omitempty"`
	// Attempts counts dispatches, including re-deliveries after a crash.
	Attempts int `json:"attempts"`
	// TransientFailures counts attempts that ended in a transport failure or
	// a timeout. It, not the queue's retry counter, decides whether a task may
	// run again.
	TransientFailures int       `json:"transient_failures,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	Checksum          string    `json:"checksum,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// stateClient is the part of redis.Cmdable the store needs.
type stateClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// StateStore keeps lifecycle records in redis next to the queue. Records of
// live tasks never expire; terminal records are kept for retention so that
// observers can still read how a task ended.
type StateStore struct {
	client    stateClient
	retention time.Duration
}

func NewStateStore(client stateClient, retention time.Duration) *StateStore {
	return &StateStore{
		client:    client,
		retention: retention,
	}
}

func stateKey(tag string) string {
	return stateKeyPrefix + tag
}

func (s *StateStore) Get(ctx context.Context, tag string) (*Record, error) {
	result, err := s.client.Get(ctx, stateKey(tag)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w for %s", ErrNoState, tag)
		}
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal([]byte(result), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lifecycle record: %w", err)
	}
	return &rec, nil
}

func (s *StateStore) save(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle record: %w", err)
	}

	var expiration time.Duration
	if rec.State.Terminal() {
		expiration = s.retention
	}
	return s.client.Set(ctx, stateKey(rec.Tag), data, expiration).Err()
}

// load returns the current record, or a fresh one for tag.
func (s *StateStore) load(ctx context.Context, tag string) (*Record, error) {
	rec, err := s.Get(ctx, tag)
	if errors.Is(err, ErrNoState) {
		return &Record{Tag: tag}, nil
	}
	return rec, err
}

// MarkAdded starts a new lifecycle for req and drops any stale record,
// including a cancel marker left by an earlier task with the same tag.
func (s *StateStore) MarkAdded(ctx context.Context, req *upload.Request) error {
	return s.save(ctx, &Record{
		Tag:       req.Tag(),
		State:     StateAdded,
		Kind:      req.Kind,
		LocalPath: req.LocalPath,
	})
}

// BeginAttempt counts a dispatch of tag and marks it running. A cancelled or
// already finished record is returned untouched; the caller must not run it.
func (s *StateStore) BeginAttempt(ctx context.Context, tag string) (*Record, error) {
	rec, err := s.load(ctx, tag)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		return rec, nil
	}

	rec.State = StateRunning
	rec.Attempts++
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordAttemptFailure notes an attempt that broke on the transport and
// returns how many have so far.
func (s *StateStore) RecordAttemptFailure(ctx context.Context, tag string, cause error) (int, error) {
	rec, err := s.load(ctx, tag)
	if err != nil {
		return 0, err
	}
	if !rec.State.Terminal() {
		rec.State = StateAdded
	}
	rec.TransientFailures++
	rec.LastError = cause.Error()
	if err := s.save(ctx, rec); err != nil {
		return 0, err
	}
	return rec.TransientFailures, nil
}

// MarkCancelled sets the cancel marker. An active attempt checks it before
// deciding whether its task may run again.
func (s *StateStore) MarkCancelled(ctx context.Context, tag string) error {
	rec, err := s.load(ctx, tag)
	if err != nil {
		return err
	}
	rec.State = StateCancelled
	return s.save(ctx, rec)
}

func (s *StateStore) IsCancelled(ctx context.Context, tag string) (bool, error) {
	rec, err := s.Get(ctx, tag)
	if err != nil {
		if errors.Is(err, ErrNoState) {
			return false, nil
		}
		return false, err
	}
	return rec.State == StateCancelled, nil
}

// Finish records how the task ended. A cancelled task stays cancelled.
func (s *StateStore) Finish(ctx context.Context, tag string, outcome upload.Outcome) error {
	rec, err := s.load(ctx, tag)
	if err != nil {
		return err
	}

	rec.Attempts = max(rec.Attempts, outcome.Attempt)
	switch {
	case rec.State == StateCancelled:
	case outcome.Success:
		rec.State = StateSucceeded
		rec.LastError = ""
		rec.Checksum = outcome.Checksum
	default:
		rec.State = StateFailed
		rec.LastError = outcome.Message
	}
	return s.save(ctx, rec)
}

// Clear removes the record.
func (s *StateStore) Clear(ctx context.Context, tag string) error {
	return s.client.Del(ctx, stateKey(tag)).Err()
}
