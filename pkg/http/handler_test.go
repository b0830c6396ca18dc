package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackup/pkg/events"
	"trackup/pkg/publisher"
	"trackup/pkg/task"
	"trackup/pkg/upload"
)

type fakeQueue struct {
	mu        sync.Mutex
	submitted []upload.Request
	queued    map[string]bool
	records   map[string]*task.Record
	failWith  error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{queued: map[string]bool{}, records: map[string]*task.Record{}}
}

func (q *fakeQueue) Submit(ctx context.Context, req *upload.Request) (publisher.SubmitResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return publisher.SubmitResult{}, q.failWith
	}
	if req.Kind == "" {
		return publisher.SubmitResult{}, fmt.Errorf("%w: kind is required", publisher.ErrInvalidRequest)
	}
	tag := req.Tag()
	q.submitted = append(q.submitted, *req)
	if q.queued[tag] {
		return publisher.SubmitResult{Tag: tag}, nil
	}
	q.queued[tag] = true
	q.records[tag] = &task.Record{Tag: tag, State: task.StateAdded, Kind: req.Kind}
	return publisher.SubmitResult{Tag: tag, Enqueued: true}, nil
}

func (q *fakeQueue) Cancel(ctx context.Context, tag string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.queued[tag] {
		return fmt.Errorf("%w: %s", publisher.ErrNotFound, tag)
	}
	delete(q.queued, tag)
	q.records[tag].State = task.StateCancelled
	return nil
}

func (q *fakeQueue) State(ctx context.Context, tag string) (*task.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[tag]
	if !ok {
		return nil, task.ErrNoState
	}
	copied := *rec
	return &copied, nil
}

func newTestHandler() (*HTTPHandler, *fakeQueue, *events.Bus) {
	q := newFakeQueue()
	bus := events.NewBus(8)
	return NewHTTPHandler(q, bus, nil), q, bus
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func TestSubmitHandler(t *testing.T) {
	h, q, _ := newTestHandler()
	routes := h.Routes()
	req := upload.Request{
		Kind:      upload.KindFTP,
		Host:      "ftp.example.org",
		Port:      21,
		Username:  "logger",
		RemoteDir: "/logs",
		LocalPath: "/data/track.gpx",
	}

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/uploads", jsonBody(t, req)))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var result publisher.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, publisher.SubmitResult{Tag: "FTPtrack.gpx", Enqueued: true}, result)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/uploads", jsonBody(t, req)))
	assert.Equal(t, http.StatusOK, rec.Code, "a duplicate is acknowledged but not queued")

	require.Len(t, q.submitted, 2)
	assert.Equal(t, req, q.submitted[0])
}

func TestSubmitHandlerErrors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		failWith   error
		wantStatus int
		wantError  string
	}{
		{name: "wrong method", method: http.MethodGet, wantStatus: http.StatusMethodNotAllowed, wantError: "method not allowed"},
		{name: "bad json", method: http.MethodPost, body: "{", wantStatus: http.StatusBadRequest, wantError: "invalid JSON payload"},
		{name: "invalid request", method: http.MethodPost, body: `{"host":"x"}`, wantStatus: http.StatusBadRequest, wantError: "kind is required"},
		{name: "queue down", method: http.MethodPost, body: `{"kind":"FTP"}`, failWith: fmt.Errorf("enqueue task: connection refused"), wantStatus: http.StatusInternalServerError, wantError: "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, q, _ := newTestHandler()
			q.failWith = tt.failWith

			rec := httptest.NewRecorder()
			h.Routes().ServeHTTP(rec, httptest.NewRequest(tt.method, "/uploads", strings.NewReader(tt.body)))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Contains(t, resp.Error, tt.wantError)
		})
	}
}

func TestTaskHandler(t *testing.T) {
	h, q, _ := newTestHandler()
	routes := h.Routes()
	_, err := q.Submit(context.Background(), &upload.Request{Kind: upload.KindSFTP, LocalPath: "/data/track.gpx"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/SFTPtrack.gpx", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var state task.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, task.StateAdded, state.State)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/uploads/SFTPtrack.gpx", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled CancelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	assert.Equal(t, CancelResponse{Success: true, Tag: "SFTPtrack.gpx"}, cancelled)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/uploads/SFTPtrack.gpx", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "nothing left to cancel")
}

func TestTaskHandlerErrors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{name: "unknown state", method: http.MethodGet, path: "/uploads/FTPnothing.gpx", wantStatus: http.StatusNotFound},
		{name: "empty tag", method: http.MethodGet, path: "/uploads/", wantStatus: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodPut, path: "/uploads/FTPtrack.gpx", wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHandler()
			rec := httptest.NewRecorder()
			h.Routes().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestEventsHandlerStreamsOutcomes(t *testing.T) {
	h, _, bus := newTestHandler()
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	bus.Publish(upload.Failed(upload.KindFTP, "Could not upload track.gpx via FTP", nil).ForTask("FTPtrack.gpx", 2))

	line, err := bufio.NewReader(resp.Body).ReadBytes('\n')
	require.NoError(t, err)

	var got upload.Outcome
	require.NoError(t, json.Unmarshal(line, &got))
	assert.Equal(t, "FTPtrack.gpx", got.Tag)
	assert.Equal(t, 2, got.Attempt)
	assert.False(t, got.Success)

	cancel()
	require.Eventually(t, func() bool { return bus.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEventsHandlerWrongMethod(t *testing.T) {
	h, _, _ := newTestHandler()
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
