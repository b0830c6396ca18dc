package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/hibiken/asynqmon"

	"trackup/pkg/config"
	"trackup/pkg/logger"
	"trackup/pkg/publisher"
	"trackup/pkg/task"
	"trackup/pkg/upload"
)

type uploadQueue interface {
	Submit(ctx context.Context, req *upload.Request) (publisher.SubmitResult, error)
	Cancel(ctx context.Context, tag string) error
	State(ctx context.Context, tag string) (*task.Record, error)
}

type outcomeSource interface {
	Subscribe(name string) (<-chan upload.Outcome, func())
}

type HTTPHandler struct {
	queue    uploadQueue
	events   outcomeSource
	asynqmon *asynqmon.HTTPHandler
	logger   *logger.Logger
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type CancelResponse struct {
	Success bool   `json:"success"`
	Tag     string `json:"tag"`
}

func NewHTTPHandler(queue uploadQueue, events outcomeSource, cfg *config.Config) *HTTPHandler {
	h := &HTTPHandler{
		queue:  queue,
		events: events,
		logger: logger.NewDefault().With(map[string]any{"component": "http"}),
	}

	if cfg != nil && cfg.Asynqmon.Enabled {
		h.asynqmon = asynqmon.New(asynqmon.Options{
			RootPath:          cfg.Asynqmon.RootPath,
			RedisConnOpt:      cfg.Redis.AsynqOpt(),
			ReadOnly:          cfg.Asynqmon.ReadOnlyMode,
			PrometheusAddress: cfg.Asynqmon.PrometheusAddr,
		})
	}

	return h
}

// Routes returns the API mux with the monitoring UI mounted when enabled.
func (h *HTTPHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/uploads", h.SubmitHandler)
	mux.HandleFunc("/uploads/", h.TaskHandler)
	mux.HandleFunc("/events", h.EventsHandler)

	if h.asynqmon != nil {
		mux.Handle(h.asynqmon.RootPath()+"/", h.asynqmon)
	}
	return mux
}

func (h *HTTPHandler) Close() {
	if h.asynqmon != nil {
		if err := h.asynqmon.Close(); err != nil {
			h.logger.Error("failed to close asynqmon", err, nil)
		}
	}
}

func (h *HTTPHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req upload.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendErrorResponse(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	result, err := h.queue.Submit(r.Context(), &req)
	if err != nil {
		if errors.Is(err, publisher.ErrInvalidRequest) {
			h.sendErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to submit upload", err, map[string]any{
			"kind": req.Kind,
			"file": req.LocalPath,
		})
		h.sendErrorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("upload submitted via HTTP", map[string]any{
		"tag":      result.Tag,
		"enqueued": result.Enqueued,
	})

	status := http.StatusAccepted
	if !result.Enqueued {
		status = http.StatusOK
	}
	h.sendJSON(w, status, result)
}

// TaskHandler serves GET (lifecycle state) and DELETE (cancel) on /uploads/<tag>.
func (h *HTTPHandler) TaskHandler(w http.ResponseWriter, r *http.Request) {
	tag := strings.TrimPrefix(r.URL.Path, "/uploads/")
	if err := upload.CheckTag(tag); err != nil {
		h.sendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getState(w, r, tag)
	case http.MethodDelete:
		h.cancel(w, r, tag)
	default:
		h.sendErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *HTTPHandler) getState(w http.ResponseWriter, r *http.Request, tag string) {
	rec, err := h.queue.State(r.Context(), tag)
	if err != nil {
		if errors.Is(err, task.ErrNoState) {
			h.sendErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("failed to read task state", err, map[string]any{"tag": tag})
		h.sendErrorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.sendJSON(w, http.StatusOK, rec)
}

func (h *HTTPHandler) cancel(w http.ResponseWriter, r *http.Request, tag string) {
	if err := h.queue.Cancel(r.Context(), tag); err != nil {
		if errors.Is(err, publisher.ErrNotFound) {
			h.sendErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("failed to cancel task", err, map[string]any{"tag": tag})
		h.sendErrorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("task cancelled via HTTP", map[string]any{"tag": tag})
	h.sendJSON(w, http.StatusOK, CancelResponse{Success: true, Tag: tag})
}

// EventsHandler streams outcomes as newline-delimited JSON until the client
// goes away or the daemon shuts the result channel.
func (h *HTTPHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.sendErrorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	outcomes, unsubscribe := h.events.Subscribe("http:" + r.RemoteAddr)
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case outcome, ok := <-outcomes:
			if !ok {
				return
			}
			if err := enc.Encode(outcome); err != nil {
				h.logger.Debug("event stream closed", map[string]any{"error": err.Error()})
				return
			}
			flusher.Flush()
		}
	}
}

func (h *HTTPHandler) sendJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", err, nil)
	}
}

func (h *HTTPHandler) sendErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSON(w, statusCode, ErrorResponse{Error: message})
}
