// Package ipc provides the HTTP API over the thread engine.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/engine"
	"github.com/Rogers-F/threadline/internal/logging"
)

const defaultPollInterval = time.Second

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Engine *engine.Engine
	Log    *zap.Logger
	// Reload re-reads the manifest and swaps it into Engine. Nil disables
	// the reload endpoint.
	Reload func() error
	// PollInterval paces the event stream. Zero means one second.
	PollInterval time.Duration
}

// MessageRequest is the body for POST /api/v1/threads and
// POST /api/v1/threads/:id/messages.
type MessageRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Text     string `json:"text"`
	DryRun   bool   `json:"dry_run,omitempty"`
}

// ThreadResponse reports the events one call appended and the state they
// left the thread in.
type ThreadResponse struct {
	ThreadID string         `json:"thread_id"`
	Events   []domain.Event `json:"events"`
	State    engine.State   `json:"state"`
	Error    *APIError      `json:"error,omitempty"`
}

// DomainSummary is one entry of GET /api/v1/domains.
type DomainSummary struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Produces    []string `json:"produces,omitempty"`
	Requires    []string `json:"requires,omitempty"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"domains": len(h.Engine.Graph().Domains()),
	})
}

// ListDomains handles GET /api/v1/domains.
func (h *Handler) ListDomains(c echo.Context) error {
	ds := h.Engine.Graph().Domains()
	out := make([]DomainSummary, 0, len(ds))
	for _, d := range ds {
		out = append(out, DomainSummary{ID: d.ID, Description: d.Description, Produces: d.Produces, Requires: d.Requires})
	}
	return c.JSON(http.StatusOK, out)
}

// CreateThread handles POST /api/v1/threads.
func (h *Handler) CreateThread(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
	}
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, APIError{Code: 400, Message: "text is required"})
	}
	events, err := h.Engine.Submit(c.Request().Context(), req.ThreadID, req.Text, engine.SubmitOptions{DryRun: req.DryRun})
	return h.reply(c, http.StatusCreated, threadOf(req.ThreadID, events), events, err)
}

// PostMessage handles POST /api/v1/threads/:id/messages.
func (h *Handler) PostMessage(c echo.Context) error {
	id := c.Param("id")
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
	}
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, APIError{Code: 400, Message: "text is required"})
	}
	events, err := h.Engine.Submit(c.Request().Context(), id, req.Text, engine.SubmitOptions{DryRun: req.DryRun})
	return h.reply(c, http.StatusOK, id, events, err)
}

// PostResponse handles POST /api/v1/threads/:id/responses.
func (h *Handler) PostResponse(c echo.Context) error {
	id := c.Param("id")
	var req domain.HumanResponse
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
	}
	if req.CheckpointID == "" || req.Decision == "" {
		return c.JSON(http.StatusBadRequest, APIError{Code: 400, Message: "checkpoint_id and decision are required"})
	}
	events, err := h.Engine.Respond(c.Request().Context(), id, req)
	return h.reply(c, http.StatusOK, id, events, err)
}

// ResumeThread handles POST /api/v1/threads/:id/resume.
func (h *Handler) ResumeThread(c echo.Context) error {
	id := c.Param("id")
	events, err := h.Engine.Resume(c.Request().Context(), id)
	return h.reply(c, http.StatusOK, id, events, err)
}

// GetThread handles GET /api/v1/threads/:id.
func (h *Handler) GetThread(c echo.Context) error {
	s, err := h.Engine.State(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// ListEvents handles GET /api/v1/threads/:id/events?since_seq=N.
func (h *Handler) ListEvents(c echo.Context) error {
	events, err := h.Engine.Events(c.Request().Context(), c.Param("id"), sinceSeq(c))
	if err != nil {
		return writeError(c, err)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

// ReloadManifest handles POST /api/v1/manifest/reload.
func (h *Handler) ReloadManifest(c echo.Context) error {
	if h.Reload == nil {
		return c.JSON(http.StatusNotFound, APIError{Code: 404, Message: "manifest reload is disabled"})
	}
	if err := h.Reload(); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// StreamEvents handles GET /api/v1/threads/:id/events/stream (SSE).
func (h *Handler) StreamEvents(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	// The first read fails fast on unknown threads, before any SSE header.
	events, err := h.Engine.Events(ctx, id, sinceSeq(c))
	if err != nil {
		return writeError(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastSeq := sinceSeq(c)
	for _, ev := range events {
		writeSSEEvent(w, ev)
		lastSeq = ev.Seq
	}
	w.Flush()

	interval := h.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			newEvents, err := h.Engine.Events(ctx, id, lastSeq)
			if err != nil {
				if ctx.Err() == nil {
					writeSSEError(w, err)
				}
				return nil
			}
			for _, ev := range newEvents {
				writeSSEEvent(w, ev)
				lastSeq = ev.Seq
			}
			if len(newEvents) > 0 {
				w.Flush()
			}
		}
	}
}

// reply answers a driver call. Events appended before a failure are still
// durable, so they are reported alongside the error.
func (h *Handler) reply(c echo.Context, status int, id string, events []domain.Event, err error) error {
	var apiErr *APIError
	if err != nil {
		if len(events) == 0 {
			return writeError(c, err)
		}
		h.logger().Warn("thread run failed after appending events",
			logging.Thread(id), zap.Int("appended", len(events)), zap.Error(err))
		apiErr = toAPIError(err)
	}
	s, serr := h.Engine.State(c.Request().Context(), id)
	if serr != nil {
		return writeError(c, serr)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return c.JSON(status, ThreadResponse{ThreadID: id, Events: events, State: s, Error: apiErr})
}

func (h *Handler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// threadOf recovers the id a Submit call assigned.
func threadOf(requested string, events []domain.Event) string {
	if requested != "" || len(events) == 0 {
		return requested
	}
	return events[0].ThreadID
}

func sinceSeq(c echo.Context) int64 {
	if s := c.QueryParam("since_seq"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	var engErr *domain.EngineError
	if !errors.As(err, &engErr) {
		return http.StatusInternalServerError
	}
	switch engErr.Code {
	case domain.ErrThreadNotFound.Code, domain.ErrDomainNotFound.Code, domain.ErrWorkflowNotFound.Code:
		return http.StatusNotFound
	case domain.ErrThreadClosed.Code, domain.ErrNotAwaiting.Code, domain.ErrSeqConflict.Code,
		domain.ErrThreadExists.Code, domain.ErrDuplicateEvent.Code:
		return http.StatusConflict
	case domain.ErrEmptyIntent.Code, domain.ErrCheckpointMismatch.Code, domain.ErrOptionNotOffered.Code,
		domain.ErrCompensationInvalid.Code:
		return http.StatusBadRequest
	case domain.ErrBatchApproveDenied.Code:
		return http.StatusForbidden
	case domain.ErrManifestInvalid.Code, domain.ErrManifestDecode.Code, domain.ErrRunawayThread.Code:
		return http.StatusUnprocessableEntity
	case domain.ErrScorerFailed.Code, domain.ErrSynthesizerFailed.Code, domain.ErrExecutorProtocol.Code:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func toAPIError(err error) *APIError {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		return &APIError{Code: engErr.Code, Message: engErr.Message}
	}
	return &APIError{Code: -1, Message: err.Error()}
}

func writeError(c echo.Context, err error) error {
	return c.JSON(StatusFor(err), toAPIError(err))
}

func writeSSEEvent(w *echo.Response, ev domain.Event) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
}

func writeSSEError(w *echo.Response, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	w.Flush()
}
