// Package admin exposes the operator API for inspecting and draining the
// retry queue.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/hitrelay/internal/auth"
	"github.com/austindbirch/hitrelay/internal/hit"
	"github.com/austindbirch/hitrelay/internal/logging"
	"github.com/austindbirch/hitrelay/internal/queue"
	"github.com/austindbirch/hitrelay/internal/replay"
)

type Queue interface {
	List(ctx context.Context) ([]hit.Snapshot, error)
	Remove(ctx context.Context, id string) error
}

type Replayer interface {
	Replay(ctx context.Context) (replay.Result, error)
}

// Entry is a queued hit as shown to operators.
type Entry struct {
	ID         string       `json:"id"`
	Seq        uint64       `json:"seq"`
	Method     string       `json:"method"`
	URL        string       `json:"url"`
	Headers    []hit.Header `json:"headers,omitempty"`
	Body       string       `json:"body,omitempty"`
	BodyBytes  int          `json:"body_bytes"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	AgeMS      int64        `json:"age_ms"`
}

type QueueResponse struct {
	Count   int     `json:"count"`
	Corrupt int     `json:"corrupt,omitempty"`
	Entries []Entry `json:"entries"`
}

type ReplayResponse struct {
	Result replay.Result `json:"result"`
	Error  string        `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	queue    Queue
	replayer Replayer
	log      *logging.Logger
	now      func() time.Time
}

func NewHandler(q Queue, r Replayer, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.New("hitrelay-admin")
	}
	return &Handler{queue: q, replayer: r, log: log, now: time.Now}
}

// Routes returns the admin router, meant to be mounted at /admin. A nil
// validator leaves the routes unauthenticated.
func (h *Handler) Routes(v *auth.JWTValidator) http.Handler {
	r := chi.NewRouter()
	if v != nil {
		r.Use(v.HTTPMiddleware)
	}
	r.Get("/queue", h.listQueue)
	r.Delete("/queue/{id}", h.removeEntry)
	r.Post("/replay", h.replay)
	return r
}

func (h *Handler) listQueue(w http.ResponseWriter, r *http.Request) {
	withBody, _ := strconv.ParseBool(r.URL.Query().Get("body"))

	entries, err := h.queue.List(r.Context())
	var corrupt *queue.CorruptEntriesError
	resp := QueueResponse{Entries: make([]Entry, 0, len(entries))}
	switch {
	case errors.As(err, &corrupt):
		resp.Corrupt = len(corrupt.Keys)
	case err != nil:
		h.log.WithContext(r.Context()).WithError(err).Error("admin: list queue failed")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	now := h.now()
	for _, s := range entries {
		e := Entry{
			ID:         s.ID,
			Seq:        s.Seq,
			Method:     s.Method,
			URL:        s.URL,
			Headers:    s.Headers,
			BodyBytes:  len(s.Body),
			EnqueuedAt: s.EnqueuedTime().UTC(),
			AgeMS:      s.Age(now).Milliseconds(),
		}
		if withBody {
			e.Body = string(s.Body)
		}
		resp.Entries = append(resp.Entries, e)
	}
	resp.Count = len(resp.Entries)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) removeEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queue.Remove(r.Context(), id); err != nil {
		h.log.WithContext(r.Context()).WithHit(id).WithError(err).Error("admin: remove failed")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	entry := h.log.WithContext(r.Context()).WithHit(id)
	if op, ok := auth.OperatorFromContext(r.Context()); ok {
		entry = entry.WithField("operator", op)
	}
	entry.Info("queued hit removed by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request) {
	res, err := h.replayer.Replay(r.Context())
	resp := ReplayResponse{Result: res}
	status := http.StatusOK
	switch {
	case err != nil:
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	case res.Coalesced:
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
