// Package api exposes the capture queue over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/tether/internal/capture"
	"github.com/kalambet/tether/internal/queue"
	"github.com/kalambet/tether/internal/reconcile"
)

const maxRequestBodySize = 1 << 20 // 1MB

// QueueService is the subset of queue.Manager the API uses.
type QueueService interface {
	ListQueued(ctx context.Context) ([]queue.Note, error)
	ListByStatus(ctx context.Context, status queue.Status) ([]queue.Note, error)
	Retry(ctx context.Context, id string) (queue.Note, error)
	RetryFailed(ctx context.Context) (int, error)
	Discard(ctx context.Context, id string) error
	Counts(ctx context.Context) (map[queue.Status]int, error)
}

// CaptureService is the subset of capture.Pipeline the API uses.
type CaptureService interface {
	Capture(ctx context.Context, rawInput string) (capture.CaptureResult, error)
	Active() *capture.Preview
	Confirm(ctx context.Context, previewID string, edits capture.Edits) (capture.CommitResult, error)
	Cancel(ctx context.Context, previewID string) error
	Discard(ctx context.Context, previewID string) error
}

// Drainer is the subset of reconcile.Loop the API uses.
type Drainer interface {
	DrainOnce(ctx context.Context) (reconcile.Outcome, error)
	Draining() bool
	Kick()
}

// ConnectivityControl reports and overrides the connectivity state.
type ConnectivityControl interface {
	Online() bool
	Pinned() bool
	Set(online bool)
	Unpin()
}

type Deps struct {
	Queue   QueueService
	Capture CaptureService
	Drainer Drainer
	Conn    ConnectivityControl
	// Metrics is served unauthenticated at /metrics when set.
	Metrics http.Handler
	Token   string
	Logger  *slog.Logger
}

// Status is the daemon summary served at GET /status.
type Status struct {
	Online   bool                 `json:"online"`
	Pinned   bool                 `json:"pinned"`
	Draining bool                 `json:"draining"`
	Queue    map[queue.Status]int `json:"queue"`
	Preview  *capture.Preview     `json:"preview,omitempty"`
}

// CaptureRequest is the body of POST /capture.
type CaptureRequest struct {
	Text string `json:"text"`
}

// ConnectivityState is the body of GET and PUT /connectivity.
type ConnectivityState struct {
	Online bool `json:"online"`
	Pinned bool `json:"pinned"`
}

func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Post("/capture", handleCapture(deps))

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", handleListQueue(deps))
			r.Post("/retry", handleRetryFailed(deps))
			r.Post("/{id}/retry", handleRetry(deps))
			r.Delete("/{id}", handleDiscardNote(deps))
		})

		r.Route("/preview", func(r chi.Router) {
			r.Get("/", handleGetPreview(deps))
			r.Post("/{id}/confirm", handleConfirm(deps))
			r.Post("/{id}/cancel", handleCancel(deps))
			r.Post("/{id}/discard", handleDiscardPreview(deps))
		})

		r.Get("/connectivity", handleGetConnectivity(deps))
		r.Put("/connectivity", handleSetConnectivity(deps))
		r.Delete("/connectivity", handleUnpinConnectivity(deps))

		r.Post("/drain", handleDrain(deps))
	})

	return r
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Queue.Counts(r.Context())
		if err != nil {
			writeErr(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, Status{
			Online:   deps.Conn.Online(),
			Pinned:   deps.Conn.Pinned(),
			Draining: deps.Drainer.Draining(),
			Queue:    counts,
			Preview:  deps.Capture.Active(),
		})
	}
}

func handleCapture(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CaptureRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Capture.Capture(r.Context(), req.Text)
		if err != nil {
			writeErr(w, err, http.StatusInternalServerError)
			return
		}
		code := http.StatusOK
		if res.Queued() {
			code = http.StatusAccepted
		}
		writeJSON(w, code, res)
	}
}

func handleListQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			notes []queue.Note
			err   error
		)
		if s := r.URL.Query().Get("status"); s != "" {
			st, perr := queue.ParseStatus(s)
			if perr != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", perr)
				return
			}
			notes, err = deps.Queue.ListByStatus(r.Context(), st)
		} else {
			notes, err = deps.Queue.ListQueued(r.Context())
		}
		if err != nil {
			writeErr(w, err, http.StatusInternalServerError)
			return
		}
		if notes == nil {
			notes = []queue.Note{}
		}
		writeJSON(w, http.StatusOK, notes)
	}
}

func handleRetryFailed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Queue.RetryFailed(r.Context())
		if n > 0 {
			deps.Drainer.Kick()
		}
		if err != nil {
			writeErr(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"reset": n})
	}
}

func handleRetry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		note, err := deps.Queue.Retry(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err, http.StatusInternalServerError)
			return
		}
		deps.Drainer.Kick()
		writeJSON(w, http.StatusOK, note)
	}
}

func handleDiscardNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if pv := deps.Capture.Active(); pv != nil && pv.NoteID == id {
			httpError(w, http.StatusConflict, "conflict", "note %s is in the active preview; discard the preview instead", id)
			return
		}
		if err := deps.Queue.Discard(r.Context(), id); err != nil {
			writeErr(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
	}
}

func handleGetPreview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pv := deps.Capture.Active()
		if pv == nil {
			writeErr(w, capture.ErrNoPreview, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, pv)
	}
}

func handleConfirm(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var edits capture.Edits
		if err := decodeBody(w, r, &edits); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Capture.Confirm(r.Context(), chi.URLParam(r, "id"), edits)
		if err != nil {
			writeErr(w, err, http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Capture.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeErr(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func handleDiscardPreview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Capture.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeErr(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
	}
}

func handleGetConnectivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ConnectivityState{Online: deps.Conn.Online(), Pinned: deps.Conn.Pinned()})
	}
}

func handleSetConnectivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Online *bool `json:"online"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Online == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "online is required")
			return
		}
		deps.Conn.Set(*req.Online)
		deps.Logger.Info("connectivity pinned", "online", *req.Online)
		writeJSON(w, http.StatusOK, ConnectivityState{Online: deps.Conn.Online(), Pinned: deps.Conn.Pinned()})
	}
}

func handleUnpinConnectivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Conn.Unpin()
		writeJSON(w, http.StatusOK, ConnectivityState{Online: deps.Conn.Online(), Pinned: deps.Conn.Pinned()})
	}
}

func handleDrain(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		outcome, err := deps.Drainer.DrainOnce(r.Context())
		if err != nil {
			writeErr(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]reconcile.Outcome{"outcome": outcome})
	}
}
