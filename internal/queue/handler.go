package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/transport"
)

const defaultListLimit = 50

// AdminHandler exposes job inspection and manual retry to operators.
type AdminHandler struct {
	transport.BaseHandler
	registry *Registry
	Logger   *slog.Logger
}

func NewAdminHandler(registry *Registry, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		BaseHandler: *transport.NewBaseHandler(logger),
		registry:    registry,
		Logger:      logger,
	}
}

type JobsResponse struct {
	Queue string `json:"queue"`
	State State  `json:"state"`
	Jobs  []*Job `json:"jobs"`
}

func (h *AdminHandler) queueParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "queue")
	if _, ok := h.registry.Policy(name); !ok {
		h.HandleError(w, internal.ErrUnknownQueue.WithCause(fmt.Errorf("queue %q", name)))
		return "", false
	}
	return name, true
}

// ListJobs handles GET /api/v1/queues/{queue}/jobs?state=failed&limit=50
func (h *AdminHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	name, ok := h.queueParam(w, r)
	if !ok {
		return
	}

	state := StateFailed
	if s := r.URL.Query().Get("state"); s != "" {
		parsed, err := ParseState(s)
		if err != nil {
			h.HandleError(w, internal.NewValidationFieldError("state", err.Error(), internal.ErrCodeValidationFailed))
			return
		}
		state = parsed
	}

	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.HandleError(w, internal.NewValidationFieldError("limit", "limit must be a positive integer", internal.ErrCodeValidationFailed))
			return
		}
		limit = n
	}

	jobs, err := h.registry.Broker().List(r.Context(), name, state, limit)
	if err != nil {
		h.Logger.Error("ListJobs: broker error", "error", err, "queue", name)
		h.HandleServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	h.WriteJSON(w, http.StatusOK, JobsResponse{Queue: name, State: state, Jobs: jobs})
}

// RetryJob handles POST /api/v1/queues/{queue}/jobs/{id}/retry
func (h *AdminHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	name, ok := h.queueParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	err := h.registry.Broker().Retry(r.Context(), name, id)
	switch {
	case errors.Is(err, ErrNotFailed):
		h.HandleError(w, internal.ErrJobNotFailed)
		return
	case err != nil:
		h.Logger.Error("RetryJob: broker error", "error", err, "queue", name, "job_id", id)
		h.HandleServiceError(w, err)
		return
	}

	job, err := h.registry.Broker().Get(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.Logger.Info("RetryJob: job re-armed", "queue", name, "job_id", id)
	h.WriteJSON(w, http.StatusOK, job)
}
