package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mentree/api/internal/platform/httpx"
	"github.com/mentree/api/internal/platform/requestctx"
	"github.com/mentree/api/internal/services"
)

// JobHandlers exposes the scheduler-triggered sweeps on the internal route
// group. The group is guarded by the HMAC middleware wired in the router.
type JobHandlers struct {
	billing services.Job
	grace   services.Job
}

// NewJobHandlers constructs a new JobHandlers instance.
func NewJobHandlers(billing, grace services.Job) *JobHandlers {
	return &JobHandlers{billing: billing, grace: grace}
}

// Routes registers the /internal/jobs endpoints.
func (h *JobHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/jobs/billing", h.runBilling)
	r.Post("/jobs/grace-sweep", h.runGraceSweep)
}

func (h *JobHandlers) runBilling(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "billing", h.billing)
}

func (h *JobHandlers) runGraceSweep(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "grace-sweep", h.grace)
}

func (h *JobHandlers) run(w http.ResponseWriter, r *http.Request, name string, job services.Job) {
	ctx := r.Context()
	if job == nil {
		httpx.WriteError(ctx, w, httpx.NewError("job_unavailable", name+" job unavailable", http.StatusServiceUnavailable))
		return
	}

	if err := job.Run(ctx); err != nil {
		requestctx.Logger(ctx).Error("job run failed", zap.String("job", name), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("job_failed", name+" job failed", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusAccepted, map[string]string{"job": name, "status": "completed"})
}
