package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/scry-queue/internal/api/middleware"
	"github.com/phrazzld/scry-queue/internal/api/shared"
	"github.com/phrazzld/scry-queue/internal/metrics"
	"github.com/phrazzld/scry-queue/internal/service/auth"
)

// RouterDeps are the services behind the HTTP API.
type RouterDeps struct {
	Jobs    BatchJobService
	Results ResultService
	Queue   TaskQueue
	Tasks   TaskReader
	JWT     auth.JWTService

	// Health reports whether the backing stores are reachable. Nil always
	// reports healthy.
	Health func(ctx context.Context) error

	// Metrics serves /metrics when set.
	Metrics http.Handler

	Logger *slog.Logger
}

// NewRouter builds the HTTP API.
func NewRouter(d RouterDeps) http.Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.TraceMiddleware(log))
	r.Use(metrics.HTTPMiddleware(routePattern))

	jobs := NewBatchJobHandler(d.Jobs, d.Results, log)
	tasks := NewTaskHandler(d.Queue, d.Tasks, log)
	authMiddleware := middleware.NewAuthMiddleware(d.JWT)

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Route("/batch-jobs", func(r chi.Router) {
			r.Post("/", jobs.CreateBatchJob)
			r.Get("/", jobs.ListBatchJobs)
			r.Get("/{id}", jobs.GetBatchJob)
			r.Post("/{id}/cancel", jobs.CancelBatchJob)
			r.Post("/{id}/resume", jobs.ResumeBatchJob)
			r.Get("/{id}/results", jobs.GetResults)
			r.Get("/{id}/results/download", jobs.DownloadResults)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", tasks.EnqueueTask)
			r.Get("/{id}", tasks.GetTask)
			r.Post("/{id}/cancel", tasks.CancelTask)
		})
	})

	r.Get("/health", healthHandler(d.Health))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}
	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable, "unavailable", err)
				return
			}
		}
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// routePattern labels metrics by route template so that IDs do not create
// new series.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
