package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/runqueue/internal/api/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps holds what the router serves. Tokens may be nil, which leaves
// the /api routes unauthenticated. Gatherer may be nil, which omits /metrics.
type RouterDeps struct {
	Tasks    TaskService
	Tokens   middleware.TokenValidator
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter builds the HTTP handler for the control API.
func NewRouter(deps RouterDeps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewTraceMiddleware(log))
	r.Use(chimiddleware.Recoverer)

	tasks := NewTaskHandler(deps.Tasks, log)

	r.Route("/api", func(r chi.Router) {
		if deps.Tokens != nil {
			r.Use(middleware.NewAuthMiddleware(deps.Tokens).Authenticate)
		}

		r.Post("/tasks", tasks.SubmitTask)
		r.Get("/tasks", tasks.ListTasks)
		r.Get("/tasks/{id}", tasks.GetTask)
		r.Post("/tasks/{id}/cancel", tasks.CancelTask)
		r.Get("/stats", tasks.GetStats)
		r.Get("/workers", tasks.ListWorkers)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error("failed to write health check response", "error", err)
		}
	})

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
