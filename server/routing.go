package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/herald/logger"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogContext)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/ws", s.hub)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/status", s.handleStatus)
		api.Post("/sweep", s.handleSweep)
		api.Post("/sync", s.handleSync)

		api.Route("/jobs", func(jobs chi.Router) {
			jobs.Get("/", s.handleListJobs)
			jobs.Get("/{id}", s.handleGetJob)
			jobs.Get("/{id}/log", s.handleJobLog)
			jobs.Post("/{id}/requeue", s.handleRequeue)
		})

		api.Route("/workflows/{id}", func(wf chi.Router) {
			wf.Post("/schedule", s.handleRegister)
			wf.Post("/deactivate", s.handleDeactivate)
			wf.Delete("/schedules", s.handleCancel)
		})
	})
	return r
}

// requestLogContext carries the chi request ID into the logging context.
func requestLogContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logger.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
