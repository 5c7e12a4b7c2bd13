package main

import (
	"context"
	"net/http"

	"github.com/photobooks/arservice/internal/api/response"
	"github.com/photobooks/arservice/internal/config"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database, queue and cache connectivity.
func healthHandler(db, q, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := []struct {
			name string
			p    pinger
		}{
			{"database", db},
			{"queue", q},
			{"cache", c},
		}

		body := map[string]any{"status": "healthy"}
		for _, chk := range checks {
			if err := chk.p.Ping(r.Context()); err != nil {
				response.Status(w, http.StatusServiceUnavailable, map[string]any{
					"status": "unhealthy",
					"error":  chk.name + ": " + err.Error(),
				})
				return
			}
			body[chk.name] = "connected"
		}
		response.JSON(w, body)
	}
}

// rootHandler describes the service and its endpoints.
func rootHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, map[string]any{
			"service":  "AR Compilation Service",
			"version":  Version,
			"status":   "running",
			"compiler": cfg.Compiler.Mode,
			"queue":    cfg.Queue.Backend,
			"endpoints": map[string]string{
				"compile": "POST /compile",
				"status":  "GET /status/:id",
				"logs":    "GET /status/:id/logs",
				"viewer":  "GET /view/:id",
				"health":  "GET /health",
				"metrics": "GET /metrics",
			},
		})
	}
}
