package api

import (
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/photobooks/arservice/internal/api/middleware"
	"github.com/photobooks/arservice/internal/api/response"
	"github.com/photobooks/arservice/internal/files"
	"github.com/photobooks/arservice/internal/metrics"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Metrics     *metrics.Metrics
	RateLimit   *mw.RateLimit
	CORSOrigins []string
	// StorageRoot is served read-only under /objects/ar-storage/.
	StorageRoot string

	RootHandler    http.HandlerFunc
	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler
	CompileHandler http.HandlerFunc
	StatusHandler  http.HandlerFunc
	LogsHandler    http.HandlerFunc
	ViewerHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	if deps.Metrics != nil {
		r.Use(mw.Metrics(deps.Metrics))
	}
	if len(deps.CORSOrigins) > 0 {
		r.Use(mw.CORS(deps.CORSOrigins))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.NotFound(w)
	})

	r.Get("/", orNotImplemented(deps.RootHandler))
	r.Get("/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}
		r.Post("/compile", orNotImplemented(deps.CompileHandler))
	})

	r.Get("/status/{id}", orNotImplemented(deps.StatusHandler))
	r.Get("/status/{id}/logs", orNotImplemented(deps.LogsHandler))
	r.Get("/view/{id}", orNotImplemented(deps.ViewerHandler))

	if deps.StorageRoot != "" {
		static := http.StripPrefix(files.StorageURLPrefix, http.FileServer(noListing{http.Dir(deps.StorageRoot)}))
		r.Method(http.MethodGet, files.StorageURLPrefix+"*", static)
	}

	return r
}

// noListing hides directory indexes from the static artifact server.
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "Endpoint not yet implemented")
	}
}
