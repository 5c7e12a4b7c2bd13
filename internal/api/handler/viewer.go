package handler

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/photobooks/arservice/internal/files"
	"github.com/photobooks/arservice/internal/store"
	"github.com/photobooks/arservice/pkg/models"
)

var viewerPageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
{{if .Refresh}}<meta http-equiv="refresh" content="5">{{end}}
<style>body { font-family: system-ui; text-align: center; padding: 50px; }</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Lines}}<p>{{.}}</p>
{{end}}</body>
</html>
`))

type viewerPage struct {
	Title   string
	Lines   []string
	Refresh bool
}

func writePage(w http.ResponseWriter, status int, page viewerPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := viewerPageTmpl.Execute(w, page); err != nil {
		slog.Warn("rendering viewer page", "error", err)
	}
}

// NewViewerHandler returns an http.HandlerFunc for GET /view/{id}. It serves
// the compiled viewer once ready and a self-refreshing placeholder before.
func NewViewerHandler(st ProjectReader, fm *files.Manager, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(r)
		if !ok {
			writePage(w, http.StatusNotFound, viewerPage{
				Title: "404 - AR Project Not Found",
				Lines: []string{"This AR project does not exist or has been deleted."},
			})
			return
		}

		p, err := st.GetProject(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writePage(w, http.StatusNotFound, viewerPage{
				Title: "404 - AR Project Not Found",
				Lines: []string{"Project ID: " + id.String(), "This AR project does not exist or has been deleted."},
			})
			return
		}
		if err != nil {
			slog.Error("viewer lookup failed", "project_id", id, "error", err)
			writePage(w, http.StatusInternalServerError, viewerPage{Title: "Viewer Error"})
			return
		}

		if p.IsExpired(now()) {
			writePage(w, http.StatusGone, viewerPage{
				Title: "Demo Expired",
				Lines: []string{
					"This demo AR project expired on " + p.ExpiresAt.UTC().Format(time.RFC1123) + ".",
					"Demo projects are automatically deleted after 24 hours.",
				},
			})
			return
		}

		if p.Status != models.StatusReady {
			title := "Compilation in progress..."
			switch p.Status {
			case models.StatusPending:
				title = "Queued for compilation..."
			case models.StatusError:
				title = "Compilation failed. Please try again."
			}
			writePage(w, http.StatusAccepted, viewerPage{
				Title:   title,
				Lines:   []string{"Project ID: " + id.String(), "Status: " + string(p.Status)},
				Refresh: p.Status != models.StatusError,
			})
			return
		}

		path := viewerPath(fm, p)
		if _, err := os.Stat(path); err != nil {
			slog.Error("viewer file missing", "project_id", id, "path", path, "error", err)
			writePage(w, http.StatusInternalServerError, viewerPage{
				Title: "Viewer Error",
				Lines: []string{"The AR viewer for this project could not be loaded."},
			})
			return
		}
		http.ServeFile(w, r, path)
	}
}

// viewerPath prefers the stored artifact URL and falls back to index.html in
// the project directory.
func viewerPath(fm *files.Manager, p *models.Project) string {
	if p.ViewerHTMLURL != nil {
		if path, err := fm.ResolveStoragePath(*p.ViewerHTMLURL); err == nil {
			return path
		}
	}
	return filepath.Join(fm.ProjectStorageDir(p.ID), "index.html")
}
