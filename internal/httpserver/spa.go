package httpserver

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// spaHandler serves the built web UI. Paths that do not name a file get
// index.html so client-side routes survive a reload.
type spaHandler struct {
	dir   string
	files http.Handler
}

func newSPAHandler(dir string) http.Handler {
	return &spaHandler{dir: dir, files: http.FileServer(http.Dir(dir))}
}

func (h *spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	clean := path.Clean("/" + r.URL.Path)
	if clean != "/" {
		full := filepath.Join(h.dir, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			h.files.ServeHTTP(w, r)
			return
		}
	}

	http.ServeFile(w, r, filepath.Join(h.dir, "index.html"))
}
