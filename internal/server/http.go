package server

import (
	"embed"
	"net/http"
	"strings"

	"parsec/backend/internal/addr"
)

//go:embed static
var staticFS embed.FS

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/static/")
	// flat whitelist, no directory walking
	var contentType string
	switch name {
	case "base.css":
		contentType = "text/css; charset=utf-8"
	case "index.html":
		contentType = "text/html; charset=utf-8"
	default:
		http.NotFound(w, r)
		return
	}
	body, err := staticFS.ReadFile("static/" + name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(body)
}

// handleRedirect turns an https link back into the parsec:// address it
// encodes, so invitation links survive email clients that refuse custom
// schemes.
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/redirect/")
	target, err := addr.FromRedirect(s.cfg.Host, s.cfg.UseSSL, path, r.URL.Query())
	if err != nil {
		http.Error(w, "invalid redirect path", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}
