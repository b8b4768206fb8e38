package handlers

import (
	"net/http"
	"os"
	"path/filepath"
)

// GetArtifact handles GET /jobs/{id}/artifacts/{name}
// Only the base name of {name} is used, so requests cannot leave the job's
// artifact directory.
func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	name := filepath.Base(r.PathValue("name"))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		h.httpError(w, "artifact not found", http.StatusNotFound)
		return
	}

	f, err := os.Open(filepath.Join(rec.Paths.Artifacts, name))
	if err != nil {
		h.httpError(w, "artifact not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		h.httpError(w, "artifact not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)
}
