package artifactcache

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// Handler serves cached artifacts at /artifacts/{presentation}/{slide}.
// A thumb=1 query prefers the thumbnail.
func Handler(cache *Cache) http.Handler {
	r := mux.NewRouter()
	Register(r, cache)
	return r
}

// Register mounts the artifact routes on an existing router.
func Register(r *mux.Router, cache *Cache) {
	r.HandleFunc("/artifacts/{presentation}/{slide:[0-9]+}", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		slide, err := strconv.Atoi(vars["slide"])
		if err != nil || slide < 1 {
			http.Error(w, "invalid slide number", http.StatusBadRequest)
			return
		}
		preferThumb := req.URL.Query().Get("thumb") == "1"

		data, ok := cache.Get(req.Context(), vars["presentation"], slide, preferThumb)
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", http.DetectContentType(data))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Cache-Control", "private, max-age=300")
		w.WriteHeader(http.StatusOK)
		if req.Method != http.MethodHead {
			_, _ = w.Write(data)
		}
	}).Methods(http.MethodGet, http.MethodHead)
}
