package discovery

import (
	"encoding/json"
	"net/http"
)

// Handler serves the catalog as JSON. The catalog is marshaled per request,
// so operations added after mounting show up.
func (c *Catalog) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := json.Marshal(c)
		if err != nil {
			http.Error(w, "failed to encode catalog", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(body)
	})
}
