package httpmw

import (
	"fmt"
	"net/http"
)

// MaxBody caps request bodies at limit bytes. A declared Content-Length over
// the limit is refused up front with 413; bodies of unknown length fail with
// *http.MaxBytesError when the handler reads past the limit.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_, _ = fmt.Fprintf(w, `{"error":{"code":"VALIDATION_ERROR","message":"request body exceeds %d bytes"}}`, limit)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
