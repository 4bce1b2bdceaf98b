package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/govexport/internal/log"
	"github.com/keithlinneman/govexport/internal/xerrors"
)

// Recover turns a handler panic into a logged error and a 500 JSON body.
// onPanic may be nil. http.ErrAbortHandler is re-raised so net/http can
// drop the connection as intended.
func Recover(base log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				if onPanic != nil {
					onPanic()
				}

				var err error
				switch x := v.(type) {
				case error:
					err = xerrors.Wrap(x, "panic")
				default:
					err = xerrors.Newf("panic: %v", x)
				}

				ctx := r.Context()
				L := log.FromContext(ctx)
				if L == nil || L == log.Nop() {
					L = base
				}
				L.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(ctx),
				).Error(ctx, err, "httpserver panic recovered", "stack", string(debug.Stack()))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = fmt.Fprint(w, `{"error":{"code":"INTERNAL","message":"internal server error"}}`)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
