package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/tavolohq/edgegate/internal/log"
	"github.com/tavolohq/edgegate/internal/xerrors"
)

// Recover is the outermost safety net: it converts handler panics into a
// 500 response instead of letting the connection die, logs the panic with
// its stack, and fires onPanic (metrics). If the handler already wrote a
// response, only the logging happens.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// http.ErrAbortHandler is net/http's own panic protocol
				// for aborting a response; re-raise it untouched
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.EnsureTrace(v)
				default:
					err = xerrors.Newf("panic: %v", v)
				}

				if L != nil {
					L.Error(r.Context(), err, "panic recovered serving http request",
						"url.path", r.URL.Path,
						"http.request.method", r.Method,
						"stack", string(debug.Stack()),
					)
				}
				if onPanic != nil {
					onPanic()
				}

				http.Error(w, "internal server error", http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
