package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/httputil"
	"github.com/ddm-net/ddm/internal/logging"
)

// RecoveryMiddleware recovers from handler panics, logs the stack trace
// and returns a structured internal-error response.
type RecoveryMiddleware struct {
	logger *logging.Logger
}

func NewRecoveryMiddleware(logger *logging.Logger) *RecoveryMiddleware {
	return &RecoveryMiddleware{logger: logger}
}

func (m *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				stack := debug.Stack()
				m.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
					"panic":       fmt.Sprintf("%v", err),
					"stack":       string(stack),
					"path":        r.URL.Path,
					"method":      r.Method,
					"remote_addr": r.RemoteAddr,
				}).Error("panic recovered")

				svcErr := ddmerrors.Wrap(ddmerrors.Internal, "internal server error", fmt.Errorf("%v", err))
				httputil.WriteDDMError(w, r, svcErr)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
