// Package middleware holds the HTTP middleware stack of the server.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/sessiond/internal/errors"
	"github.com/3leaps/sessiond/internal/observability"
)

// ErrorResponse is the body written for recovered panics.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a panic in next into a 500 INTERNAL_ERROR response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			observability.ServerLogger.Error("Recovered handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))

			env := gferrors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec)).
				WithCorrelationID(chimw.GetReqID(r.Context())).
				WithPath(r.URL.Path)
			env, _ = env.WithSeverity(gferrors.SeverityCritical)
			writeErrorResponse(w, env, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestID assigns a request id, keeping one supplied in X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return chimw.RequestID(next)
}

func writeErrorResponse(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	apperrors.WriteEnvelope(w, status, env)
}
