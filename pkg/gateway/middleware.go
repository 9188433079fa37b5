package gateway

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
	"github.com/cloudbro-kube-ai/opshub/pkg/identity"
	"github.com/cloudbro-kube-ai/opshub/pkg/token"
)

// recoverer converts handler panics into the uniform error envelope.
func recoverer(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()))
					httperr.WriteCode(w, httperr.CodeInternal, "An internal error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// correlation assigns every inbound request a correlation id and strips any
// client-supplied identity header. Downstream trusts X-User-Info only
// because the gateway controls it; a spoofed copy must never survive.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(identity.UserInfoHeader)

		cid := r.Header.Get(identity.CorrelationIDHeader)
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := identity.WithCorrelationID(r.Context(), cid)
		w.Header().Set(identity.CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs one line per completed request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("correlationId", identity.CorrelationIDFrom(r.Context())))
		})
	}
}

// bearerToken extracts the access credential from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// requireAuth verifies the access credential and stores the principal in the
// request context. Failures collapse to one authentication error whose
// details.reason carries the machine-readable sub-reason; specifics stay in
// logs.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			httperr.Write(w, httperr.Authentication(httperr.ReasonMissingToken))
			return
		}
		principal, err := s.tokens.Verify(r.Context(), raw)
		if err != nil {
			s.log.Debug("access credential rejected", zap.Error(err))
			httperr.Write(w, httperr.Authentication(verifyReason(err)))
			return
		}
		ctx := identity.WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// verifyReason maps a credential verification failure to its sub-reason.
// Expiry is the only case clients handle differently; everything else is an
// invalid token.
func verifyReason(err error) string {
	if errors.Is(err, token.ErrExpired) {
		return httperr.ReasonTokenExpired
	}
	return httperr.ReasonInvalidToken
}
