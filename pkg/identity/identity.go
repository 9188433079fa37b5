// Package identity carries the verified principal through request contexts
// and across service boundaries via the X-User-Info header.
//
// Downstream services trust X-User-Info only because the gateway strips any
// client-supplied copy before injecting its own; they do not re-verify it.
package identity

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/cloudbro-kube-ai/opshub/pkg/token"
)

// Header names shared between the gateway and downstream services.
const (
	UserInfoHeader      = "X-User-Info"
	CorrelationIDHeader = "X-Correlation-ID"
)

type principalKey struct{}
type correlationKey struct{}

// WithPrincipal stores the verified principal in the context.
func WithPrincipal(ctx context.Context, p *token.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal set by the auth middleware.
func PrincipalFrom(ctx context.Context) (*token.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*token.Principal)
	return p, ok
}

// WithCorrelationID stores the request correlation id in the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFrom returns the correlation id, or "" if unset.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// EncodeUserInfo serializes the principal for the X-User-Info header.
// Only identity fields cross the wire; IsActive is implied by the request
// having passed verification.
func EncodeUserInfo(p *token.Principal) string {
	data, _ := json.Marshal(map[string]string{
		"id":       p.ID,
		"username": p.Username,
		"role":     string(p.Role),
		"email":    p.Email,
	})
	return string(data)
}

// DecodeUserInfo parses an X-User-Info header into a principal.
func DecodeUserInfo(raw string) (*token.Principal, error) {
	var fields struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Role     string `json:"role"`
		Email    string `json:"email"`
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	return &token.Principal{
		ID:       fields.ID,
		Username: fields.Username,
		Role:     token.NormalizeRole(fields.Role),
		Email:    fields.Email,
		IsActive: true,
	}, nil
}

// Middleware extracts X-User-Info and X-Correlation-ID on downstream
// services, populating the request context. Requests without identity pass
// through anonymously; handlers that need a principal check for themselves.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if raw := r.Header.Get(UserInfoHeader); raw != "" {
			if p, err := DecodeUserInfo(raw); err == nil {
				ctx = WithPrincipal(ctx, p)
			}
		}
		cid := r.Header.Get(CorrelationIDHeader)
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx = WithCorrelationID(ctx, cid)
		w.Header().Set(CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
