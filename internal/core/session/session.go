// Package session supplies the opaque bearer credential sent to upstream services.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var ErrNoToken = errors.New("no session token")

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static always returns the same token.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

type ctxKey struct{}

func WithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, token)
}

func FromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxKey{}).(string)
	return s, ok && s != ""
}

// FromRequest prefers a token placed in the context by the inbound request
// and falls back to fallback, which may be nil.
func FromRequest(fallback TokenSource) TokenSource {
	return requestSource{fallback: fallback}
}

type requestSource struct{ fallback TokenSource }

func (r requestSource) Token(ctx context.Context) (string, error) {
	if tok, ok := FromContext(ctx); ok {
		return tok, nil
	}
	if r.fallback == nil {
		return "", ErrNoToken
	}
	return r.fallback.Token(ctx)
}

// BearerToken extracts the credential from an Authorization header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}
