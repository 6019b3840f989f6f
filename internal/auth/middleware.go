// Copyright 2026 The Sapporo-WES Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
	"github.com/sapporo-wes/sapporo-service/internal/httputil"
)

// Authenticator verifies a bearer token and yields the username.
type Authenticator interface {
	VerifyToken(ctx context.Context, token string) (username string, err error)
}

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const usernameContextKey contextKey = "username"

// UsernameFromContext returns the verified username of the request, or
// "" when authentication is disabled.
func UsernameFromContext(ctx context.Context) string {
	username, _ := ctx.Value(usernameContextKey).(string)
	return username
}

// ContextWithUsername returns a context carrying a verified username.
// Exposed for tests.
func ContextWithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameContextKey, username)
}

// Middleware verifies the Authorization header on every request and
// attaches the username to the context. When auth is nil (disabled),
// requests pass through unchanged.
func Middleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if auth == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				httputil.WriteAppError(w, err)
				return
			}
			username, err := auth.VerifyToken(r.Context(), token)
			if err != nil {
				httputil.WriteAppError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUsername(r.Context(), username)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", apperr.New(apperr.KindUnauthenticated, "missing Authorization header")
	}
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", apperr.New(apperr.KindUnauthenticated, "Authorization header must use the Bearer scheme")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", apperr.New(apperr.KindUnauthenticated, "empty bearer token")
	}
	return token, nil
}

// TokenRateLimiter throttles POST /token per client address to slow
// down credential stuffing.
type TokenRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewTokenRateLimiter allows rps requests per second with the given
// burst per remote IP.
func NewTokenRateLimiter(rps float64, burst int) *TokenRateLimiter {
	return &TokenRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether the request from remoteAddr may proceed.
func (t *TokenRateLimiter) Allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	t.mu.Lock()
	lim, ok := t.limiters[host]
	if !ok {
		lim = rate.NewLimiter(t.limit, t.burst)
		t.limiters[host] = lim
	}
	t.mu.Unlock()

	return lim.Allow()
}
