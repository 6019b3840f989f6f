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
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
	"github.com/sapporo-wes/sapporo-service/internal/log"
)

const (
	discoveryTTL    = time.Hour
	jwksTTL         = 5 * time.Minute
	idpHTTPTimeout  = 10 * time.Second
	idpRetryCount   = 3
	idpRetryBackoff = 500 * time.Millisecond
)

// externalAlgs are the only accepted signing algorithms. HS* is refused
// so a symmetric token cannot masquerade as an IdP-issued one.
var externalAlgs = []string{"RS256", "RS384", "RS512"}

// discoveryDocument is the subset of the OIDC discovery metadata we use.
type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// jwk is one key of a JWKS response.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// ExternalAuthenticator verifies tokens issued by an OIDC IdP. It never
// issues tokens itself. Discovery metadata is cached for an hour and the
// JWKS for five minutes; a token with an unknown kid triggers a single
// eager JWKS refetch before rejection.
type ExternalAuthenticator struct {
	cfg        ExternalConfig
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu               sync.Mutex
	discovery        *discoveryDocument
	discoveryFetched time.Time
	keys             map[string]*rsa.PublicKey
	keysFetched      time.Time
}

// NewExternal builds an ExternalAuthenticator. No network IO happens
// until the first verification.
func NewExternal(cfg ExternalConfig, logger *slog.Logger) *ExternalAuthenticator {
	return &ExternalAuthenticator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: idpHTTPTimeout},
		logger:     log.WithComponent(logger, "auth"),
		now:        time.Now,
	}
}

// VerifyToken validates signature, issuer, audience, and expiry.
func (a *ExternalAuthenticator) VerifyToken(ctx context.Context, tokenStr string) (string, error) {
	disc, err := a.discoveryDoc(ctx)
	if err != nil {
		return "", err
	}

	keyfunc := func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, apperr.Newf(apperr.KindUnauthenticated,
				"signing method %s is not accepted; only RS256/RS384/RS512", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, apperr.New(apperr.KindUnauthenticated, "token has no kid header")
		}
		return a.publicKey(ctx, disc, kid)
	}

	token, err := jwt.Parse(tokenStr, keyfunc,
		jwt.WithValidMethods(externalAlgs),
		jwt.WithIssuer(disc.Issuer),
		jwt.WithAudience(a.cfg.JWTAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		// IdP availability problems surface as 502, not 401, so
		// operators can tell credential errors from outages.
		var appErr *apperr.Error
		if errors.As(err, &appErr) && appErr.Kind == apperr.KindUpstream {
			return "", appErr
		}
		return "", apperr.Wrap(apperr.KindUnauthenticated, "invalid token", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", apperr.New(apperr.KindUnauthenticated, "token has no subject")
	}

	// Prefer a human-readable identity when the IdP provides one.
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		if u, ok := claims["preferred_username"].(string); ok && u != "" {
			return u, nil
		}
	}
	return sub, nil
}

// discoveryDoc returns the cached discovery metadata, fetching it when
// stale.
func (a *ExternalAuthenticator) discoveryDoc(ctx context.Context) (*discoveryDocument, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.discovery != nil && a.now().Sub(a.discoveryFetched) < discoveryTTL {
		return a.discovery, nil
	}

	url := strings.TrimRight(a.cfg.IdpURL, "/") + "/.well-known/openid-configuration"
	var doc discoveryDocument
	if err := a.fetchJSON(ctx, url, &doc); err != nil {
		// A stale document beats an outage.
		if a.discovery != nil {
			a.logger.Warn("IdP discovery refresh failed, using cached metadata", log.Error(err))
			return a.discovery, nil
		}
		return nil, apperr.Wrap(apperr.KindUpstream, "failed to fetch IdP discovery document", err)
	}
	if doc.Issuer == "" || doc.JWKSURI == "" {
		return nil, apperr.New(apperr.KindUpstream, "IdP discovery document is missing issuer or jwks_uri")
	}
	a.discovery = &doc
	a.discoveryFetched = a.now()
	return a.discovery, nil
}

// publicKey returns the RSA key for kid, refreshing the JWKS when the
// cache is stale or the kid is unknown.
func (a *ExternalAuthenticator) publicKey(ctx context.Context, disc *discoveryDocument, kid string) (*rsa.PublicKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.keys != nil && a.now().Sub(a.keysFetched) < jwksTTL {
		if key, ok := a.keys[kid]; ok {
			return key, nil
		}
	}

	if err := a.refreshJWKS(ctx, disc); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "failed to fetch JWKS from IdP", err)
	}
	key, ok := a.keys[kid]
	if !ok {
		return nil, apperr.Newf(apperr.KindUnauthenticated, "token kid %q is not in the IdP's JWKS", kid)
	}
	return key, nil
}

// refreshJWKS fetches and parses the JWKS. Caller holds a.mu.
func (a *ExternalAuthenticator) refreshJWKS(ctx context.Context, disc *discoveryDocument) error {
	var set jwks
	if err := a.fetchJSON(ctx, disc.JWKSURI, &set); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey)
	for i := range set.Keys {
		k := &set.Keys[i]
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := parseRSAPublicKey(k)
		if err != nil {
			a.logger.Warn("skipping unparsable JWK", slog.String("kid", k.Kid), log.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("no usable RSA keys in JWKS")
	}
	a.keys = keys
	a.keysFetched = a.now()
	a.logger.Debug("JWKS refreshed", slog.Int("keys", len(keys)))
	return nil
}

// fetchJSON performs a GET with up to 3 retries and exponential backoff
// (0.5s, 1s, 2s) on transport errors and 5xx responses.
func (a *ExternalAuthenticator) fetchJSON(ctx context.Context, url string, out any) error {
	var lastErr error
	backoff := idpRetryBackoff
	for attempt := 0; attempt <= idpRetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%s returned status %d", url, resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode %s: %w", url, err)
		}
		return nil
	}
	return lastErr
}

// parseRSAPublicKey builds an rsa.PublicKey from the base64url modulus
// and exponent of a JWK.
func parseRSAPublicKey(k *jwk) (*rsa.PublicKey, error) {
	nBytes, err := jwt.NewParser().DecodeSegment(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := jwt.NewParser().DecodeSegment(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := 0
	for _, b := range eBytes {
		e = e*256 + int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("zero exponent")
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}
