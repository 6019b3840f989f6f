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
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
	"github.com/sapporo-wes/sapporo-service/internal/log"
)

// LocalAuthenticator implements the built-in mode: it both issues and
// verifies HS256 tokens for the users listed in the auth config.
type LocalAuthenticator struct {
	cfg    SapporoAuthConfig
	debug  bool
	logger *slog.Logger
	now    func() time.Time
}

// NewLocal builds a LocalAuthenticator. In debug mode, plaintext
// passwords in the user list are accepted for local development.
func NewLocal(cfg SapporoAuthConfig, debug bool, logger *slog.Logger) *LocalAuthenticator {
	return &LocalAuthenticator{
		cfg:    cfg,
		debug:  debug,
		logger: log.WithComponent(logger, "auth"),
		now:    time.Now,
	}
}

// IssueToken verifies the credentials and returns a signed token.
// Unknown user and wrong password are indistinguishable to the caller.
func (a *LocalAuthenticator) IssueToken(username, password string) (string, error) {
	invalid := apperr.New(apperr.KindUnauthenticated, "invalid username or password")

	var user *User
	for i := range a.cfg.Users {
		if a.cfg.Users[i].Username == username {
			user = &a.cfg.Users[i]
			break
		}
	}
	if user == nil {
		return "", invalid
	}

	if strings.HasPrefix(user.Password, "$argon2id$") {
		ok, err := VerifyPassword(password, user.Password)
		if err != nil || !ok {
			return "", invalid
		}
	} else {
		if !a.debug {
			return "", invalid
		}
		a.logger.Warn("plaintext password in auth config; allowed in debug mode only",
			slog.String(log.UsernameKey, username))
		if subtle.ConstantTimeCompare([]byte(password), []byte(user.Password)) != 1 {
			return "", invalid
		}
	}

	now := a.now()
	claims := jwt.MapClaims{
		"sub": username,
		"iat": now.Unix(),
	}
	if a.cfg.ExpiresDeltaHours != nil {
		claims["exp"] = now.Add(time.Duration(*a.cfg.ExpiresDeltaHours) * time.Hour).Unix()
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.SecretKey))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "failed to sign token", err)
	}
	a.logger.Info("token issued", slog.String(log.UsernameKey, username))
	return token, nil
}

// VerifyToken checks the signature and expiry and returns the subject.
func (a *LocalAuthenticator) VerifyToken(_ context.Context, tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Newf(apperr.KindUnauthenticated, "unexpected signing method %s", t.Method.Alg())
		}
		return []byte(a.cfg.SecretKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnauthenticated, "invalid token", err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", apperr.New(apperr.KindUnauthenticated, "token has no subject")
	}
	return sub, nil
}
