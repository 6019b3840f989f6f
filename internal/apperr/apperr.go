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

// Package apperr defines the error kinds that cross component boundaries
// and their mapping to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and logging.
type Kind int

const (
	// KindInvalidRequest maps to 400.
	KindInvalidRequest Kind = iota
	// KindUnauthenticated maps to 401.
	KindUnauthenticated
	// KindForbidden maps to 403.
	KindForbidden
	// KindNotFound maps to 404.
	KindNotFound
	// KindConflict maps to 409, e.g. a forbidden state transition.
	KindConflict
	// KindUnsupported maps to 400 with an explanatory message,
	// used for the /tasks endpoints.
	KindUnsupported
	// KindStorageIO maps to 500 for run-directory IO failures.
	KindStorageIO
	// KindInternal maps to 500.
	KindInternal
	// KindUpstream maps to 502, e.g. IdP fetch failed after retries.
	KindUpstream
)

// Error is an error with a Kind and a client-safe message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New creates an Error of the given kind with a client-safe message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that wraps an underlying error.
// The underlying error is kept for logs; only Msg is shown to clients.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code for the error's kind.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindInvalidRequest, KindUnsupported:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
