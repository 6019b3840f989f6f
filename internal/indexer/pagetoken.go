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

package indexer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
)

// pageCursor is the keyset position encoded into a page token.
type pageCursor struct {
	StartTime string `json:"start_time"`
	RunID     string `json:"run_id"`
}

// signPageToken encodes and HMAC-signs a cursor. The signature keeps
// clients from steering the keyset scan with a forged position.
func signPageToken(secret []byte, c pageCursor) string {
	payload, _ := json.Marshal(c)
	body := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(body))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return body + "." + sig
}

// parsePageToken verifies and decodes a page token.
func parsePageToken(secret []byte, token string) (pageCursor, error) {
	var c pageCursor
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return c, apperr.New(apperr.KindInvalidRequest, "invalid page_token")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(body))
	want, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(want, mac.Sum(nil)) {
		return c, apperr.New(apperr.KindInvalidRequest, "invalid page_token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return c, apperr.New(apperr.KindInvalidRequest, "invalid page_token")
	}
	if err := json.Unmarshal(payload, &c); err != nil {
		return c, apperr.New(apperr.KindInvalidRequest, "invalid page_token")
	}
	return c, nil
}
