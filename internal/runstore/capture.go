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

package runstore

import (
	"encoding/json"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
)

// CapturedConfig is the service configuration snapshot written to
// sapporo_config.json at submission. Helper tools that later operate on
// the bare run directory read it back instead of needing the live
// service's flags.
type CapturedConfig struct {
	SapporoVersion  string `json:"sapporo_version"`
	BaseURL         string `json:"base_url"`
	SapporoEndpoint string `json:"sapporo_endpoint"`
	URLPrefix       string `json:"url_prefix"`
	RunDirBase      string `json:"run_dir"`
}

// WriteCapturedConfig records the service configuration in the run dir.
func (s *Store) WriteCapturedConfig(runID string, cfg CapturedConfig) error {
	return s.WriteJSON(runID, KeyServiceConfig, cfg)
}

// ReadCapturedConfig reads sapporo_config.json. Missing file yields
// (nil, nil) for runs created by older deployments.
func (s *Store) ReadCapturedConfig(runID string) (*CapturedConfig, error) {
	data, err := s.ReadFile(runID, KeyServiceConfig)
	if err != nil || data == nil {
		return nil, err
	}
	var cfg CapturedConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "failed to decode sapporo_config.json", err)
	}
	return &cfg, nil
}
