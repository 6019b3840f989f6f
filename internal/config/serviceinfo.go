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

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sapporo-wes/sapporo-service/internal/wes"
)

// SupportedWesVersion is the WES dialect this service reports.
const SupportedWesVersion = "sapporo-wes-2.0.0"

// LoadServiceInfo reads the service-info document from a JSON or YAML
// file. An empty path yields the built-in default document.
func LoadServiceInfo(path string) (*wes.ServiceInfo, error) {
	if path == "" {
		return DefaultServiceInfo(), nil
	}
	var info wes.ServiceInfo
	if err := decodeJSONTagged(path, &info); err != nil {
		return nil, fmt.Errorf("load service-info: %w", err)
	}
	if len(info.SupportedWesVersions) == 0 {
		info.SupportedWesVersions = []string{SupportedWesVersion}
	}
	return &info, nil
}

// DefaultServiceInfo is the document served when no --service-info file
// is configured.
func DefaultServiceInfo() *wes.ServiceInfo {
	typeVersions := map[string]wes.WorkflowTypeVersion{
		string(wes.TypeCWL): {WorkflowTypeVersion: []string{"v1.0", "v1.1", "v1.2"}},
		string(wes.TypeWDL): {WorkflowTypeVersion: []string{"1.0"}},
		string(wes.TypeNFL): {WorkflowTypeVersion: []string{"1.0"}},
		string(wes.TypeSMK): {WorkflowTypeVersion: []string{"1.0"}},
	}
	engineVersions := map[string]wes.WorkflowEngineVersion{
		string(wes.EngineCWLTool):    {WorkflowEngineVersion: []string{"3.1"}},
		string(wes.EngineNextflow):   {WorkflowEngineVersion: []string{"23.04"}},
		string(wes.EngineToil):       {WorkflowEngineVersion: []string{"5.12"}},
		string(wes.EngineCromwell):   {WorkflowEngineVersion: []string{"85"}},
		string(wes.EngineSnakemake):  {WorkflowEngineVersion: []string{"7.32"}},
		string(wes.EngineEP3):        {WorkflowEngineVersion: []string{"1.7"}},
		string(wes.EngineStreamFlow): {WorkflowEngineVersion: []string{"0.2"}},
	}
	engineDefaults := make(map[string][]wes.DefaultWorkflowEngineParameter, len(engineVersions))
	for engine := range engineVersions {
		engineDefaults[engine] = []wes.DefaultWorkflowEngineParameter{}
	}
	return &wes.ServiceInfo{
		ID:               "sapporo-service",
		Name:             "sapporo-service",
		Type:             wes.ServiceType{Group: "sapporo-wes", Artifact: "wes", Version: "2.0.0"},
		Description:      "A production-ready workflow execution service",
		Organization:     wes.Organization{Name: "Sapporo-WES Project", URL: "https://github.com/sapporo-wes"},
		ContactURL:       "https://github.com/sapporo-wes/sapporo-service/issues",
		DocumentationURL: "https://github.com/sapporo-wes/sapporo-service",
		CreatedAt:        "2026-01-01T00:00:00Z",
		UpdatedAt:        "2026-01-01T00:00:00Z",
		Version:          Version,
		WorkflowTypeVersions:            typeVersions,
		SupportedWesVersions:            []string{SupportedWesVersion},
		SupportedFilesystemProtocols:    []string{"http", "https", "file"},
		WorkflowEngineVersions:          engineVersions,
		DefaultWorkflowEngineParameters: engineDefaults,
		SystemStateCounts:               map[string]int{},
		AuthInstructionsURL:             "https://github.com/sapporo-wes/sapporo-service#authentication",
		Tags:                            map[string]string{},
	}
}

// Version is the service version, injected via ldflags at build time.
var Version = "dev"

// decodeJSONTagged decodes a JSON or YAML file into a struct that only
// carries json tags. YAML input is round-tripped through JSON so the
// same tags drive both formats.
func decodeJSONTagged(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yml" || ext == ".yaml" {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		data, err = json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("convert %s: %w", path, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
