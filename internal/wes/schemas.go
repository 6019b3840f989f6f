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

// Package wes holds the wire types of the GA4GH Workflow Execution Service
// API as served by this implementation.
package wes

import (
	"encoding/json"

	"github.com/sapporo-wes/sapporo-service/internal/state"
)

// WorkflowType is a supported workflow language.
type WorkflowType string

const (
	TypeCWL WorkflowType = "CWL"
	TypeWDL WorkflowType = "WDL"
	TypeNFL WorkflowType = "NFL"
	TypeSMK WorkflowType = "SMK"
)

// WorkflowTypes lists every supported workflow language.
var WorkflowTypes = []WorkflowType{TypeCWL, TypeWDL, TypeNFL, TypeSMK}

// Engine is a supported workflow engine.
type Engine string

const (
	EngineCWLTool    Engine = "cwltool"
	EngineNextflow   Engine = "nextflow"
	EngineToil       Engine = "toil"
	EngineCromwell   Engine = "cromwell"
	EngineSnakemake  Engine = "snakemake"
	EngineEP3        Engine = "ep3"
	EngineStreamFlow Engine = "streamflow"
)

// EngineWorkflowTypes is the engine/type compatibility matrix. A request
// whose workflow_type is not listed for its workflow_engine is rejected.
var EngineWorkflowTypes = map[Engine][]WorkflowType{
	EngineCWLTool:    {TypeCWL},
	EngineToil:       {TypeCWL},
	EngineEP3:        {TypeCWL},
	EngineStreamFlow: {TypeCWL},
	EngineCromwell:   {TypeWDL},
	EngineNextflow:   {TypeNFL},
	EngineSnakemake:  {TypeSMK},
}

// FileObject is an attachment or output file reference.
// FileName is a relative path with forward slashes and no ".." segment.
type FileObject struct {
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
}

// RunRequest is the canonical, validated form of a POST /runs body.
// It is written verbatim to run_request.json and never mutated afterwards.
type RunRequest struct {
	WorkflowParams           json.RawMessage   `json:"workflow_params,omitempty"`
	WorkflowType             WorkflowType      `json:"workflow_type"`
	WorkflowTypeVersion      string            `json:"workflow_type_version"`
	Tags                     map[string]string `json:"tags,omitempty"`
	WorkflowEngine           Engine            `json:"workflow_engine"`
	WorkflowEngineVersion    string            `json:"workflow_engine_version,omitempty"`
	WorkflowEngineParameters map[string]string `json:"workflow_engine_parameters,omitempty"`
	WorkflowURL              string            `json:"workflow_url"`
	WorkflowAttachment       []FileObject      `json:"workflow_attachment,omitempty"`
}

// RunID is the response body of POST /runs.
type RunID struct {
	RunID string `json:"run_id"`
}

// RunStatus is the response body of GET /runs/{id}/status.
type RunStatus struct {
	RunID string      `json:"run_id"`
	State state.State `json:"state"`
}

// RunSummary is one entry of a GET /runs listing.
type RunSummary struct {
	RunID     string            `json:"run_id"`
	State     state.State       `json:"state"`
	StartTime *string           `json:"start_time"`
	EndTime   *string           `json:"end_time"`
	Tags      map[string]string `json:"tags"`
}

// RunListResponse is the response body of GET /runs.
type RunListResponse struct {
	Runs          []RunSummary `json:"runs"`
	NextPageToken string       `json:"next_page_token"`
	TotalRuns     int          `json:"total_runs"`
}

// Log is the run_log section of a RunLog.
type Log struct {
	Name       *string  `json:"name"`
	Cmd        []string `json:"cmd"`
	StartTime  *string  `json:"start_time"`
	EndTime    *string  `json:"end_time"`
	Stdout     *string  `json:"stdout"`
	Stderr     *string  `json:"stderr"`
	ExitCode   *int     `json:"exit_code"`
	SystemLogs []string `json:"system_logs"`
}

// RunLog is the response body of GET /runs/{id}.
type RunLog struct {
	RunID    string       `json:"run_id"`
	Request  *RunRequest  `json:"request"`
	State    state.State  `json:"state"`
	RunLog   Log          `json:"run_log"`
	TaskLogs any          `json:"task_logs"`
	Outputs  []FileObject `json:"outputs"`
}

// OutputsListResponse is the response body of GET /runs/{id}/outputs.
type OutputsListResponse struct {
	Outputs []FileObject `json:"outputs"`
}

// WorkflowTypeVersion advertises the versions accepted for one type.
type WorkflowTypeVersion struct {
	WorkflowTypeVersion []string `json:"workflow_type_version"`
}

// WorkflowEngineVersion advertises the version of one engine.
type WorkflowEngineVersion struct {
	WorkflowEngineVersion []string `json:"workflow_engine_version"`
}

// DefaultWorkflowEngineParameter is one default parameter of an engine.
type DefaultWorkflowEngineParameter struct {
	Name         string `json:"name,omitempty"`
	Type         string `json:"type,omitempty"`
	DefaultValue string `json:"default_value,omitempty"`
}

// Organization identifies the service operator in service-info.
type Organization struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ServiceType identifies the GA4GH service type in service-info.
type ServiceType struct {
	Group    string `json:"group"`
	Artifact string `json:"artifact"`
	Version  string `json:"version"`
}

// ServiceInfo is the response body of GET /service-info.
type ServiceInfo struct {
	ID                              string                                      `json:"id"`
	Name                            string                                      `json:"name"`
	Type                            ServiceType                                 `json:"type"`
	Description                     string                                      `json:"description"`
	Organization                    Organization                                `json:"organization"`
	ContactURL                      string                                      `json:"contactUrl"`
	DocumentationURL                string                                      `json:"documentationUrl"`
	CreatedAt                       string                                      `json:"createdAt"`
	UpdatedAt                       string                                      `json:"updatedAt"`
	Environment                     string                                      `json:"environment,omitempty"`
	Version                         string                                      `json:"version"`
	WorkflowTypeVersions            map[string]WorkflowTypeVersion              `json:"workflow_type_versions"`
	SupportedWesVersions            []string                                    `json:"supported_wes_versions"`
	SupportedFilesystemProtocols    []string                                    `json:"supported_filesystem_protocols"`
	WorkflowEngineVersions          map[string]WorkflowEngineVersion            `json:"workflow_engine_versions"`
	DefaultWorkflowEngineParameters map[string][]DefaultWorkflowEngineParameter `json:"default_workflow_engine_parameters"`
	SystemStateCounts               map[string]int                              `json:"system_state_counts"`
	AuthInstructionsURL             string                                      `json:"auth_instructions_url"`
	Tags                            map[string]string                           `json:"tags"`
}

// ExecutableWorkflows is the executable-workflow whitelist: an ordered set
// of absolute http(s) URLs. An empty list means no restriction.
type ExecutableWorkflows struct {
	Workflows []string `json:"workflows"`
}

// Contains reports whether url exactly matches one whitelist entry.
func (e ExecutableWorkflows) Contains(url string) bool {
	for _, wf := range e.Workflows {
		if wf == url {
			return true
		}
	}
	return false
}

// Restricted reports whether the whitelist is in force.
func (e ExecutableWorkflows) Restricted() bool {
	return len(e.Workflows) > 0
}

// TokenResponse is the response body of POST /token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// MeResponse is the response body of GET /me.
type MeResponse struct {
	Username string `json:"username"`
}
