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

// Package validator turns a raw POST /runs body into a canonical RunRequest
// or a structured error. It accepts both multipart/form-data and
// application/json and unifies the two before validating.
package validator

import (
	"strings"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
	"github.com/sapporo-wes/sapporo-service/internal/wes"
)

// Validator checks run requests against the service configuration.
type Validator struct {
	serviceInfo *wes.ServiceInfo
	executable  wes.ExecutableWorkflows
}

// New builds a Validator. serviceInfo supplies the accepted workflow type
// versions and engines; executable is the workflow whitelist.
func New(serviceInfo *wes.ServiceInfo, executable wes.ExecutableWorkflows) *Validator {
	return &Validator{serviceInfo: serviceInfo, executable: executable}
}

// prohibitedChars are rejected in any value that reaches the dispatcher's
// shell line.
const prohibitedChars = ";!?()[]{}*\\&`^<>|$"

// checkMetaCharacters rejects shell meta characters in content.
func checkMetaCharacters(field, content string) error {
	if i := strings.IndexAny(content, prohibitedChars); i >= 0 {
		return apperr.Newf(apperr.KindInvalidRequest,
			"`%s` contains a prohibited character `%c`", field, content[i])
	}
	return nil
}

// checkAttachmentName rejects file names that could escape the run
// directory: ".." segments, absolute prefixes, and backslashes.
func checkAttachmentName(name string) error {
	if name == "" {
		return apperr.New(apperr.KindInvalidRequest, "attachment `file_name` must not be empty")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return apperr.Newf(apperr.KindInvalidRequest, "attachment `file_name` `%s` must be a relative path", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return apperr.Newf(apperr.KindInvalidRequest, "attachment `file_name` `%s` must not contain `..`", name)
		}
	}
	return nil
}

// Validate canonicalizes and validates a parsed form. The returned
// RunRequest carries no attachment entries; the caller appends them once
// attachment files have a home under the run directory.
func (v *Validator) Validate(form *Form) (*wes.RunRequest, error) {
	if form.WorkflowType == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "`workflow_type` is required")
	}
	wfType := wes.WorkflowType(strings.ToUpper(form.WorkflowType))
	if _, ok := v.typeVersions(wfType); !ok {
		return nil, apperr.Newf(apperr.KindInvalidRequest, "`workflow_type` `%s` is not supported", form.WorkflowType)
	}

	if form.WorkflowEngine == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "`workflow_engine` is required")
	}
	engine := wes.Engine(form.WorkflowEngine)
	accepted, ok := wes.EngineWorkflowTypes[engine]
	if !ok || !v.engineKnown(engine) {
		return nil, apperr.Newf(apperr.KindInvalidRequest, "`workflow_engine` `%s` is not supported", form.WorkflowEngine)
	}
	if !containsType(accepted, wfType) {
		return nil, apperr.Newf(apperr.KindInvalidRequest,
			"`workflow_type` `%s` is not runnable with `workflow_engine` `%s`", wfType, engine)
	}

	typeVersion, err := v.resolveTypeVersion(wfType, form.WorkflowTypeVersion)
	if err != nil {
		return nil, err
	}

	if form.WorkflowURL == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "`workflow_url` is required")
	}
	if v.executable.Restricted() {
		if !strings.HasPrefix(form.WorkflowURL, "https://") && !strings.HasPrefix(form.WorkflowURL, "http://") {
			return nil, apperr.New(apperr.KindInvalidRequest, "workflow_url not in executable workflows")
		}
		if !v.executable.Contains(form.WorkflowURL) {
			return nil, apperr.New(apperr.KindInvalidRequest, "workflow_url not in executable workflows")
		}
	}

	if err := checkMetaCharacters("workflow_url", form.WorkflowURL); err != nil {
		return nil, err
	}
	if err := checkMetaCharacters("workflow_engine", string(engine)); err != nil {
		return nil, err
	}
	for key, val := range form.WorkflowEngineParameters {
		if err := checkMetaCharacters("workflow_engine_parameters", key); err != nil {
			return nil, err
		}
		if err := checkMetaCharacters("workflow_engine_parameters", val); err != nil {
			return nil, err
		}
	}

	for _, f := range form.AttachmentFiles {
		if err := checkAttachmentName(f.Name); err != nil {
			return nil, err
		}
	}
	for _, obj := range form.AttachmentObjs {
		if err := checkAttachmentName(obj.FileName); err != nil {
			return nil, err
		}
	}

	return &wes.RunRequest{
		WorkflowParams:           form.WorkflowParams,
		WorkflowType:             wfType,
		WorkflowTypeVersion:      typeVersion,
		Tags:                     form.Tags,
		WorkflowEngine:           engine,
		WorkflowEngineVersion:    form.WorkflowEngineVersion,
		WorkflowEngineParameters: form.WorkflowEngineParameters,
		WorkflowURL:              form.WorkflowURL,
	}, nil
}

// resolveTypeVersion checks an explicit version against service-info or
// auto-selects the first advertised one when the request omits it.
func (v *Validator) resolveTypeVersion(wfType wes.WorkflowType, requested string) (string, error) {
	versions, _ := v.typeVersions(wfType)
	if requested == "" {
		if len(versions) == 0 {
			return "", apperr.New(apperr.KindInvalidRequest, "`workflow_type_version` is required")
		}
		return versions[0], nil
	}
	if len(versions) > 0 && !containsString(versions, requested) {
		return "", apperr.Newf(apperr.KindInvalidRequest,
			"`workflow_type_version` `%s` is not supported for `workflow_type` `%s` (supported: %s)",
			requested, wfType, strings.Join(versions, ", "))
	}
	return requested, nil
}

// typeVersions returns the advertised versions for a workflow type and
// whether the type is known at all.
func (v *Validator) typeVersions(wfType wes.WorkflowType) ([]string, bool) {
	if v.serviceInfo != nil {
		if tv, ok := v.serviceInfo.WorkflowTypeVersions[string(wfType)]; ok {
			return tv.WorkflowTypeVersion, true
		}
		return nil, false
	}
	for _, t := range wes.WorkflowTypes {
		if t == wfType {
			return nil, true
		}
	}
	return nil, false
}

// engineKnown reports whether the engine is advertised by service-info.
// Without service-info, the compatibility matrix is authoritative.
func (v *Validator) engineKnown(engine wes.Engine) bool {
	if v.serviceInfo == nil {
		return true
	}
	_, ok := v.serviceInfo.WorkflowEngineVersions[string(engine)]
	return ok
}

func containsType(types []wes.WorkflowType, t wes.WorkflowType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
