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

package validator

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
	"github.com/sapporo-wes/sapporo-service/internal/wes"
)

// maxFormMemory bounds the in-memory portion of a multipart parse;
// larger attachment files spill to temp files.
const maxFormMemory = 32 << 20

// AttachedFile is one uploaded workflow attachment.
type AttachedFile struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// Form is the unified, decoded but not yet validated POST /runs body.
type Form struct {
	WorkflowType             string
	WorkflowTypeVersion      string
	WorkflowURL              string
	WorkflowEngine           string
	WorkflowEngineVersion    string
	WorkflowParams           json.RawMessage
	WorkflowEngineParameters map[string]string
	Tags                     map[string]string
	AttachmentObjs           []wes.FileObject
	AttachmentFiles          []AttachedFile
}

// ParseRequest decodes a POST /runs body. multipart/form-data carries
// structured fields as JSON-encoded strings; application/json carries
// them natively. Both forms yield the same Form.
func ParseRequest(r *http.Request) (*Form, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidRequest, "invalid Content-Type header")
	}
	switch {
	case mediaType == "multipart/form-data":
		return parseMultipart(r)
	case mediaType == "application/json":
		return parseJSON(r.Body)
	default:
		return nil, apperr.Newf(apperr.KindInvalidRequest,
			"unsupported Content-Type `%s`; use multipart/form-data or application/json", mediaType)
	}
}

func parseMultipart(r *http.Request) (*Form, error) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, "failed to parse multipart form", err)
	}

	form := &Form{
		WorkflowType:          r.FormValue("workflow_type"),
		WorkflowTypeVersion:   r.FormValue("workflow_type_version"),
		WorkflowURL:           r.FormValue("workflow_url"),
		WorkflowEngine:        r.FormValue("workflow_engine"),
		WorkflowEngineVersion: r.FormValue("workflow_engine_version"),
	}

	if raw := r.FormValue("workflow_params"); raw != "" {
		params, err := normalizeJSONValue(json.RawMessage(quoteIfNeeded(raw)))
		if err != nil {
			return nil, apperr.New(apperr.KindInvalidRequest, "`workflow_params` is not valid JSON")
		}
		form.WorkflowParams = params
	}
	if raw := r.FormValue("workflow_engine_parameters"); raw != "" {
		m, err := decodeStringMap(json.RawMessage(quoteIfNeeded(raw)))
		if err != nil {
			return nil, apperr.New(apperr.KindInvalidRequest, "`workflow_engine_parameters` must be a string-to-string object")
		}
		form.WorkflowEngineParameters = m
	}
	if raw := r.FormValue("tags"); raw != "" {
		m, err := decodeStringMap(json.RawMessage(quoteIfNeeded(raw)))
		if err != nil {
			return nil, apperr.New(apperr.KindInvalidRequest, "`tags` must be a string-to-string object")
		}
		form.Tags = m
	}
	if raw := r.FormValue("workflow_attachment_obj"); raw != "" {
		objs, err := decodeAttachmentObjs(json.RawMessage(quoteIfNeeded(raw)))
		if err != nil {
			return nil, err
		}
		form.AttachmentObjs = objs
	}

	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["workflow_attachment"] {
			form.AttachmentFiles = append(form.AttachmentFiles, multipartAttachment(fh))
		}
	}
	return form, nil
}

func multipartAttachment(fh *multipart.FileHeader) AttachedFile {
	return AttachedFile{
		Name: fh.Filename,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

// jsonBody mirrors the JSON request form. Dual-form fields are raw so the
// string-or-object unification below can handle either encoding.
type jsonBody struct {
	WorkflowType             string          `json:"workflow_type"`
	WorkflowTypeVersion      string          `json:"workflow_type_version"`
	WorkflowURL              string          `json:"workflow_url"`
	WorkflowEngine           string          `json:"workflow_engine"`
	WorkflowEngineVersion    string          `json:"workflow_engine_version"`
	WorkflowParams           json.RawMessage `json:"workflow_params"`
	WorkflowEngineParameters json.RawMessage `json:"workflow_engine_parameters"`
	Tags                     json.RawMessage `json:"tags"`
	WorkflowAttachmentObj    json.RawMessage `json:"workflow_attachment_obj"`
}

func parseJSON(body io.Reader) (*Form, error) {
	var b jsonBody
	dec := json.NewDecoder(body)
	if err := dec.Decode(&b); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, "request body is not valid JSON", err)
	}

	form := &Form{
		WorkflowType:          b.WorkflowType,
		WorkflowTypeVersion:   b.WorkflowTypeVersion,
		WorkflowURL:           b.WorkflowURL,
		WorkflowEngine:        b.WorkflowEngine,
		WorkflowEngineVersion: b.WorkflowEngineVersion,
	}

	if len(b.WorkflowParams) > 0 {
		params, err := normalizeJSONValue(b.WorkflowParams)
		if err != nil {
			return nil, apperr.New(apperr.KindInvalidRequest, "`workflow_params` is not valid JSON")
		}
		form.WorkflowParams = params
	}
	if len(b.WorkflowEngineParameters) > 0 {
		m, err := decodeStringMap(b.WorkflowEngineParameters)
		if err != nil {
			return nil, apperr.New(apperr.KindInvalidRequest, "`workflow_engine_parameters` must be a string-to-string object")
		}
		form.WorkflowEngineParameters = m
	}
	if len(b.Tags) > 0 {
		m, err := decodeStringMap(b.Tags)
		if err != nil {
			return nil, apperr.New(apperr.KindInvalidRequest, "`tags` must be a string-to-string object")
		}
		form.Tags = m
	}
	if len(b.WorkflowAttachmentObj) > 0 {
		objs, err := decodeAttachmentObjs(b.WorkflowAttachmentObj)
		if err != nil {
			return nil, err
		}
		form.AttachmentObjs = objs
	}
	return form, nil
}

// quoteIfNeeded turns a bare form value into a JSON token. Values that
// already look like JSON (object, array, or quoted string) pass through.
func quoteIfNeeded(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return `""`
	}
	switch trimmed[0] {
	case '{', '[', '"':
		return trimmed
	}
	data, _ := json.Marshal(trimmed)
	return string(data)
}

// normalizeJSONValue unifies the string-or-object dual form: a JSON string
// whose content parses as JSON is unwrapped one level; everything else is
// kept verbatim after a syntax check.
func normalizeJSONValue(raw json.RawMessage) (json.RawMessage, error) {
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	if s, ok := probe.(string); ok {
		inner := json.RawMessage(s)
		var innerProbe any
		if err := json.Unmarshal(inner, &innerProbe); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return raw, nil
}

// decodeStringMap decodes an object (or a JSON string holding an object)
// into a string-to-string map. Non-string scalar values are stringified.
func decodeStringMap(raw json.RawMessage) (map[string]string, error) {
	normalized, err := normalizeJSONValue(raw)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(normalized, &obj); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		case float64, bool:
			out[k] = fmt.Sprint(val)
		default:
			return nil, fmt.Errorf("value of %q is not a scalar", k)
		}
	}
	return out, nil
}

func decodeAttachmentObjs(raw json.RawMessage) ([]wes.FileObject, error) {
	normalized, err := normalizeJSONValue(raw)
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidRequest, "`workflow_attachment_obj` is not valid JSON")
	}
	var objs []wes.FileObject
	if err := json.Unmarshal(normalized, &objs); err != nil {
		return nil, apperr.New(apperr.KindInvalidRequest, "`workflow_attachment_obj` must be a list of file objects")
	}
	for _, obj := range objs {
		if obj.FileName == "" || obj.FileURL == "" {
			return nil, apperr.New(apperr.KindInvalidRequest, "`workflow_attachment_obj` entries require `file_name` and `file_url`")
		}
	}
	return objs, nil
}
