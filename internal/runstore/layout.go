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

// Package runstore persists runs on the local filesystem.
//
// The filesystem is the system of record. Each run lives under
// {run_dir}/{run_id[:2]}/{run_id}/ and every piece of run metadata is a
// plain file inside that directory, addressed by a Key. Any database built
// over these directories is a disposable index.
package runstore

import (
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Key names one well-known entry of a run directory.
type Key string

const (
	KeyRunRequest     Key = "run_request"
	KeyState          Key = "state"
	KeyExeDir         Key = "exe_dir"
	KeyOutputsDir     Key = "outputs_dir"
	KeyWfParams       Key = "wf_params"
	KeyWfEngineParams Key = "wf_engine_params"
	KeyStartTime      Key = "start_time"
	KeyEndTime        Key = "end_time"
	KeyExitCode       Key = "exit_code"
	KeyStdout         Key = "stdout"
	KeyStderr         Key = "stderr"
	KeyPID            Key = "pid"
	KeyCmd            Key = "cmd"
	KeyUsername       Key = "username"
	KeySystemLogs     Key = "system_logs"
	KeyServiceConfig  Key = "service_config"
	KeyOutputs        Key = "outputs"
	KeyROCrate        Key = "ro_crate"
)

// layout maps each Key to its path relative to the run directory.
var layout = map[Key]string{
	KeyRunRequest:     "run_request.json",
	KeyState:          "state.txt",
	KeyExeDir:         "exe",
	KeyOutputsDir:     "outputs",
	KeyWfParams:       "exe/workflow_params.json",
	KeyWfEngineParams: "workflow_engine_params.txt",
	KeyStartTime:      "start_time.txt",
	KeyEndTime:        "end_time.txt",
	KeyExitCode:       "exit_code.txt",
	KeyStdout:         "stdout.log",
	KeyStderr:         "stderr.log",
	KeyPID:            "run.pid",
	KeyCmd:            "cmd.txt",
	KeyUsername:       "username.txt",
	KeySystemLogs:     "system_logs.json",
	KeyServiceConfig:  "sapporo_config.json",
	KeyOutputs:        "outputs.json",
	KeyROCrate:        "ro-crate-metadata.json",
}

// RelPath returns the run-dir-relative path for key.
func RelPath(key Key) string {
	return layout[key]
}

// IsDir reports whether key names a directory rather than a file.
func (k Key) IsDir() bool {
	return k == KeyExeDir || k == KeyOutputsDir
}

var filenameStripRe = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SecureFilePath sanitizes a client-supplied relative path while keeping
// its directory structure. The path is NFKD-folded to ASCII, then each
// segment has whitespace collapsed to underscores, characters outside
// [A-Za-z0-9_.-] removed, and leading or trailing dots and underscores
// stripped. Empty, ".", and ".." segments are dropped, so the result can
// never climb out of its root. The result uses forward slashes and may
// be empty.
func SecureFilePath(p string) string {
	p = asciiFold(p)
	p = strings.ReplaceAll(p, "\\", "/")
	var nodes []string
	for _, node := range strings.Split(p, "/") {
		node = strings.Join(strings.Fields(node), "_")
		node = filenameStripRe.ReplaceAllString(node, "")
		node = strings.Trim(node, "._")
		if node == "" || node == "." || node == ".." {
			continue
		}
		nodes = append(nodes, node)
	}
	return path.Join(nodes...)
}

// asciiFold decomposes accented characters and drops anything that is not
// ASCII afterwards, so "héllo" becomes "hello" and "日本" becomes "".
func asciiFold(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range norm.NFKD.String(s) {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
