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
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
)

func writeOutput(t *testing.T, s *Store, runID, rel, content string) {
	t.Helper()
	full := filepath.Join(s.ContentPath(runID, KeyOutputsDir), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestListOutputFiles(t *testing.T) {
	s := newTestStore(t)
	runID := createTestRun(t, s)
	writeOutput(t, s, runID, "result.txt", "ok")
	writeOutput(t, s, runID, "nested/deep/data.bin", "bin")
	writeOutput(t, s, runID, "nested/other.txt", "x")

	files, err := s.ListOutputFiles(runID)
	require.NoError(t, err)
	assert.Equal(t, []string{"nested/deep/data.bin", "nested/other.txt", "result.txt"}, files)
}

func TestListOutputFilesEmptyDir(t *testing.T) {
	s := newTestStore(t)
	runID := createTestRun(t, s)
	files, err := s.ListOutputFiles(runID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestOpenOutput(t *testing.T) {
	s := newTestStore(t)
	runID := createTestRun(t, s)
	writeOutput(t, s, runID, "nested/data.txt", "payload")

	f, err := s.OpenOutput(runID, "nested/data.txt")
	require.NoError(t, err)
	defer f.Close()
	content, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
}

func TestOpenOutputRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	runID := createTestRun(t, s)
	writeOutput(t, s, runID, "ok.txt", "x")

	for _, rel := range []string{
		"../run_request.json",
		"nested/../../state.txt",
		"..\\state.txt",
		"a\\b",
	} {
		_, err := s.OpenOutput(runID, rel)
		require.Error(t, err, "relpath %q must be rejected", rel)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidRequest), "relpath %q", rel)
	}
}

func TestOpenOutputMissingAndDir(t *testing.T) {
	s := newTestStore(t)
	runID := createTestRun(t, s)
	writeOutput(t, s, runID, "nested/data.txt", "x")

	_, err := s.OpenOutput(runID, "absent.txt")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = s.OpenOutput(runID, "nested")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestSecureFilePath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"foo.txt", "foo.txt"},
		{"dir/sub/file.txt", "dir/sub/file.txt"},
		{"../../../etc/passwd", "etc/passwd"},
		{"/abs/path/file", "abs/path/file"},
		{"./rel/./file", "rel/file"},
		{"with space/my file.txt", "with_space/my_file.txt"},
		{"wéird/ünïcode.txt", "weird/unicode.txt"},
		{"semi;colon|pipe.txt", "semicolonpipe.txt"},
		{"..hidden../x", "hidden/x"},
		{"", ""},
		{"../..", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SecureFilePath(tt.input), "input %q", tt.input)
	}
}
