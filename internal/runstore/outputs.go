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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
)

// ListOutputFiles walks outputs/ recursively and returns the relative
// paths of every regular file, with forward slashes, sorted. A missing
// outputs/ directory yields an empty list.
func (s *Store) ListOutputFiles(runID string) ([]string, error) {
	root := s.ContentPath(runID, KeyOutputsDir)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "failed to list outputs", err)
	}
	sort.Strings(files)
	return files, nil
}

// OpenOutput opens one file under outputs/ for reading. Any relpath
// containing a ".." segment, a backslash, or resolving outside outputs/
// is rejected, and directories are not served.
func (s *Store) OpenOutput(runID, relpath string) (*os.File, error) {
	if strings.Contains(relpath, "\\") {
		return nil, apperr.New(apperr.KindInvalidRequest, "invalid output path")
	}
	for _, seg := range strings.Split(relpath, "/") {
		if seg == ".." {
			return nil, apperr.New(apperr.KindInvalidRequest, "invalid output path")
		}
	}

	root := s.ContentPath(runID, KeyOutputsDir)
	full := filepath.Join(root, filepath.FromSlash(relpath))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return nil, apperr.New(apperr.KindInvalidRequest, "invalid output path")
	}

	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return nil, apperr.Newf(apperr.KindNotFound, "output %s not found", relpath)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "failed to open output", err)
	}
	if info.IsDir() {
		return nil, apperr.Newf(apperr.KindNotFound, "output %s not found", relpath)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageIO, "failed to open output", err)
	}
	return f, nil
}
