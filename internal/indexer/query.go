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
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sapporo-wes/sapporo-service/internal/apperr"
	"github.com/sapporo-wes/sapporo-service/internal/state"
	"github.com/sapporo-wes/sapporo-service/internal/wes"
)

// DefaultPageSize bounds GET /runs pages when the client does not ask
// for a size.
const DefaultPageSize = 10

// MaxPageSize caps client-requested page sizes.
const MaxPageSize = 100

// SortOrder orders listings by start_time.
type SortOrder string

const (
	SortDesc SortOrder = "desc"
	SortAsc  SortOrder = "asc"
)

// Query is a GET /runs request against the snapshot.
type Query struct {
	PageSize  int
	PageToken string
	SortOrder SortOrder
	State     state.State
	RunIDs    []string
	// Username restricts results to one owner. Empty means no
	// restriction (auth disabled).
	Username string
	// Tags are key:value pairs ANDed together.
	Tags map[string]string
}

// List answers a listing query from the snapshot. Results may be up to
// one snapshot interval stale.
func (ix *Indexer) List(ctx context.Context, q Query) (*wes.RunListResponse, error) {
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	if q.SortOrder == "" {
		q.SortOrder = SortDesc
	}

	db, err := ix.openSnapshot()
	if err != nil {
		// No pass has completed yet: an empty service has an empty
		// listing, not an error.
		return &wes.RunListResponse{Runs: []wes.RunSummary{}}, nil
	}
	defer db.Close()

	where, args := buildFilters(q)

	total, err := countRuns(ctx, db, where, args)
	if err != nil {
		return nil, err
	}

	where, args, err = ix.applyCursor(q, where, args)
	if err != nil {
		return nil, err
	}

	dir := "DESC"
	if q.SortOrder == SortAsc {
		dir = "ASC"
	}
	query := `SELECT run_id, state, start_time, end_time, tags_json FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY COALESCE(start_time, '') %s, run_id %s LIMIT ?", dir, dir)
	args = append(args, q.PageSize+1)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to query run index", err)
	}
	defer rows.Close()

	summaries := make([]wes.RunSummary, 0, q.PageSize)
	for rows.Next() {
		var (
			sum      wes.RunSummary
			st       string
			tagsJSON string
		)
		if err := rows.Scan(&sum.RunID, &st, &sum.StartTime, &sum.EndTime, &tagsJSON); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to scan run index row", err)
		}
		sum.State = state.State(st)
		sum.Tags = map[string]string{}
		_ = json.Unmarshal([]byte(tagsJSON), &sum.Tags)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to read run index", err)
	}

	var nextToken string
	if len(summaries) > q.PageSize {
		summaries = summaries[:q.PageSize]
		last := summaries[len(summaries)-1]
		cursor := pageCursor{RunID: last.RunID}
		if last.StartTime != nil {
			cursor.StartTime = *last.StartTime
		}
		nextToken = signPageToken(ix.cfg.TokenSecret, cursor)
	}

	return &wes.RunListResponse{
		Runs:          summaries,
		NextPageToken: nextToken,
		TotalRuns:     total,
	}, nil
}

// buildFilters translates the query filters into WHERE clauses.
func buildFilters(q Query) (where []string, args []any) {
	if q.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(q.State))
	}
	if q.Username != "" {
		where = append(where, "username = ?")
		args = append(args, q.Username)
	}
	if len(q.RunIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(q.RunIDs)), ", ")
		where = append(where, "run_id IN ("+placeholders+")")
		for _, id := range q.RunIDs {
			args = append(args, id)
		}
	}
	for key, val := range q.Tags {
		where = append(where, "json_extract(tags_json, ?) = ?")
		args = append(args, `$."`+strings.ReplaceAll(key, `"`, ``)+`"`, val)
	}
	return where, args
}

// applyCursor adds the keyset condition from the page token.
func (ix *Indexer) applyCursor(q Query, where []string, args []any) ([]string, []any, error) {
	if q.PageToken == "" {
		return where, args, nil
	}
	cursor, err := parsePageToken(ix.cfg.TokenSecret, q.PageToken)
	if err != nil {
		return nil, nil, err
	}
	cmp := "<"
	if q.SortOrder == SortAsc {
		cmp = ">"
	}
	where = append(where, fmt.Sprintf(
		"(COALESCE(start_time, '') %s ? OR (COALESCE(start_time, '') = ? AND run_id %s ?))", cmp, cmp))
	args = append(args, cursor.StartTime, cursor.StartTime, cursor.RunID)
	return where, args, nil
}

func countRuns(ctx context.Context, db *sql.DB, where []string, args []any) (int, error) {
	query := `SELECT COUNT(*) FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "failed to count runs", err)
	}
	return total, nil
}
