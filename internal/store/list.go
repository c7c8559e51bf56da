// ABOUTME: Read-side job queries for the CLI and ops surfaces.
// ABOUTME: ListJobs builds its filter dynamically with squirrel.
package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// ListJobsFilter narrows ListJobs output. Zero values mean "no filter".
type ListJobsFilter struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

// ListJobs returns jobs matching filter, newest first. The query is built
// dynamically because each filter field is optional.
func (s *Store) ListJobs(ctx context.Context, filter ListJobsFilter) ([]*Job, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	q := sq.Select(jobColumns).
		From("jobs").
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(max(filter.Offset, 0))).
		PlaceholderFormat(sq.Dollar)

	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": filter.Status})
	}
	if filter.Type != "" {
		q = q.Where(sq.Eq{"type": filter.Type})
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs rows: %w", err)
	}
	return jobs, nil
}

// CountJobsByStatus returns a status → row count map over the whole table.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count jobs scan: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs rows: %w", err)
	}
	return counts, nil
}
