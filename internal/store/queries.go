package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by the single-row getters when no run matches.
var ErrNotFound = errors.New("store: not found")

// InsertRun records the start of a bisection run and returns its ID.
func (s *Store) InsertRun(r *Run) (int64, error) {
	query := `
		INSERT INTO runs
		(project_dir, package_manager, good_time, bad_time, started_at, status, probe_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.Exec(query,
		r.ProjectDir,
		r.PackageManager,
		r.GoodTime.Format(time.RFC3339),
		r.BadTime.Format(time.RFC3339),
		r.StartedAt.Format(time.RFC3339),
		r.Status,
		r.ProbeCount,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get run ID: %w", err)
	}
	return id, nil
}

// FinishRun records the outcome of a run that has stopped searching,
// successfully or not.
func (s *Store) FinishRun(id int64, status string, culpritName, culpritVersion string, culpritTime *time.Time, probeCount int, runErr string) error {
	var culpritTimeStr sql.NullString
	if culpritTime != nil {
		culpritTimeStr = sql.NullString{String: culpritTime.Format(time.RFC3339), Valid: true}
	}

	query := `
		UPDATE runs
		SET finished_at = ?, status = ?, culprit_name = ?, culprit_version = ?,
		    culprit_time = ?, probe_count = ?, error = ?
		WHERE id = ?
	`
	result, err := s.db.Exec(query,
		time.Now().Format(time.RFC3339),
		status,
		culpritName,
		culpritVersion,
		culpritTimeStr,
		probeCount,
		runErr,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id int64) (*Run, error) {
	query := `
		SELECT id, project_dir, package_manager, good_time, bad_time, started_at,
		       finished_at, status, culprit_name, culprit_version, culprit_time,
		       probe_count, error
		FROM runs
		WHERE id = ?
	`
	return scanRun(s.db.QueryRow(query, id))
}

// ListRuns returns runs for a project directory, newest first. An empty
// projectDir lists across all projects.
func (s *Store) ListRuns(projectDir string) ([]*Run, error) {
	query := `
		SELECT id, project_dir, package_manager, good_time, bad_time, started_at,
		       finished_at, status, culprit_name, culprit_version, culprit_time,
		       probe_count, error
		FROM runs
		WHERE (? = '' OR project_dir = ?)
		ORDER BY started_at DESC
	`
	rows, err := s.db.Query(query, projectDir, projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	r, err := scanRunRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanRunRow(row rowScanner) (*Run, error) {
	var r Run
	var goodTime, badTime, startedAt string
	var finishedAt, culpritName, culpritVersion, culpritTime, runErr sql.NullString

	err := row.Scan(
		&r.ID,
		&r.ProjectDir,
		&r.PackageManager,
		&goodTime,
		&badTime,
		&startedAt,
		&finishedAt,
		&r.Status,
		&culpritName,
		&culpritVersion,
		&culpritTime,
		&r.ProbeCount,
		&runErr,
	)
	if err != nil {
		return nil, err
	}

	if r.GoodTime, err = time.Parse(time.RFC3339, goodTime); err != nil {
		return nil, fmt.Errorf("failed to parse good_time for run %d: %w", r.ID, err)
	}
	if r.BadTime, err = time.Parse(time.RFC3339, badTime); err != nil {
		return nil, fmt.Errorf("failed to parse bad_time for run %d: %w", r.ID, err)
	}
	if r.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at for run %d: %w", r.ID, err)
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse finished_at for run %d: %w", r.ID, err)
		}
		r.FinishedAt = &t
	}
	if culpritTime.Valid {
		t, err := time.Parse(time.RFC3339, culpritTime.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse culprit_time for run %d: %w", r.ID, err)
		}
		r.CulpritTime = &t
	}
	r.CulpritName = culpritName.String
	r.CulpritVersion = culpritVersion.String
	r.Error = runErr.String

	return &r, nil
}

// InsertCandidate records one filtered timeline entry a run considered.
func (s *Store) InsertCandidate(c *Candidate) error {
	query := `
		INSERT INTO run_candidates (run_id, package_name, version, publish_time)
		VALUES (?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, c.RunID, c.PackageName, c.Version, c.PublishTime.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert candidate %s@%s: %w", c.PackageName, c.Version, err)
	}
	return nil
}

// GetCandidates returns the candidate set a run considered, in timeline
// order.
func (s *Store) GetCandidates(runID int64) ([]*Candidate, error) {
	query := `
		SELECT run_id, package_name, version, publish_time
		FROM run_candidates
		WHERE run_id = ?
		ORDER BY publish_time
	`
	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get candidates for run %d: %w", runID, err)
	}
	defer rows.Close()

	var candidates []*Candidate
	for rows.Next() {
		var c Candidate
		var publishTime string
		if err := rows.Scan(&c.RunID, &c.PackageName, &c.Version, &publishTime); err != nil {
			return nil, fmt.Errorf("failed to scan candidate row: %w", err)
		}
		if c.PublishTime, err = time.Parse(time.RFC3339, publishTime); err != nil {
			return nil, fmt.Errorf("failed to parse publish_time: %w", err)
		}
		candidates = append(candidates, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}
	return candidates, nil
}
