package queries

import (
	"database/sql"
	"time"
)

// Session statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusStopped  = "stopped"
	StatusAborted  = "aborted"
	StatusFailed   = "failed"
)

type SessionHistory struct {
	ID                string
	Target            string
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Status            string
	Records           int64
	FilesScanned      int64
	FilesFragmented   int64
	FilesDefragmented int64
	FilesSkipped      int64
	ClustersMoved     int64
	MoveFailures      int64
	MalformedRecords  int64
	FragmentedPercent sql.NullFloat64
	Error             sql.NullString
}

// Duration returns how long the session ran, or zero while it is running.
func (s *SessionHistory) Duration() time.Duration {
	if !s.FinishedAt.Valid {
		return 0
	}
	return s.FinishedAt.Time.Sub(s.StartedAt)
}

func InsertSession(db *sql.DB, s *SessionHistory) error {
	status := s.Status
	if status == "" {
		status = StatusRunning
	}
	_, err := db.Exec(`
		INSERT INTO sessions (id, target, started_at, status)
		VALUES (?, ?, ?, ?)
	`, s.ID, s.Target, s.StartedAt.Unix(), status)
	return err
}

func FinishSession(db *sql.DB, s *SessionHistory) error {
	var finishedAt interface{}
	if s.FinishedAt.Valid {
		finishedAt = s.FinishedAt.Time.Unix()
	}

	result, err := db.Exec(`
		UPDATE sessions
		SET finished_at = ?, status = ?, records = ?, files_scanned = ?,
		    files_fragmented = ?, files_defragmented = ?, files_skipped = ?,
		    clusters_moved = ?, move_failures = ?, malformed_records = ?,
		    fragmented_percent = ?, error = ?
		WHERE id = ?
	`, finishedAt, s.Status, s.Records, s.FilesScanned,
		s.FilesFragmented, s.FilesDefragmented, s.FilesSkipped,
		s.ClustersMoved, s.MoveFailures, s.MalformedRecords,
		s.FragmentedPercent, s.Error, s.ID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

const sessionColumns = `
	id, target, started_at, finished_at, status, records, files_scanned,
	files_fragmented, files_defragmented, files_skipped, clusters_moved,
	move_failures, malformed_records, fragmented_percent, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionHistory, error) {
	var s SessionHistory
	var startedAt int64
	var finishedAt sql.NullInt64
	err := row.Scan(
		&s.ID, &s.Target, &startedAt, &finishedAt, &s.Status, &s.Records, &s.FilesScanned,
		&s.FilesFragmented, &s.FilesDefragmented, &s.FilesSkipped, &s.ClustersMoved,
		&s.MoveFailures, &s.MalformedRecords, &s.FragmentedPercent, &s.Error,
	)
	if err != nil {
		return nil, err
	}
	s.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		s.FinishedAt = sql.NullTime{Time: time.Unix(finishedAt.Int64, 0), Valid: true}
	}
	return &s, nil
}

func GetSession(db *sql.DB, id string) (*SessionHistory, error) {
	return scanSession(db.QueryRow(`SELECT`+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// ListSessions returns sessions newest first. A target of "" matches all.
func ListSessions(db *sql.DB, target string, limit int) ([]*SessionHistory, error) {
	query := `SELECT` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []interface{}{}

	if target != "" {
		query += " AND target = ?"
		args = append(args, target)
	}

	query += " ORDER BY started_at DESC, rowid DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SessionHistory
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteSessionsBefore removes finished sessions started before t, with
// their log lines.
func DeleteSessionsBefore(db *sql.DB, t time.Time) (int64, error) {
	result, err := db.Exec(`
		DELETE FROM sessions WHERE started_at < ? AND status != ?
	`, t.Unix(), StatusRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// MarkInterrupted closes out sessions left running by a process that died.
func MarkInterrupted(db *sql.DB, now time.Time) (int64, error) {
	result, err := db.Exec(`
		UPDATE sessions SET status = ?, finished_at = ?, error = 'interrupted'
		WHERE status = ?
	`, StatusAborted, now.Unix(), StatusRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
