package queries

import (
	"database/sql"
	"log/slog"
	"time"
)

type SessionLog struct {
	ID        int64
	SessionID string
	Slot      uint8
	Level     slog.Level
	Message   string
	Timestamp time.Time
}

func InsertSessionLog(db *sql.DB, l *SessionLog) error {
	result, err := db.Exec(`
		INSERT INTO session_logs (session_id, slot, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, l.SessionID, l.Slot, int(l.Level), l.Message, l.Timestamp.UnixMilli())
	if err != nil {
		return err
	}
	l.ID, err = result.LastInsertId()
	return err
}

// ListSessionLogs returns the log lines of a session in the order they were
// delivered, filtered to minLevel and above.
func ListSessionLogs(db *sql.DB, sessionID string, minLevel slog.Level) ([]*SessionLog, error) {
	rows, err := db.Query(`
		SELECT id, session_id, slot, level, message, timestamp
		FROM session_logs
		WHERE session_id = ? AND level >= ?
		ORDER BY id
	`, sessionID, int(minLevel))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*SessionLog
	for rows.Next() {
		var l SessionLog
		var level int
		var ts int64
		if err := rows.Scan(&l.ID, &l.SessionID, &l.Slot, &level, &l.Message, &ts); err != nil {
			return nil, err
		}
		l.Level = slog.Level(level)
		l.Timestamp = time.UnixMilli(ts)
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
