// Package history persists defragmentation sessions and their status lines.
package history

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/elee1766/godefrag/pkg/db"
	"github.com/elee1766/godefrag/pkg/db/queries"
	"github.com/elee1766/godefrag/pkg/defrag"
	"github.com/elee1766/godefrag/pkg/events"
)

var Module = fx.Module("history",
	fx.Provide(Provide),
)

var ErrNotFound = errors.New("session not found")

// Recorder wraps an Engine so that every session it starts is recorded:
// a row when it starts, each status line as it is delivered, and the
// result once it ends.
type Recorder struct {
	*defrag.Engine

	conn   *sql.DB
	logger *slog.Logger

	unsubscribe func()
	wg          sync.WaitGroup

	mu      sync.Mutex
	current string
}

var _ defrag.SessionController = (*Recorder)(nil)

func New(engine *defrag.Engine, conn *sql.DB, logger *slog.Logger) *Recorder {
	r := &Recorder{
		Engine: engine,
		conn:   conn,
		logger: logger.With("component", "history"),
	}
	r.unsubscribe = engine.Subscribe(events.LogObserver(r.observe))
	return r
}

func Provide(lc fx.Lifecycle, engine *defrag.Engine, database *db.DB, logger *slog.Logger) (*Recorder, error) {
	r := New(engine, database.Conn(), logger)
	n, err := queries.MarkInterrupted(database.Conn(), time.Now())
	if err != nil {
		return nil, err
	}
	if n > 0 {
		r.logger.Warn("marked sessions from a previous run as interrupted", "count", n)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return r.Close()
		},
	})
	return r, nil
}

// Start starts a session on the engine and records it.
func (r *Recorder) Start(target string) error {
	// held until the row exists so the first status lines find it
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.Engine.Start(target); err != nil {
		return err
	}
	h, ok := r.Engine.Current()
	if !ok {
		return nil
	}
	err := queries.InsertSession(r.conn, &queries.SessionHistory{
		ID:        h.ID(),
		Target:    h.Target(),
		StartedAt: h.Started(),
	})
	if err != nil {
		r.logger.Error("record session start", "session", h.ID(), "error", err)
		return nil
	}
	r.current = h.ID()

	r.wg.Add(1)
	go r.watch(h)
	return nil
}

func (r *Recorder) observe(m events.LogMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == "" {
		return nil
	}
	return queries.InsertSessionLog(r.conn, &queries.SessionLog{
		SessionID: r.current,
		Slot:      m.Slot,
		Level:     m.Level,
		Message:   m.Message,
		Timestamp: m.Time,
	})
}

func (r *Recorder) watch(h defrag.Session) {
	defer r.wg.Done()
	<-h.Done()

	r.mu.Lock()
	if r.current == h.ID() {
		r.current = ""
	}
	r.mu.Unlock()

	res := h.Result()
	if res == nil {
		return
	}
	if err := queries.FinishSession(r.conn, Row(res)); err != nil {
		r.logger.Error("record session result", "session", res.ID, "error", err)
		return
	}
	r.logger.Debug("session recorded", "session", res.ID, "status", Status(res))
}

// Close stops a running session and waits for its result to be written.
func (r *Recorder) Close() error {
	err := r.Engine.Close()
	r.wg.Wait()
	r.unsubscribe()
	return err
}

// Status maps a result onto a stored session status.
func Status(res *defrag.Result) string {
	switch {
	case res.Forced:
		return queries.StatusAborted
	case res.Error != "":
		return queries.StatusFailed
	case res.Stopped:
		return queries.StatusStopped
	}
	return queries.StatusFinished
}

// Row converts a result into its stored form.
func Row(res *defrag.Result) *queries.SessionHistory {
	row := &queries.SessionHistory{
		ID:                res.ID,
		Target:            res.Target,
		StartedAt:         res.Started,
		FinishedAt:        sql.NullTime{Time: res.Finished, Valid: true},
		Status:            Status(res),
		Records:           int64(res.Records),
		FilesScanned:      res.FilesScanned,
		FilesFragmented:   res.FilesFragmented,
		FilesDefragmented: res.FilesDefragmented,
		FilesSkipped:      res.FilesSkipped,
		ClustersMoved:     int64(res.ClustersMoved),
		MoveFailures:      res.MoveFailures,
		MalformedRecords:  res.MalformedRecords,
	}
	if res.Stats.TotalClusters > 0 {
		row.FragmentedPercent = sql.NullFloat64{Float64: res.Stats.FragmentedPercent(), Valid: true}
	}
	if res.Error != "" {
		row.Error = sql.NullString{String: res.Error, Valid: true}
	}
	return row
}

// List returns recorded sessions newest first.
func (r *Recorder) List(target string, limit int) ([]*queries.SessionHistory, error) {
	return queries.ListSessions(r.conn, target, limit)
}

// Get returns one recorded session.
func (r *Recorder) Get(id string) (*queries.SessionHistory, error) {
	s, err := queries.GetSession(r.conn, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// Logs returns the status lines of a session at minLevel and above.
func (r *Recorder) Logs(id string, minLevel slog.Level) ([]*queries.SessionLog, error) {
	return queries.ListSessionLogs(r.conn, id, minLevel)
}
