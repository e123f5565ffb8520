package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/elee1766/godefrag/pkg/db/queries"
	"github.com/elee1766/godefrag/pkg/defrag"
	"github.com/elee1766/godefrag/pkg/history"
)

type HistoryHandler struct {
	logger   *slog.Logger
	recorder *history.Recorder
}

func NewHistoryHandler(logger *slog.Logger, recorder *history.Recorder) *HistoryHandler {
	return &HistoryHandler{
		logger:   logger.With("handler", "history"),
		recorder: recorder,
	}
}

type sessionRecord struct {
	ID                string     `json:"id"`
	Target            string     `json:"target"`
	Status            string     `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Records           int64      `json:"records"`
	FilesScanned      int64      `json:"files_scanned"`
	FilesFragmented   int64      `json:"files_fragmented"`
	FilesDefragmented int64      `json:"files_defragmented"`
	FilesSkipped      int64      `json:"files_skipped"`
	ClustersMoved     int64      `json:"clusters_moved"`
	MoveFailures      int64      `json:"move_failures"`
	MalformedRecords  int64      `json:"malformed_records"`
	FragmentedPercent *float64   `json:"fragmented_percent,omitempty"`
	Error             string     `json:"error,omitempty"`
}

func toRecord(s *queries.SessionHistory) sessionRecord {
	rec := sessionRecord{
		ID:                s.ID,
		Target:            s.Target,
		Status:            s.Status,
		StartedAt:         s.StartedAt,
		Records:           s.Records,
		FilesScanned:      s.FilesScanned,
		FilesFragmented:   s.FilesFragmented,
		FilesDefragmented: s.FilesDefragmented,
		FilesSkipped:      s.FilesSkipped,
		ClustersMoved:     s.ClustersMoved,
		MoveFailures:      s.MoveFailures,
		MalformedRecords:  s.MalformedRecords,
		Error:             s.Error.String,
	}
	if s.FinishedAt.Valid {
		t := s.FinishedAt.Time
		rec.FinishedAt = &t
	}
	if s.FragmentedPercent.Valid {
		p := s.FragmentedPercent.Float64
		rec.FragmentedPercent = &p
	}
	return rec
}

// AddRoutes adds the history routes to the router.
func (h *HistoryHandler) AddRoutes(rg *gin.RouterGroup) {
	hg := rg.Group("/history")
	hg.GET("", h.List)
	hg.GET("/:id", h.Get)
	hg.GET("/:id/logs", h.Logs)
}

type listQuery struct {
	Target string `form:"target"`
	Limit  int    `form:"limit,default=50" binding:"min=0"`
}

func (h *HistoryHandler) List(c *gin.Context) {
	var q listQuery
	if err := bindQuery(c, &q); err != nil {
		abort(c, h.logger, err)
		return
	}
	sessions, err := h.recorder.List(q.Target, q.Limit)
	if err != nil {
		abort(c, h.logger, err)
		return
	}
	out := make([]sessionRecord, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toRecord(s))
	}
	c.JSON(http.StatusOK, out)
}

func (h *HistoryHandler) Get(c *gin.Context) {
	s, err := h.recorder.Get(c.Param("id"))
	if err != nil {
		abort(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toRecord(s))
}

type logRecord struct {
	Row     string    `json:"row"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Logs returns a session's status lines, optionally from ?level= upwards.
func (h *HistoryHandler) Logs(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.recorder.Get(id); err != nil {
		abort(c, h.logger, err)
		return
	}
	level := slog.LevelDebug
	if v := c.Query("level"); v != "" {
		if err := level.UnmarshalText([]byte(strings.ToUpper(v))); err != nil {
			abort(c, h.logger, fmt.Errorf("%w: invalid level %q", errBadRequest, v))
			return
		}
	}
	logs, err := h.recorder.Logs(id, level)
	if err != nil {
		abort(c, h.logger, err)
		return
	}
	out := make([]logRecord, 0, len(logs))
	for _, l := range logs {
		out = append(out, logRecord{
			Row:     defrag.SlotName(l.Slot),
			Level:   l.Level.String(),
			Message: l.Message,
			Time:    l.Timestamp,
		})
	}
	c.JSON(http.StatusOK, out)
}
