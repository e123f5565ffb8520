package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/elee1766/godefrag/pkg/defrag"
	"github.com/elee1766/godefrag/pkg/diskmap"
	"github.com/elee1766/godefrag/pkg/events"
)

const (
	streamBuffer    = 256
	streamKeepalive = 15 * time.Second
)

// EventsHandler streams session events as Server-Sent Events.
type EventsHandler struct {
	logger *slog.Logger
	ctl    Controller
}

func NewEventsHandler(logger *slog.Logger, ctl Controller) *EventsHandler {
	return &EventsHandler{
		logger: logger.With("handler", "events"),
		ctl:    ctl,
	}
}

type logEvent struct {
	Slot    uint8     `json:"slot"`
	Row     string    `json:"row"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type clustersEvent struct {
	Resync  bool             `json:"resync"`
	Buckets []diskmap.Bucket `json:"buckets"`
}

type progressEvent struct {
	Done     float64 `json:"done"`
	Total    float64 `json:"total"`
	Fraction float64 `json:"fraction"`
}

// encodeEvent returns the SSE event name and payload for e.
func encodeEvent(e events.Event) (string, any) {
	switch ev := e.(type) {
	case events.LogMessage:
		return "log", logEvent{
			Slot:    ev.Slot,
			Row:     defrag.SlotName(ev.Slot),
			Level:   ev.Level.String(),
			Message: ev.Message,
			Time:    ev.Time,
		}
	case events.ClustersEvent:
		return "clusters", clustersEvent{Resync: ev.Resync, Buckets: ev.Buckets}
	case events.ProgressEvent:
		return "progress", progressEvent{Done: ev.Done, Total: ev.Total, Fraction: ev.Fraction()}
	}
	return "", nil
}

// AddRoutes adds the event stream route to the router.
func (h *EventsHandler) AddRoutes(rg *gin.RouterGroup) {
	rg.GET("/session/events", h.Stream)
}

// Stream holds one subscription for the lifetime of the request. A client
// that cannot keep up is disconnected rather than handed a gap in the
// cluster stream; it reconnects and starts from a resync.
func (h *EventsHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	remote := c.ClientIP()
	ch := make(chan events.Event, streamBuffer)
	overflow := make(chan struct{})
	var overflowed atomic.Bool

	unsubscribe := h.ctl.Subscribe(func(e events.Event) error {
		if overflowed.Load() {
			return nil
		}
		select {
		case ch <- e:
		default:
			if !overflowed.Swap(true) {
				close(overflow)
			}
		}
		return nil
	})
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	_, _ = c.Writer.WriteString(": connected\n\n")
	c.Writer.Flush()

	// a live session resends its view so this client starts consistent
	if err := h.ctl.Resync(); err != nil {
		h.logger.Debug("no session to resync", "error", err)
	}

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	h.logger.Debug("event stream opened", "remote", remote)
	defer h.logger.Debug("event stream closed", "remote", remote)

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-overflow:
			h.logger.Warn("event stream client too slow, disconnecting", "remote", remote)
			return false
		case <-keepalive.C:
			_, err := io.WriteString(w, ": keepalive\n\n")
			return err == nil
		case e := <-ch:
			if name, payload := encodeEvent(e); name != "" {
				c.SSEvent(name, payload)
			}
			return true
		}
	})
}
