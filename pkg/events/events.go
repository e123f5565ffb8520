// Package events delivers log, cluster and progress updates from a
// defragmentation session to observers on a dedicated goroutine.
package events

import (
	"log/slog"
	"time"

	"github.com/elee1766/godefrag/pkg/diskmap"
)

// Event is anything the dispatcher can deliver.
type Event interface {
	isEvent()
}

// LogMessage is a status line. Slot is the display row it belongs to and is
// independent of Level.
type LogMessage struct {
	Slot    uint8
	Level   slog.Level
	Message string
	Time    time.Time
}

func (LogMessage) isEvent() {}

// ClustersEvent carries filtered view buckets in ascending index order.
// Resync marks a full snapshot that replaces everything delivered before it.
type ClustersEvent struct {
	Buckets []diskmap.Bucket
	Resync  bool
}

func (ClustersEvent) isEvent() {}

// ProgressEvent reports done out of total work units. Total may grow
// between events.
type ProgressEvent struct {
	Done  float64
	Total float64
}

func (ProgressEvent) isEvent() {}

// Fraction returns done/total clamped to [0, 1].
func (p ProgressEvent) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	f := p.Done / p.Total
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
