// Package defrag scans an NTFS volume into a cluster map and relocates
// fragmented files, publishing map deltas, status lines and progress to
// observers through an events.Dispatcher.
package defrag

import (
	"errors"
	"time"

	"github.com/elee1766/godefrag/pkg/diskmap"
	"github.com/elee1766/godefrag/pkg/events"
)

var (
	ErrAlreadyRunning = errors.New("defragmentation session already running")
	ErrNotRunning     = errors.New("no defragmentation session running")
	// ErrForcedShutdown is returned by Stop when the worker had to be
	// abandoned because it did not reach a checkpoint in time.
	ErrForcedShutdown = errors.New("forced shutdown")

	// errStopped unwinds the worker after a stop request.
	errStopped = errors.New("stopped")
	// errFenced unwinds a worker that was abandoned by a forced shutdown.
	errFenced = errors.New("session fenced")
	// errEngineClosed rejects Start after Close.
	errEngineClosed = errors.New("engine closed")
)

// State is the engine lifecycle state.
type State int

const (
	Idle State = iota
	Scanning
	Defragmenting
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Defragmenting:
		return "defragmenting"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SessionController starts and steers a session.
type SessionController interface {
	Start(target string) error
	Pause() error
	Continue() error
	Stop(timeout time.Duration) error
	State() State
	Paused() bool
}

// DiskMapAccessor exposes the live cluster map of a session.
type DiskMapAccessor interface {
	NumFilteredClusters() int
	SetNumFilteredClusters(n int) int
	GetFilteredClusters(bucketBegin, bucketEnd int) ([]diskmap.Bucket, error)
	GetAllFilteredClusters() ([]diskmap.Bucket, error)
}

// EventSource lets observers subscribe to session events. The returned
// function removes the subscription.
type EventSource interface {
	Subscribe(obs events.Observer) func()
}

var (
	_ SessionController = (*Engine)(nil)
	_ DiskMapAccessor   = (*Engine)(nil)
	_ EventSource       = (*Engine)(nil)
)
