package volume

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryOptions tune the in-memory backend for tests and simulation.
type MemoryOptions struct {
	// MoveDelay is how long each move takes.
	MoveDelay time.Duration
	// FailMove, when set, decides whether a move fails with ErrIO.
	FailMove func(from, to, length uint64) bool
	// FailReads makes the first FailReads reads fail with ErrIO.
	FailReads int
}

// Memory is a Backend over a byte slice holding an NTFS image.
type Memory struct {
	opts        MemoryOptions
	clusterSize uint64

	mu     sync.RWMutex
	data   []byte
	closed bool

	reads     atomic.Int64
	moves     atomic.Int64
	failReads atomic.Int64
}

// NewMemory wraps img. The image is used in place.
func NewMemory(img []byte, opts MemoryOptions) (*Memory, error) {
	cs, err := clusterSizeOf(img)
	if err != nil {
		return nil, fmt.Errorf("memory volume: %w", err)
	}
	m := &Memory{opts: opts, clusterSize: cs, data: img}
	m.failReads.Store(int64(opts.FailReads))
	return m, nil
}

func (m *Memory) ClusterSize() uint64 { return m.clusterSize }

func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

func (m *Memory) ReadMetadataRegion(ctx context.Context, offset, length uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.reads.Add(1)
	if m.failReads.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: injected read failure at %d", ErrIO, offset)
	}
	if err := checkRead(offset, length, uint64(len(m.data))); err != nil {
		return nil, err
	}
	return append([]byte(nil), m.data[offset:offset+length]...), nil
}

func (m *Memory) MoveClusterRange(ctx context.Context, from, to, length uint64) error {
	if err := checkMove(from, to, length, uint64(len(m.data))/m.clusterSize); err != nil {
		return err
	}
	if m.opts.MoveDelay > 0 {
		t := time.NewTimer(m.opts.MoveDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if m.opts.FailMove != nil && m.opts.FailMove(from, to, length) {
		return fmt.Errorf("%w: injected move failure %d -> %d", ErrIO, from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cs := m.clusterSize
	copy(m.data[to*cs:(to+length)*cs], m.data[from*cs:(from+length)*cs])
	m.moves.Add(1)
	return nil
}

// Reads returns how many reads were attempted.
func (m *Memory) Reads() int64 { return m.reads.Load() }

// Moves returns how many moves succeeded.
func (m *Memory) Moves() int64 { return m.moves.Load() }

// Cluster returns a copy of one cluster.
func (m *Memory) Cluster(n uint64) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs := m.clusterSize
	return append([]byte(nil), m.data[n*cs:(n+1)*cs]...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
