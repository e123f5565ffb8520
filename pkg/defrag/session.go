package defrag

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elee1766/godefrag/pkg/diskmap"
	"github.com/elee1766/godefrag/pkg/events"
	"github.com/elee1766/godefrag/pkg/volume"
)

// session is one run of the engine from Start until it is Idle again.
type session struct {
	id      string
	target  string
	started time.Time
	logger  *slog.Logger

	// ctx is cancelled only when the worker is abandoned, so a stop request
	// never interrupts a move in flight.
	ctx    context.Context
	cancel context.CancelFunc

	backend    volume.Backend
	dispatcher *events.Dispatcher
	stopReq    atomic.Bool

	// mu orders map mutations with the deltas published for them and guards
	// the fields below.
	mu      sync.Mutex
	dmap    *diskmap.Map
	squares int
	fenced  bool
	// reserved is the destination gap of the file being relocated.
	reserved *span

	records      atomic.Uint64
	filesScanned atomic.Int64
	fragmented   atomic.Int64
	defragmented atomic.Int64
	skipped      atomic.Int64
	moved        atomic.Uint64
	moveFailures atomic.Int64
	malformed    atomic.Int64

	// err is written by the worker before workerDone is closed.
	err        error
	workerDone chan struct{}

	once   sync.Once
	result *Result
	done   chan struct{}
}

// checkpoint is consulted between moves and between batches of records.
func (s *session) checkpoint() error {
	if s.stopReq.Load() {
		return errStopped
	}
	return s.ctx.Err()
}

// attach installs the map once the volume geometry is known and publishes
// its initial view.
func (s *session) attach(clusters uint64, opts ...diskmap.Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fenced {
		return errFenced
	}
	m, err := diskmap.New(clusters, s.squares, opts...)
	if err != nil {
		return err
	}
	s.dmap = m
	if !s.dispatcher.Paused() {
		s.dispatcher.Resync(m.GetAllFilteredClusters())
	}
	return nil
}

// setState updates the map and pushes the buckets it touched.
func (s *session) setState(begin, end uint64, state diskmap.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fenced {
		return errFenced
	}
	ch, err := s.dmap.SetState(begin, end, state, true)
	if err != nil {
		return err
	}
	s.showFilteredClustersLocked(ch)
	return nil
}

// showFilteredClustersLocked publishes the buckets of ch unless delivery is
// paused; Continue resends everything instead.
func (s *session) showFilteredClustersLocked(ch diskmap.Change) {
	if !ch.Notify || s.dispatcher.Paused() {
		return
	}
	buckets, err := s.dmap.GetFilteredClusters(ch.FirstBucket, ch.LastBucket)
	if err != nil {
		s.logger.Error("filtered view", "first", ch.FirstBucket, "last", ch.LastBucket, "error", err)
		return
	}
	s.dispatcher.AddFilteredClusters(buckets)
}

// span is an inclusive cluster range.
type span struct {
	begin, end uint64
}

// reserve marks a destination gap Busy and remembers it until release.
func (s *session) reserve(begin, end uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fenced {
		return errFenced
	}
	ch, err := s.dmap.SetState(begin, end, diskmap.Busy, true)
	if err != nil {
		return err
	}
	s.showFilteredClustersLocked(ch)
	s.reserved = &span{begin: begin, end: end}
	return nil
}

func (s *session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved = nil
}

func (s *session) findFree(length uint64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fenced {
		return 0, false, errFenced
	}
	at, ok := s.dmap.FindFree(length, 0)
	return at, ok, nil
}

// resume continues delivery with a snapshot taken under s.mu, so no delta
// computed before it can be delivered after it.
func (s *session) resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snapshot func() []diskmap.Bucket
	if s.dmap != nil {
		snapshot = s.dmap.GetAllFilteredClusters
	}
	s.dispatcher.Continue(snapshot)
}

// resync queues the full view behind pending deltas.
func (s *session) resync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dmap == nil || s.fenced || s.dispatcher.Paused() {
		return
	}
	s.dispatcher.Resync(s.dmap.GetAllFilteredClusters())
}

func (s *session) setSquares(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dmap == nil {
		s.squares = n
		return n
	}
	got := s.dmap.SetNumFilteredClusters(n)
	if !s.dispatcher.Paused() {
		s.dispatcher.Resync(s.dmap.GetAllFilteredClusters())
	}
	return got
}

func (s *session) numSquares() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dmap == nil {
		return s.squares
	}
	return s.dmap.NumFilteredClusters()
}

func (s *session) currentMap() *diskmap.Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dmap
}

// fence cuts the worker off from the map and the dispatcher. Busy clusters
// inside the destination reservation were never written and go back to
// Empty; every other Busy range is a source and is swept to Fragmented. It
// returns the number of clusters marked Fragmented.
func (s *session) fence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fenced {
		return 0
	}
	var swept uint64
	if s.dmap != nil {
		for _, r := range s.dmap.Ranges() {
			if r.State != diskmap.Busy {
				continue
			}
			for _, p := range s.sweepPlan(span{begin: r.Start, end: r.End() - 1}) {
				ch, err := s.dmap.SetState(p.begin, p.end, p.state, true)
				if err != nil {
					s.logger.Error("sweep busy range", "begin", p.begin, "end", p.end, "error", err)
					continue
				}
				s.showFilteredClustersLocked(ch)
				if p.state == diskmap.Fragmented {
					swept += p.end - p.begin + 1
				}
			}
		}
	}
	s.reserved = nil
	s.fenced = true
	return swept
}

type sweep struct {
	span
	state diskmap.State
}

// sweepPlan splits a Busy range around the reservation.
func (s *session) sweepPlan(busy span) []sweep {
	res := s.reserved
	if res == nil || res.end < busy.begin || res.begin > busy.end {
		return []sweep{{busy, diskmap.Fragmented}}
	}
	lo, hi := max(busy.begin, res.begin), min(busy.end, res.end)
	var out []sweep
	if busy.begin < lo {
		out = append(out, sweep{span{busy.begin, lo - 1}, diskmap.Fragmented})
	}
	out = append(out, sweep{span{lo, hi}, diskmap.Empty})
	if hi < busy.end {
		out = append(out, sweep{span{hi + 1, busy.end}, diskmap.Fragmented})
	}
	return out
}

func (s *session) clusterSize() uint64 { return s.backend.ClusterSize() }
