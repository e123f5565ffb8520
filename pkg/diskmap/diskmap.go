// Package diskmap tracks the state of every cluster on a volume as coalesced
// ranges and projects it onto a fixed number of display buckets.
package diskmap

import (
	"errors"
	"fmt"
	"sync"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
)

// ErrOutOfRange is returned for cluster or bucket indexes outside the map.
var ErrOutOfRange = errors.New("out of range")

// Range is a run of clusters sharing one state.
type Range struct {
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
	State  State  `json:"state"`
}

func (r Range) End() uint64 { return r.Start + r.Length }

// Bucket is one square of the filtered view.
type Bucket struct {
	Index int   `json:"index"`
	State State `json:"state"`
}

// Change describes the buckets touched by a SetState call. Notify carries the
// caller's hint through unchanged; the map never notifies anyone itself.
type Change struct {
	FirstBucket int
	LastBucket  int
	Notify      bool
}

// segment is the tree value; the key is the segment start.
type segment struct {
	end   uint64
	state State
}

// Map is an ordered, gap-free table of cluster states. It is safe for
// concurrent use; every mutation and every read holds the lock for its
// whole duration, so readers never see a half split range.
type Map struct {
	mu       sync.RWMutex
	clusters uint64
	buckets  uint64
	rank     [numStates]int
	tree     *rbt.Tree
}

type Option func(*Map) error

// WithPrecedence replaces DefaultPrecedence for bucket reduction.
func WithPrecedence(p Precedence) Option {
	return func(m *Map) error {
		r, err := p.ranks()
		if err != nil {
			return err
		}
		m.rank = r
		return nil
	}
}

// New returns a map of clusters clusters, all Empty, viewed through buckets
// squares. The bucket count is clamped to [1, clusters].
func New(clusters uint64, buckets int, opts ...Option) (*Map, error) {
	if clusters == 0 {
		return nil, fmt.Errorf("%w: volume has no clusters", ErrOutOfRange)
	}
	m := &Map{
		clusters: clusters,
		tree:     rbt.NewWith(utils.UInt64Comparator),
	}
	m.rank, _ = DefaultPrecedence.ranks()
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	m.buckets = clampBuckets(buckets, clusters)
	m.tree.Put(uint64(0), segment{end: clusters, state: Empty})
	return m, nil
}

func clampBuckets(n int, clusters uint64) uint64 {
	if n < 1 {
		return 1
	}
	if uint64(n) > clusters {
		return clusters
	}
	return uint64(n)
}

// ClusterCount returns the number of clusters covered by the map.
func (m *Map) ClusterCount() uint64 { return m.clusters }

// NumFilteredClusters returns the current bucket count.
func (m *Map) NumFilteredClusters() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(m.buckets)
}

// SetNumFilteredClusters changes the bucket count and returns the value
// actually used. Only bucket boundaries change; callers resend the full view.
func (m *Map) SetNumFilteredClusters(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = clampBuckets(n, m.clusters)
	return int(m.buckets)
}

// SetState sets clusters begin through end (inclusive) to state, splitting
// and merging ranges so that no two neighbours share a state.
func (m *Map) SetState(begin, end uint64, state State, notify bool) (Change, error) {
	if begin > end || end >= m.clusters {
		return Change{}, fmt.Errorf("%w: clusters %d..%d on a volume of %d", ErrOutOfRange, begin, end, m.clusters)
	}
	if !state.Valid() {
		return Change{}, fmt.Errorf("invalid cluster state %d", uint8(state))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.split(begin)
	m.split(end + 1)
	for {
		n, ok := m.tree.Ceiling(begin)
		if !ok || n.Key.(uint64) > end {
			break
		}
		m.tree.Remove(n.Key)
	}

	start, stop := begin, end+1
	if start > 0 {
		if n, ok := m.tree.Floor(start - 1); ok {
			if left := n.Value.(segment); left.state == state {
				start = n.Key.(uint64)
				m.tree.Remove(n.Key)
			}
		}
	}
	if v, ok := m.tree.Get(stop); ok {
		if right := v.(segment); right.state == state {
			m.tree.Remove(stop)
			stop = right.end
		}
	}
	m.tree.Put(start, segment{end: stop, state: state})

	first, last := m.bucketRange(begin, end)
	return Change{FirstBucket: first, LastBucket: last, Notify: notify}, nil
}

// split makes at the start of a segment. at == clusters is a no-op.
func (m *Map) split(at uint64) {
	if at == 0 || at >= m.clusters {
		return
	}
	n, ok := m.tree.Floor(at)
	if !ok {
		return
	}
	start := n.Key.(uint64)
	if start == at {
		return
	}
	seg := n.Value.(segment)
	m.tree.Put(start, segment{end: at, state: seg.state})
	m.tree.Put(at, segment{end: seg.end, state: seg.state})
}

// State returns the state of a single cluster.
func (m *Map) State(cluster uint64) (State, error) {
	if cluster >= m.clusters {
		return 0, fmt.Errorf("%w: cluster %d on a volume of %d", ErrOutOfRange, cluster, m.clusters)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, _ := m.tree.Floor(cluster)
	return n.Value.(segment).state, nil
}

// RangeAt returns the whole range containing cluster.
func (m *Map) RangeAt(cluster uint64) (Range, error) {
	if cluster >= m.clusters {
		return Range{}, fmt.Errorf("%w: cluster %d on a volume of %d", ErrOutOfRange, cluster, m.clusters)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, _ := m.tree.Floor(cluster)
	start := n.Key.(uint64)
	seg := n.Value.(segment)
	return Range{Start: start, Length: seg.end - start, State: seg.state}, nil
}

// Ranges returns a snapshot of every range in cluster order.
func (m *Map) Ranges() []Range {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Range, 0, m.tree.Size())
	it := m.tree.Iterator()
	for it.Next() {
		start := it.Key().(uint64)
		seg := it.Value().(segment)
		out = append(out, Range{Start: start, Length: seg.end - start, State: seg.state})
	}
	return out
}

// walk calls fn for each segment overlapping [from, to), clipped to it.
// The caller holds the lock.
func (m *Map) walk(from, to uint64, fn func(start, end uint64, s State)) {
	n, ok := m.tree.Floor(from)
	for ok {
		start := n.Key.(uint64)
		if start >= to {
			return
		}
		seg := n.Value.(segment)
		fn(max(start, from), min(seg.end, to), seg.state)
		if seg.end >= m.clusters {
			return
		}
		n, ok = m.tree.Ceiling(seg.end)
	}
}

// FindFree returns the start of the first Empty range of at least length
// clusters at or after from.
func (m *Map) FindFree(length, from uint64) (uint64, bool) {
	if length == 0 || from >= m.clusters {
		return 0, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		found bool
		at    uint64
	)
	m.walk(from, m.clusters, func(start, end uint64, s State) {
		if !found && s == Empty && end-start >= length {
			found, at = true, start
		}
	})
	return at, found
}

// Validate checks the coverage and coalescing invariants.
func (m *Map) Validate() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		next uint64
		prev State
	)
	it := m.tree.Iterator()
	for i := 0; it.Next(); i++ {
		start := it.Key().(uint64)
		seg := it.Value().(segment)
		switch {
		case start != next:
			return fmt.Errorf("range %d starts at %d, expected %d", i, start, next)
		case seg.end <= start:
			return fmt.Errorf("range %d at %d is empty", i, start)
		case i > 0 && seg.state == prev:
			return fmt.Errorf("range %d at %d not coalesced with its %s neighbour", i, start, prev)
		}
		next, prev = seg.end, seg.state
	}
	if next != m.clusters {
		return fmt.Errorf("ranges cover %d of %d clusters", next, m.clusters)
	}
	return nil
}
