package diskmap

import (
	"fmt"
	"math/bits"
)

// Bucket i covers clusters [i*C/n, (i+1)*C/n). The products are taken in
// 128 bits so large volumes do not overflow.

func (m *Map) bucketStart(i uint64) uint64 {
	hi, lo := bits.Mul64(i, m.clusters)
	q, _ := bits.Div64(hi, lo, m.buckets)
	return q
}

func (m *Map) bucketOf(cluster uint64) uint64 {
	// largest i with bucketStart(i) <= cluster
	hi, lo := bits.Mul64(cluster+1, m.buckets)
	lo, borrow := bits.Sub64(lo, 1, 0)
	hi -= borrow
	q, _ := bits.Div64(hi, lo, m.clusters)
	return q
}

func (m *Map) bucketRange(begin, end uint64) (int, int) {
	return int(m.bucketOf(begin)), int(m.bucketOf(end))
}

// BucketRange returns the first and last bucket covering clusters begin
// through end (inclusive).
func (m *Map) BucketRange(begin, end uint64) (int, int, error) {
	if begin > end || end >= m.clusters {
		return 0, 0, fmt.Errorf("%w: clusters %d..%d on a volume of %d", ErrOutOfRange, begin, end, m.clusters)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	first, last := m.bucketRange(begin, end)
	return first, last, nil
}

// GetFilteredClusters returns buckets bucketBegin through bucketEnd
// (inclusive) in ascending order.
func (m *Map) GetFilteredClusters(bucketBegin, bucketEnd int) ([]Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bucketBegin < 0 || bucketBegin > bucketEnd || uint64(bucketEnd) >= m.buckets {
		return nil, fmt.Errorf("%w: buckets %d..%d of %d", ErrOutOfRange, bucketBegin, bucketEnd, m.buckets)
	}
	return m.filtered(uint64(bucketBegin), uint64(bucketEnd)), nil
}

// GetAllFilteredClusters returns the whole filtered view.
func (m *Map) GetAllFilteredClusters() []Bucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filtered(0, m.buckets-1)
}

func (m *Map) filtered(first, last uint64) []Bucket {
	out := make([]Bucket, last-first+1)
	seen := make([]bool, len(out))
	for i := range out {
		out[i].Index = int(first) + i
	}

	m.walk(m.bucketStart(first), m.bucketStart(last+1), func(start, end uint64, s State) {
		lastB := m.bucketOf(end - 1)
		for b := m.bucketOf(start); b <= lastB; b++ {
			i := b - first
			if !seen[i] || m.rank[s] > m.rank[out[i].State] {
				out[i].State = s
				seen[i] = true
			}
		}
	})
	return out
}
