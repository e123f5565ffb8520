package diskmap

// Stats summarizes the map.
type Stats struct {
	TotalClusters  uint64
	ByState        map[State]uint64
	NumRanges      int
	NumFreeRegions int
	LargestFree    uint64
	SmallestFree   uint64
	AvgFreeSize    uint64
}

// UsedClusters counts every cluster that is not Empty.
func (s Stats) UsedClusters() uint64 {
	return s.TotalClusters - s.ByState[Empty]
}

// FragmentedPercent is the share of used clusters that are Fragmented.
func (s Stats) FragmentedPercent() float64 {
	used := s.UsedClusters()
	if used == 0 {
		return 0
	}
	return 100 * float64(s.ByState[Fragmented]) / float64(used)
}

// CalculateStats walks the map once.
func (m *Map) CalculateStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		TotalClusters: m.clusters,
		ByState:       make(map[State]uint64, numStates),
		NumRanges:     m.tree.Size(),
		SmallestFree:  ^uint64(0),
	}

	it := m.tree.Iterator()
	for it.Next() {
		start := it.Key().(uint64)
		seg := it.Value().(segment)
		length := seg.end - start
		stats.ByState[seg.state] += length

		if seg.state != Empty {
			continue
		}
		stats.NumFreeRegions++
		if length > stats.LargestFree {
			stats.LargestFree = length
		}
		if length < stats.SmallestFree {
			stats.SmallestFree = length
		}
	}

	if stats.NumFreeRegions > 0 {
		stats.AvgFreeSize = stats.ByState[Empty] / uint64(stats.NumFreeRegions)
	}
	if stats.SmallestFree == ^uint64(0) {
		stats.SmallestFree = 0
	}
	return stats
}
