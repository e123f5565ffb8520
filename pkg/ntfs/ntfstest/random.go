package ntfstest

import (
	"fmt"
	"math/rand"

	"github.com/elee1766/godefrag/pkg/ntfs"
)

// RandomVolume returns a builder populated with a deterministic mix of
// contiguous and fragmented files. Roughly half of the data area is left
// free so a defragmentation pass has room to work.
func RandomVolume(seed int64, clusters uint64, files int) (*Builder, error) {
	if files < 1 {
		return nil, fmt.Errorf("need at least one file, got %d", files)
	}
	b := New(Options{
		Clusters: clusters,
		Records:  ntfs.FirstUserRecord + files,
		Serial:   uint64(seed),
	})
	start := b.FirstFreeCluster()
	if start >= clusters {
		return nil, fmt.Errorf("volume of %d clusters too small for %d files", clusters, files)
	}
	area := clusters - start
	avg := area / 2 / uint64(files)
	if avg == 0 {
		return nil, fmt.Errorf("volume of %d clusters too small for %d files", clusters, files)
	}

	rng := rand.New(rand.NewSource(seed))

	type piece struct {
		file, index int
		length      uint64
	}
	var pieces []piece
	counts := make([]int, files)
	for f := 0; f < files; f++ {
		size := 1 + uint64(rng.Int63n(int64(2*avg)))
		n := 1
		if size > 1 && rng.Intn(5) < 2 {
			n = 2 + rng.Intn(3)
			if uint64(n) > size {
				n = int(size)
			}
		}
		counts[f] = n
		left := size
		for i := 0; i < n; i++ {
			l := left / uint64(n-i)
			pieces = append(pieces, piece{file: f, index: i, length: l})
			left -= l
		}
	}
	rng.Shuffle(len(pieces), func(i, j int) { pieces[i], pieces[j] = pieces[j], pieces[i] })

	runs := make([][]ntfs.Run, files)
	for f := range runs {
		runs[f] = make([]ntfs.Run, counts[f])
	}
	cursor := start
	for _, p := range pieces {
		cursor += uint64(rng.Intn(3))
		if cursor+p.length > clusters {
			continue
		}
		runs[p.file][p.index] = ntfs.Run{LCN: cursor, Length: p.length}
		cursor += p.length
	}

	for f := 0; f < files; f++ {
		var placed []ntfs.Run
		for _, r := range runs[f] {
			if r.Length > 0 {
				placed = append(placed, r)
			}
		}
		if len(placed) == 0 {
			b.AddFile(File{Name: fmt.Sprintf("file%04d.bin", f), Resident: []byte("empty")})
			continue
		}
		b.AddFile(File{Name: fmt.Sprintf("file%04d.bin", f), Runs: placed})
	}
	return b, nil
}
