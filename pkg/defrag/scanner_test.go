package defrag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elee1766/godefrag/pkg/diskmap"
	"github.com/elee1766/godefrag/pkg/ntfs"
	"github.com/elee1766/godefrag/pkg/ntfs/ntfstest"
	"github.com/elee1766/godefrag/pkg/volume"
)

func mixedVolume(t *testing.T, opts volume.MemoryOptions) *volume.Memory {
	t.Helper()
	b := ntfstest.New(ntfstest.Options{Clusters: 1024})
	b.AddFile(ntfstest.File{Name: "contig.bin", Runs: []ntfs.Run{{LCN: 100, Length: 4}}})
	b.AddFile(ntfstest.File{Name: "frag.bin", Runs: []ntfs.Run{{LCN: 300, Length: 3}, {LCN: 150, Length: 2}}})
	b.AddFile(ntfstest.File{Name: "hog.bin", Runs: []ntfs.Run{{LCN: 400, Length: 100}}})
	b.AddFile(ntfstest.File{Name: "comp.bin", Compressed: true, Runs: []ntfs.Run{{LCN: 600, Length: 2}, {LCN: 610, Length: 2}}})
	b.AddFile(ntfstest.File{
		Name:          "ext.bin",
		Runs:          []ntfs.Run{{LCN: 700, Length: 2}},
		ExtensionRuns: []ntfs.Run{{LCN: 710, Length: 3}},
	})
	b.AddFile(ntfstest.File{Name: "bad.bin", Malformed: true, Runs: []ntfs.Run{{LCN: 800, Length: 2}}})
	b.AddFile(ntfstest.File{Name: "small.txt", Resident: []byte("hi")})
	b.AddFile(ntfstest.File{Name: "sparse.bin", Runs: []ntfs.Run{{LCN: 900, Length: 2}, {Sparse: true, Length: 3}, {LCN: 902, Length: 2}}})
	img, err := b.Build()
	require.NoError(t, err)
	m, err := volume.NewMemory(img, opts)
	require.NoError(t, err)
	return m
}

func byName(a *Analysis) map[string]*File {
	out := make(map[string]*File)
	for _, f := range a.Files {
		out[f.Name] = f
	}
	return out
}

func TestScanClassifiesFiles(t *testing.T) {
	vol := mixedVolume(t, volume.MemoryOptions{})
	var malformed []uint64
	var lastDone, lastTotal uint64
	sc := NewScanner(vol, nil, ScanOptions{
		SpaceHogBytes: 50 * 1024,
		Malformed: func(record uint64, err error) {
			assert.ErrorIs(t, err, ntfs.ErrMalformedAttribute)
			malformed = append(malformed, record)
		},
		Progress: func(done, total uint64) { lastDone, lastTotal = done, total },
	})

	a, err := sc.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1024), a.Boot.TotalClusters())
	assert.Equal(t, uint64(64), a.Records)
	assert.Equal(t, []ntfs.Run{{LCN: 8, Length: 64}}, a.MFTRuns)
	assert.Equal(t, 1, a.Malformed)
	assert.Equal(t, []uint64{21}, malformed)
	assert.Equal(t, uint64(64), lastDone)
	assert.Equal(t, uint64(64), lastTotal)

	files := byName(a)
	tests := []struct {
		name      string
		state     diskmap.State
		clusters  uint64
		fragments int
		movable   bool
	}{
		{"$MFT", diskmap.Mft, 64, 0, false},
		{"$MFTMirr", diskmap.Unmovable, 4, 0, false},
		{"$Boot", diskmap.Unmovable, 1, 0, false},
		{"contig.bin", diskmap.Unfragmented, 4, 0, false},
		{"frag.bin", diskmap.Fragmented, 5, 1, true},
		{"hog.bin", diskmap.SpaceHog, 100, 0, false},
		{"comp.bin", diskmap.Fragmented, 4, 1, false},
		{"ext.bin", diskmap.Fragmented, 5, 1, true},
		{"small.txt", diskmap.Unfragmented, 0, 0, false},
		{"sparse.bin", diskmap.Unfragmented, 4, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := files[tt.name]
			require.True(t, ok)
			assert.Equal(t, tt.state, f.State)
			assert.Equal(t, tt.clusters, f.Clusters)
			assert.Equal(t, tt.fragments, f.Fragments)
			assert.Equal(t, tt.movable, f.Movable())
		})
	}
	assert.NotContains(t, files, "bad.bin")
	assert.Equal(t, []ntfs.Run{{LCN: 700, Length: 2}, {LCN: 710, Length: 3}}, files["ext.bin"].Runs)
	assert.True(t, files["comp.bin"].Compressed)

	frag := a.Fragmented()
	require.Len(t, frag, 2)
	assert.Equal(t, "frag.bin", frag[0].Name)
	assert.Equal(t, "ext.bin", frag[1].Name)
}

func TestAnalysisApply(t *testing.T) {
	vol := mixedVolume(t, volume.MemoryOptions{})
	a, err := NewScanner(vol, nil, ScanOptions{}).Scan(context.Background())
	require.NoError(t, err)

	m, err := diskmap.New(a.Boot.TotalClusters(), 64)
	require.NoError(t, err)
	require.NoError(t, a.Apply(m))
	require.NoError(t, m.Validate())

	want := map[uint64]diskmap.State{
		0:    diskmap.Unmovable,
		2:    diskmap.Unmovable,
		6:    diskmap.Empty,
		8:    diskmap.Mft,
		71:   diskmap.Mft,
		72:   diskmap.Empty,
		100:  diskmap.Unfragmented,
		151:  diskmap.Fragmented,
		302:  diskmap.Fragmented,
		450:  diskmap.Unfragmented, // no space hog threshold
		611:  diskmap.Fragmented,
		712:  diskmap.Fragmented,
		800:  diskmap.Empty, // malformed record skipped
		903:  diskmap.Unfragmented,
		1023: diskmap.Empty,
	}
	for c, s := range want {
		got, err := m.State(c)
		require.NoError(t, err)
		assert.Equal(t, s, got, "cluster %d", c)
	}
}

func TestScanRetriesReads(t *testing.T) {
	vol := mixedVolume(t, volume.MemoryOptions{FailReads: 2})
	a, err := NewScanner(vol, nil, ScanOptions{ReadRetries: 3, RetryBase: time.Millisecond}).Scan(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, a.Files)
}

func TestScanGivesUpAfterRetries(t *testing.T) {
	vol := mixedVolume(t, volume.MemoryOptions{FailReads: 10})
	_, err := NewScanner(vol, nil, ScanOptions{ReadRetries: 2, RetryBase: time.Millisecond}).Scan(context.Background())
	assert.ErrorIs(t, err, volume.ErrIO)
	assert.Equal(t, int64(3), vol.Reads())
}

func TestScanCheckpointStops(t *testing.T) {
	vol := mixedVolume(t, volume.MemoryOptions{})
	_, err := NewScanner(vol, nil, ScanOptions{
		Checkpoint: func() error { return errStopped },
	}).Scan(context.Background())
	assert.ErrorIs(t, err, errStopped)
}

func TestScanClosedVolume(t *testing.T) {
	vol := mixedVolume(t, volume.MemoryOptions{})
	require.NoError(t, vol.Close())
	_, err := NewScanner(vol, nil, ScanOptions{}).Scan(context.Background())
	assert.ErrorIs(t, err, volume.ErrClosed)
}

func TestScanFragmentedMFT(t *testing.T) {
	// the builder always writes a contiguous $MFT, so split its runs by hand
	vol := mixedVolume(t, volume.MemoryOptions{})
	sc := NewScanner(vol, nil, ScanOptions{})
	cs := vol.ClusterSize()

	stream := &mftStream{runs: []ntfs.Run{{LCN: 8, Length: 2}, {LCN: 10, Length: 62}}, clusterSize: cs}
	got, err := stream.read(context.Background(), sc, cs, 2*cs)
	require.NoError(t, err)
	want, err := vol.ReadMetadataRegion(context.Background(), 9*cs, 2*cs)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = stream.read(context.Background(), sc, 63*cs, 2*cs)
	assert.ErrorIs(t, err, ntfs.ErrMalformedRecord)
}

func TestCollectorRejectsRunsOutsideVolume(t *testing.T) {
	c := newCollector(4096, 100, 0)
	c.get(16).file.Name = "ok"
	c.get(16).extents = []*ntfs.NonResidentAttribute{{Runs: []ntfs.Run{{LCN: 10, Length: 2}, {LCN: 20, Length: 2}}}}
	c.get(17).file.Name = "wraps"
	c.get(17).extents = []*ntfs.NonResidentAttribute{{Runs: []ntfs.Run{{LCN: ^uint64(0) - 1, Length: 4}}}}
	c.get(18).file.Name = "other"
	c.get(18).file.other = []ntfs.Run{{LCN: 99, Length: 2}}

	files, rejected := c.files()
	require.Len(t, files, 1)
	assert.Equal(t, "ok", files[0].Name)
	assert.Equal(t, diskmap.Fragmented, files[0].State)

	require.Len(t, rejected, 2)
	assert.Equal(t, uint64(17), rejected[0].record)
	assert.Equal(t, uint64(18), rejected[1].record)
	for _, r := range rejected {
		assert.ErrorIs(t, r.err, ntfs.ErrMalformedAttribute)
	}
}
