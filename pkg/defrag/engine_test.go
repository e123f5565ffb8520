package defrag

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elee1766/godefrag/pkg/diskmap"
	"github.com/elee1766/godefrag/pkg/events"
	"github.com/elee1766/godefrag/pkg/ntfs"
	"github.com/elee1766/godefrag/pkg/ntfs/ntfstest"
	"github.com/elee1766/godefrag/pkg/volume"
)

const testClusters = 512

// Two fragmented files ("a" at record 16, "b" at 17) and a contiguous one.
// The first gap of four free clusters starts at 72, right after the $MFT.
func smallVolume(t *testing.T, opts volume.MemoryOptions) *volume.Memory {
	t.Helper()
	b := ntfstest.New(ntfstest.Options{Clusters: testClusters})
	b.AddFile(ntfstest.File{Name: "a", Runs: []ntfs.Run{{LCN: 100, Length: 2}, {LCN: 110, Length: 2}}})
	b.AddFile(ntfstest.File{Name: "b", Runs: []ntfs.Run{{LCN: 120, Length: 3}, {LCN: 104, Length: 1}}})
	b.AddFile(ntfstest.File{Name: "c", Runs: []ntfs.Run{{LCN: 130, Length: 4}}})
	img, err := b.Build()
	require.NoError(t, err)
	m, err := volume.NewMemory(img, opts)
	require.NoError(t, err)
	return m
}

func newTestEngine(t *testing.T, vol volume.Backend, opts Options) *Engine {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Open = func(ctx context.Context, target string) (volume.Backend, error) {
		return vol, nil
	}
	if opts.NumFilteredClusters == 0 {
		opts.NumFilteredClusters = testClusters
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = 5 * time.Second
	}
	opts.RetryBase = time.Millisecond
	e := New(opts)
	t.Cleanup(func() { e.Close() })
	return e
}

// recorder rebuilds the filtered view from delivered events.
type recorder struct {
	mu       sync.Mutex
	view     []diskmap.State
	logs     []events.LogMessage
	progress []events.ProgressEvent
	resyncs  int
	// afterResync counts deltas delivered since the last resync.
	afterResync int

	busyOnce sync.Once
	busy     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{busy: make(chan struct{})}
}

func (r *recorder) observe(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev := e.(type) {
	case events.ClustersEvent:
		if ev.Resync {
			r.resyncs++
			r.afterResync = 0
			r.view = make([]diskmap.State, len(ev.Buckets))
		} else {
			r.afterResync++
		}
		for _, b := range ev.Buckets {
			if b.Index < len(r.view) {
				r.view[b.Index] = b.State
			}
			if b.State == diskmap.Busy {
				r.busyOnce.Do(func() { close(r.busy) })
			}
		}
	case events.LogMessage:
		r.logs = append(r.logs, ev)
	case events.ProgressEvent:
		r.progress = append(r.progress, ev)
	}
	return nil
}

func (r *recorder) states(from, to int) []diskmap.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]diskmap.State(nil), r.view[from:to]...)
}

func (r *recorder) count(s diskmap.State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.view {
		if v == s {
			n++
		}
	}
	return n
}

func (r *recorder) slot(slot uint8) []events.LogMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.LogMessage
	for _, m := range r.logs {
		if m.Slot == slot {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) waitBusy(t *testing.T) {
	t.Helper()
	select {
	case <-r.busy:
	case <-time.After(5 * time.Second):
		t.Fatal("no cluster became busy")
	}
}

func repeat(s diskmap.State, n int) []diskmap.State {
	out := make([]diskmap.State, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func waitSession(t *testing.T, e *Engine) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
	res, ok := e.Result()
	require.True(t, ok)
	return res
}

func TestEngineDefragmentsVolume(t *testing.T) {
	vol := smallVolume(t, volume.MemoryOptions{})
	e := newTestEngine(t, vol, Options{})
	rec := newRecorder()
	e.Subscribe(rec.observe)

	require.NoError(t, e.Start("test"))
	res := waitSession(t, e)

	assert.Equal(t, Idle, e.State())
	assert.Empty(t, res.Error)
	assert.False(t, res.Stopped)
	assert.False(t, res.Forced)
	assert.Equal(t, int64(2), res.FilesFragmented)
	assert.Equal(t, int64(2), res.FilesDefragmented)
	assert.Equal(t, uint64(8), res.ClustersMoved)
	assert.Equal(t, uint64(64), res.Records)
	assert.Zero(t, res.Stats.ByState[diskmap.Busy])
	assert.Zero(t, res.Stats.ByState[diskmap.Fragmented])
	assert.Equal(t, uint64(12), res.Stats.ByState[diskmap.Unfragmented])

	// a went to 72, b to 76
	for c := uint64(72); c < 76; c++ {
		assert.Equal(t, byte(16), vol.Cluster(c)[0], "cluster %d", c)
	}
	for c := uint64(76); c < 80; c++ {
		assert.Equal(t, byte(17), vol.Cluster(c)[0], "cluster %d", c)
	}

	assert.Equal(t, repeat(diskmap.Unfragmented, 8), rec.states(72, 80))
	assert.Equal(t, repeat(diskmap.Empty, 5), rec.states(100, 105))
	assert.Equal(t, repeat(diskmap.Unfragmented, 4), rec.states(130, 134))
	assert.Equal(t, diskmap.Mft, rec.states(8, 9)[0])
	assert.Equal(t, diskmap.Unmovable, rec.states(0, 1)[0])
	assert.Zero(t, rec.count(diskmap.Busy))
	assert.Zero(t, rec.count(diskmap.Fragmented))
	assert.Equal(t, 1, rec.resyncs)

	summary := rec.slot(SlotSummary)
	require.Len(t, summary, 1)
	assert.Contains(t, summary[0].Message, "finished: 2 of 2")
	require.NotEmpty(t, rec.progress)
	last := rec.progress[len(rec.progress)-1]
	assert.Equal(t, 8.0, last.Done)
	assert.Equal(t, 8.0, last.Total)
}

func TestEngineSessionStateErrors(t *testing.T) {
	vol := smallVolume(t, volume.MemoryOptions{MoveDelay: 100 * time.Millisecond})
	e := newTestEngine(t, vol, Options{})

	assert.ErrorIs(t, e.Stop(time.Second), ErrNotRunning)
	assert.ErrorIs(t, e.Pause(), ErrNotRunning)
	assert.ErrorIs(t, e.Continue(), ErrNotRunning)
	_, err := e.GetAllFilteredClusters()
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, e.Start("test"))
	assert.ErrorIs(t, e.Start("test"), ErrAlreadyRunning)
	assert.NotEqual(t, Idle, e.State())

	require.NoError(t, e.Stop(5*time.Second))
	assert.Equal(t, Idle, e.State())
	assert.ErrorIs(t, e.Stop(time.Second), ErrNotRunning)
}

func TestEngineStartOpenError(t *testing.T) {
	e := New(Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Open: func(ctx context.Context, target string) (volume.Backend, error) {
			return nil, volume.ErrIO
		},
	})
	assert.ErrorIs(t, e.Start("missing"), volume.ErrIO)
	assert.Equal(t, Idle, e.State())
}

func TestStopWaitsForMoveInFlight(t *testing.T) {
	vol := smallVolume(t, volume.MemoryOptions{MoveDelay: 200 * time.Millisecond})
	e := newTestEngine(t, vol, Options{})
	rec := newRecorder()
	e.Subscribe(rec.observe)

	require.NoError(t, e.Start("test"))
	rec.waitBusy(t)

	require.NoError(t, e.Stop(5*time.Second))
	assert.Equal(t, Idle, e.State())
	assert.GreaterOrEqual(t, vol.Moves(), int64(1))

	res, ok := e.Result()
	require.True(t, ok)
	assert.True(t, res.Stopped)
	assert.False(t, res.Forced)
	assert.Zero(t, res.Stats.ByState[diskmap.Busy])
	assert.Zero(t, rec.count(diskmap.Busy))
	require.Len(t, rec.slot(SlotSummary), 1)
	assert.Contains(t, rec.slot(SlotSummary)[0].Message, "stopped")
}

func TestStopForcedShutdown(t *testing.T) {
	vol := smallVolume(t, volume.MemoryOptions{MoveDelay: time.Minute})
	e := newTestEngine(t, vol, Options{})
	rec := newRecorder()
	e.Subscribe(rec.observe)

	require.NoError(t, e.Start("test"))
	rec.waitBusy(t)

	start := time.Now()
	err := e.Stop(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrForcedShutdown)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, Idle, e.State())
	assert.Zero(t, vol.Moves())

	res, ok := e.Result()
	require.True(t, ok)
	assert.True(t, res.Forced)
	assert.Zero(t, res.Stats.ByState[diskmap.Busy])
	assert.Zero(t, rec.count(diskmap.Busy))

	// the source run in flight is fragmented again, the unwritten
	// destination gap is free
	assert.Equal(t, uint64(8), res.Stats.ByState[diskmap.Fragmented])
	assert.Equal(t, repeat(diskmap.Fragmented, 2), rec.states(100, 102))
	assert.Equal(t, repeat(diskmap.Empty, 4), rec.states(72, 76))

	warnings := rec.slot(SlotWarning)
	require.NotEmpty(t, warnings)
	assert.Equal(t, slog.LevelWarn, warnings[len(warnings)-1].Level)
	assert.Contains(t, warnings[len(warnings)-1].Message, "forced shutdown")

	// a new session can start once the old one is abandoned
	require.NoError(t, e.Start("again"))
}

func TestForcedShutdownWhilePaused(t *testing.T) {
	vol := smallVolume(t, volume.MemoryOptions{MoveDelay: time.Minute})
	e := newTestEngine(t, vol, Options{})
	rec := newRecorder()
	e.Subscribe(rec.observe)

	require.NoError(t, e.Start("test"))
	rec.waitBusy(t)
	require.NoError(t, e.Pause())

	assert.ErrorIs(t, e.Stop(50*time.Millisecond), ErrForcedShutdown)
	assert.Equal(t, Idle, e.State())
	assert.False(t, e.Paused())

	warnings := rec.slot(SlotWarning)
	require.NotEmpty(t, warnings)
	assert.Equal(t, slog.LevelWarn, warnings[len(warnings)-1].Level)
	assert.Contains(t, warnings[len(warnings)-1].Message, "forced shutdown")
	summary := rec.slot(SlotSummary)
	require.Len(t, summary, 1)
	assert.Contains(t, summary[0].Message, "aborted")

	// delivery resumed with a full view taken after the sweep
	assert.Equal(t, 2, rec.resyncs)
	assert.Zero(t, rec.count(diskmap.Busy))
	assert.Equal(t, repeat(diskmap.Empty, 4), rec.states(72, 76))
}

func TestSessionFinishingWhilePaused(t *testing.T) {
	vol := smallVolume(t, volume.MemoryOptions{MoveDelay: 50 * time.Millisecond})
	e := newTestEngine(t, vol, Options{})
	rec := newRecorder()
	e.Subscribe(rec.observe)

	require.NoError(t, e.Start("test"))
	rec.waitBusy(t)
	require.NoError(t, e.Pause())

	res := waitSession(t, e)
	assert.Equal(t, int64(2), res.FilesDefragmented)
	summary := rec.slot(SlotSummary)
	require.Len(t, summary, 1)
	assert.Contains(t, summary[0].Message, "finished: 2 of 2")
	assert.Equal(t, 2, rec.resyncs)
	assert.Equal(t, repeat(diskmap.Unfragmented, 8), rec.states(72, 80))
}

func TestSweepPlan(t *testing.T) {
	tests := []struct {
		name     string
		reserved *span
		busy     span
		want     []sweep
	}{
		{
			name: "no reservation",
			busy: span{100, 101},
			want: []sweep{{span{100, 101}, diskmap.Fragmented}},
		},
		{
			name:     "disjoint",
			reserved: &span{72, 75},
			busy:     span{100, 101},
			want:     []sweep{{span{100, 101}, diskmap.Fragmented}},
		},
		{
			name:     "reservation only",
			reserved: &span{72, 75},
			busy:     span{72, 75},
			want:     []sweep{{span{72, 75}, diskmap.Empty}},
		},
		{
			name:     "source adjacent before",
			reserved: &span{72, 75},
			busy:     span{70, 75},
			want: []sweep{
				{span{70, 71}, diskmap.Fragmented},
				{span{72, 75}, diskmap.Empty},
			},
		},
		{
			name:     "source adjacent after",
			reserved: &span{74, 75},
			busy:     span{74, 77},
			want: []sweep{
				{span{74, 75}, diskmap.Empty},
				{span{76, 77}, diskmap.Fragmented},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &session{reserved: tt.reserved}
			assert.Equal(t, tt.want, s.sweepPlan(tt.busy))
		})
	}
}

func TestStartDoesNotBlockDuringOpen(t *testing.T) {
	vol := smallVolume(t, volume.MemoryOptions{})
	release := make(chan struct{})
	opening := make(chan struct{})
	e := New(Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Open: func(ctx context.Context, target string) (volume.Backend, error) {
			close(opening)
			<-release
			return vol, nil
		},
		NumFilteredClusters: testClusters,
		RetryBase:           time.Millisecond,
	})
	t.Cleanup(func() { e.Close() })

	started := make(chan error, 1)
	go func() { started <- e.Start("slow") }()
	<-opening

	statusDone := make(chan Status, 1)
	go func() { statusDone <- e.Status() }()
	select {
	case st := <-statusDone:
		assert.Equal(t, Idle, st.State)
	case <-time.After(time.Second):
		t.Fatal("Status blocked while the volume was opening")
	}
	assert.ErrorIs(t, e.Start("other"), ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-started)
	waitSession(t, e)
}

func TestStartAfterClose(t *testing.T) {
	vol := smallVolume(t, volume.MemoryOptions{})
	e := newTestEngine(t, vol, Options{})
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Start("test"), errEngineClosed)
}

func TestMoveFailureLeavesSourceFragmented(t *testing.T) {
	vol := smallVolume(t, volume.MemoryOptions{
		FailMove: func(from, to, length uint64) bool { return from == 100 },
	})
	e := newTestEngine(t, vol, Options{})
	rec := newRecorder()
	e.Subscribe(rec.observe)

	require.NoError(t, e.Start("test"))
	res := waitSession(t, e)

	assert.Equal(t, int64(1), res.MoveFailures)
	assert.Equal(t, int64(1), res.FilesDefragmented)
	assert.Zero(t, res.Stats.ByState[diskmap.Busy])
	assert.Equal(t, uint64(4), res.Stats.ByState[diskmap.Fragmented])

	// a stays where it was, b took the gap a could not use
	assert.Equal(t, repeat(diskmap.Fragmented, 2), rec.states(100, 102))
	assert.Equal(t, repeat(diskmap.Fragmented, 2), rec.states(110, 112))
	assert.Equal(t, repeat(diskmap.Unfragmented, 4), rec.states(72, 76))
	assert.Equal(t, byte(17), vol.Cluster(72)[0])
	require.NotEmpty(t, rec.slot(SlotError))
	assert.Equal(t, slog.LevelError, rec.slot(SlotError)[0].Level)
}

func TestPauseContinueResyncs(t *testing.T) {
	vol := smallVolume(t, volume.MemoryOptions{MoveDelay: 100 * time.Millisecond})
	e := newTestEngine(t, vol, Options{})
	rec := newRecorder()
	e.Subscribe(rec.observe)

	require.NoError(t, e.Start("test"))
	rec.waitBusy(t)

	require.NoError(t, e.Pause())
	assert.True(t, e.Paused())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, e.Continue())
	assert.False(t, e.Paused())

	res := waitSession(t, e)
	assert.Equal(t, int64(2), res.FilesDefragmented)

	// the final view matches an unpaused run
	assert.Equal(t, 2, rec.resyncs)
	assert.Equal(t, repeat(diskmap.Unfragmented, 8), rec.states(72, 80))
	assert.Zero(t, rec.count(diskmap.Busy))
	assert.Zero(t, rec.count(diskmap.Fragmented))
}

func TestSetNumFilteredClusters(t *testing.T) {
	vol := smallVolume(t, volume.MemoryOptions{MoveDelay: 100 * time.Millisecond})
	e := newTestEngine(t, vol, Options{NumFilteredClusters: 64})
	rec := newRecorder()
	e.Subscribe(rec.observe)

	assert.Equal(t, 64, e.NumFilteredClusters())
	assert.Equal(t, 32, e.SetNumFilteredClusters(32))

	require.NoError(t, e.Start("test"))
	rec.waitBusy(t)

	// the map clamps to one bucket per cluster
	assert.Equal(t, testClusters, e.SetNumFilteredClusters(10000))
	all, err := e.GetAllFilteredClusters()
	require.NoError(t, err)
	assert.Len(t, all, testClusters)

	part, err := e.GetFilteredClusters(8, 9)
	require.NoError(t, err)
	assert.Equal(t, []diskmap.Bucket{{Index: 8, State: diskmap.Mft}, {Index: 9, State: diskmap.Mft}}, part)

	res := waitSession(t, e)
	assert.Equal(t, int64(2), res.FilesDefragmented)
	assert.Equal(t, 2, rec.resyncs)
	assert.Len(t, rec.states(0, testClusters), testClusters)
}

func TestAnalyzeOnly(t *testing.T) {
	vol := smallVolume(t, volume.MemoryOptions{})
	e := newTestEngine(t, vol, Options{AnalyzeOnly: true})
	rec := newRecorder()
	e.Subscribe(rec.observe)

	require.NoError(t, e.Start("test"))
	res := waitSession(t, e)
	assert.Equal(t, int64(2), res.FilesFragmented)
	assert.Zero(t, res.FilesDefragmented)
	assert.Zero(t, vol.Moves())
	assert.Equal(t, uint64(8), res.Stats.ByState[diskmap.Fragmented])
	assert.Equal(t, repeat(diskmap.Fragmented, 2), rec.states(100, 102))
}

func TestEngineSkipsMalformedRecords(t *testing.T) {
	b := ntfstest.New(ntfstest.Options{Clusters: testClusters})
	b.AddFile(ntfstest.File{Name: "bad", Malformed: true, Runs: []ntfs.Run{{LCN: 100, Length: 2}}})
	b.AddFile(ntfstest.File{Name: "good", Runs: []ntfs.Run{{LCN: 200, Length: 1}, {LCN: 210, Length: 1}}})
	img, err := b.Build()
	require.NoError(t, err)
	vol, err := volume.NewMemory(img, volume.MemoryOptions{})
	require.NoError(t, err)

	e := newTestEngine(t, vol, Options{})
	rec := newRecorder()
	e.Subscribe(rec.observe)
	require.NoError(t, e.Start("test"))
	res := waitSession(t, e)

	assert.Empty(t, res.Error)
	assert.Equal(t, int64(1), res.MalformedRecords)
	assert.Equal(t, int64(1), res.FilesDefragmented)
	warnings := rec.slot(SlotWarning)
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0].Message, "record 16")
}

func TestEngineSkipsFilesPastVolumeEnd(t *testing.T) {
	b := ntfstest.New(ntfstest.Options{Clusters: testClusters})
	b.AddFile(ntfstest.File{Name: "a", Runs: []ntfs.Run{{LCN: 100, Length: 2}, {LCN: 110, Length: 2}}})
	b.AddFile(ntfstest.File{Name: "far", Runs: []ntfs.Run{{LCN: 400, Length: 2}, {LCN: 410, Length: 2}}})
	img, err := b.Build()
	require.NoError(t, err)

	// shrink the volume to 300 clusters so "far" points past its end
	spc := uint64(img[0x0d])
	binary.LittleEndian.PutUint64(img[0x28:], 300*spc)
	vol, err := volume.NewMemory(img, volume.MemoryOptions{})
	require.NoError(t, err)

	e := newTestEngine(t, vol, Options{NumFilteredClusters: 300})
	rec := newRecorder()
	e.Subscribe(rec.observe)
	require.NoError(t, e.Start("test"))
	res := waitSession(t, e)

	assert.Empty(t, res.Error)
	assert.Equal(t, int64(1), res.MalformedRecords)
	assert.Equal(t, int64(1), res.FilesFragmented)
	assert.Equal(t, int64(1), res.FilesDefragmented)
	assert.Equal(t, uint64(300), res.Stats.TotalClusters)
	assert.Zero(t, res.Stats.ByState[diskmap.Fragmented])

	warnings := rec.slot(SlotWarning)
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0].Message, "record 17")
	assert.Contains(t, warnings[0].Message, "outside a volume of 300 clusters")
}

func TestUnsubscribe(t *testing.T) {
	vol := smallVolume(t, volume.MemoryOptions{})
	e := newTestEngine(t, vol, Options{})
	rec := newRecorder()
	unsubscribe := e.Subscribe(rec.observe)
	unsubscribe()
	unsubscribe()

	require.NoError(t, e.Start("test"))
	waitSession(t, e)
	assert.Zero(t, rec.resyncs)
	assert.Empty(t, rec.logs)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "defragmenting", Defragmenting.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.Equal(t, "summary", SlotName(SlotSummary))
	assert.Equal(t, "slot9", SlotName(9))
}

func TestCurrentAndResync(t *testing.T) {
	vol := smallVolume(t, volume.MemoryOptions{MoveDelay: 100 * time.Millisecond})
	e := newTestEngine(t, vol, Options{})
	rec := newRecorder()
	e.Subscribe(rec.observe)

	_, ok := e.Current()
	assert.False(t, ok)
	assert.ErrorIs(t, e.Resync(), ErrNotRunning)

	require.NoError(t, e.Start("test"))
	h, ok := e.Current()
	require.True(t, ok)
	assert.Equal(t, "test", h.Target())
	assert.Nil(t, h.Result())

	rec.waitBusy(t)
	require.NoError(t, e.Resync())
	assert.Equal(t, h.ID(), e.Status().ID)

	<-h.Done()
	res := h.Result()
	require.NotNil(t, res)
	assert.Equal(t, h.ID(), res.ID)
	assert.Equal(t, 2, rec.resyncs)
	assert.Equal(t, repeat(diskmap.Unfragmented, 8), rec.states(72, 80))
}
