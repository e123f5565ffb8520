package events

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elee1766/godefrag/pkg/diskmap"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newStarted(t *testing.T) (*Dispatcher, *Registry) {
	t.Helper()
	reg := NewRegistry()
	d := NewDispatcher(quietLogger(), reg)
	d.Start()
	t.Cleanup(func() { _ = d.Stop(time.Second) })
	return d, reg
}

func TestDeliversInOrderToAllObservers(t *testing.T) {
	d, reg := newStarted(t)
	var a, b recorder
	reg.Add(a.observe)
	reg.Add(b.observe)

	for i := 0; i < 100; i++ {
		d.UpdateProgress(float64(i), 100)
	}
	require.Eventually(t, func() bool { return a.len() == 100 && b.len() == 100 }, time.Second, time.Millisecond)

	for i, e := range a.snapshot() {
		assert.Equal(t, float64(i), e.(ProgressEvent).Done)
	}
	assert.Equal(t, a.snapshot(), b.snapshot())
	assert.Equal(t, uint64(100), d.Delivered())
}

func TestObserverFailuresAreIsolated(t *testing.T) {
	d, reg := newStarted(t)
	reg.Add(func(Event) error { return errors.New("boom") })
	reg.Add(func(Event) error { panic("kaboom") })
	var good recorder
	reg.Add(good.observe)

	d.AddLogMessage(0, slog.LevelInfo, "one")
	d.AddLogMessage(1, slog.LevelWarn, "two")
	require.Eventually(t, func() bool { return good.len() == 2 }, time.Second, time.Millisecond)

	msgs := good.snapshot()
	assert.Equal(t, "one", msgs[0].(LogMessage).Message)
	assert.Equal(t, uint8(1), msgs[1].(LogMessage).Slot)
	assert.Equal(t, slog.LevelWarn, msgs[1].(LogMessage).Level)
}

func TestTypedObservers(t *testing.T) {
	d, reg := newStarted(t)
	var (
		mu       sync.Mutex
		logs     int
		clusters int
		progress int
	)
	reg.Add(LogObserver(func(LogMessage) error { mu.Lock(); logs++; mu.Unlock(); return nil }))
	reg.Add(ClustersObserver(func(ClustersEvent) error { mu.Lock(); clusters++; mu.Unlock(); return nil }))
	reg.Add(ProgressObserver(func(ProgressEvent) error { mu.Lock(); progress++; mu.Unlock(); return nil }))

	d.AddLogMessage(0, slog.LevelInfo, "x")
	d.AddFilteredClusters([]diskmap.Bucket{{Index: 0, State: diskmap.Busy}})
	d.AddFilteredClusters(nil)
	d.UpdateProgress(1, 2)
	d.UpdateProgress(2, 2)

	require.Eventually(t, func() bool { return d.Delivered() == 4 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, logs)
	assert.Equal(t, 1, clusters)
	assert.Equal(t, 2, progress)
}

func TestPauseBuffersAndContinueResyncs(t *testing.T) {
	d, reg := newStarted(t)
	var rec recorder
	reg.Add(rec.observe)

	d.Pause()
	assert.True(t, d.Paused())
	d.AddLogMessage(0, slog.LevelInfo, "first")
	d.AddFilteredClusters([]diskmap.Bucket{{Index: 1, State: diskmap.Busy}})
	d.AddLogMessage(0, slog.LevelInfo, "second")
	d.UpdateProgress(1, 4)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.len())
	assert.Equal(t, 4, d.Pending())

	full := []diskmap.Bucket{{Index: 0, State: diskmap.Empty}, {Index: 1, State: diskmap.Unfragmented}}
	d.Continue(func() []diskmap.Bucket { return full })

	require.Eventually(t, func() bool { return rec.len() == 4 }, time.Second, time.Millisecond)
	got := rec.snapshot()
	assert.Equal(t, ClustersEvent{Buckets: full, Resync: true}, got[0])
	assert.Equal(t, "first", got[1].(LogMessage).Message)
	assert.Equal(t, "second", got[2].(LogMessage).Message)
	assert.Equal(t, ProgressEvent{Done: 1, Total: 4}, got[3])
}

// view applies delivered cluster events the way a display would.
type view struct {
	mu      sync.Mutex
	squares []diskmap.State
	resyncs int
}

func (v *view) observe(e Event) error {
	c, ok := e.(ClustersEvent)
	if !ok {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if c.Resync {
		v.resyncs++
	}
	for _, b := range c.Buckets {
		v.squares[b.Index] = b.State
	}
	return nil
}

func (v *view) get() []diskmap.State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]diskmap.State(nil), v.squares...)
}

func TestPauseContinueMatchesUnpausedStream(t *testing.T) {
	m, err := diskmap.New(1024, 32)
	require.NoError(t, err)

	d, reg := newStarted(t)
	paused := &view{squares: make([]diskmap.State, 32)}
	reg.Add(paused.observe)

	step := func(i int) {
		b := uint64(i*37) % 1000
		change, err := m.SetState(b, b+20, diskmap.States()[i%8], true)
		require.NoError(t, err)
		buckets, err := m.GetFilteredClusters(change.FirstBucket, change.LastBucket)
		require.NoError(t, err)
		d.AddFilteredClusters(buckets)
	}

	for i := 0; i < 50; i++ {
		step(i)
	}
	d.Pause()
	for i := 50; i < 150; i++ {
		step(i)
	}
	d.Continue(m.GetAllFilteredClusters)
	for i := 150; i < 200; i++ {
		step(i)
	}

	want := make([]diskmap.State, 32)
	for _, b := range m.GetAllFilteredClusters() {
		want[b.Index] = b.State
	}
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Stop(time.Second))
	assert.Equal(t, want, paused.get())
	assert.Equal(t, 1, paused.resyncs)
}

func TestStopDrainsQueue(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(quietLogger(), reg)
	var rec recorder
	reg.Add(rec.observe)

	for i := 0; i < 500; i++ {
		d.UpdateProgress(float64(i), 500)
	}
	d.Start()
	require.NoError(t, d.Stop(time.Second))
	assert.Equal(t, 500, rec.len())

	// dropped once stopped
	d.UpdateProgress(1, 1)
	assert.Zero(t, d.Pending())
}

func TestStopWhilePausedDiscards(t *testing.T) {
	d, reg := newStarted(t)
	var rec recorder
	reg.Add(rec.observe)

	d.Pause()
	d.AddLogMessage(0, slog.LevelInfo, "never delivered")
	require.NoError(t, d.Stop(time.Second))
	assert.Zero(t, rec.len())
	<-d.Done()
}

func TestStopTimesOutOnStuckObserver(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(quietLogger(), reg)
	release := make(chan struct{})
	entered := make(chan struct{})
	reg.Add(func(Event) error {
		close(entered)
		<-release
		return nil
	})
	d.Start()
	d.AddLogMessage(0, slog.LevelInfo, "stuck")
	<-entered

	start := time.Now()
	err := d.Stop(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrStopTimeout)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatcher loop did not exit after observer returned")
	}
}

func TestStopWithoutStart(t *testing.T) {
	d := NewDispatcher(quietLogger(), NewRegistry())
	assert.NoError(t, d.Stop(time.Millisecond))
}

func TestUnsubscribe(t *testing.T) {
	d, reg := newStarted(t)
	var a, b recorder
	idA := reg.Add(a.observe)
	reg.Add(b.observe)

	d.UpdateProgress(1, 3)
	require.Eventually(t, func() bool { return a.len() == 1 && b.len() == 1 }, time.Second, time.Millisecond)

	assert.True(t, reg.Remove(idA))
	assert.False(t, reg.Remove(idA))
	d.UpdateProgress(2, 3)
	require.Eventually(t, func() bool { return b.len() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, a.len())
	assert.Equal(t, 1, reg.Len())
}

func TestProgressFraction(t *testing.T) {
	assert.Equal(t, 0.5, ProgressEvent{Done: 1, Total: 2}.Fraction())
	assert.Equal(t, 0.0, ProgressEvent{Done: 1, Total: 0}.Fraction())
	assert.Equal(t, 1.0, ProgressEvent{Done: 3, Total: 2}.Fraction())
}
