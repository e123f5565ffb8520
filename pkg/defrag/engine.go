package defrag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/elee1766/godefrag/pkg/diskmap"
	"github.com/elee1766/godefrag/pkg/events"
	"github.com/elee1766/godefrag/pkg/volume"
)

// drainGrace is the least time the dispatcher gets to deliver the final
// events of a session, even when the stop timeout is already spent.
const drainGrace = 100 * time.Millisecond

// Options configure an Engine.
type Options struct {
	Logger *slog.Logger
	// Open turns a Start target into a volume backend.
	Open volume.Opener

	NumFilteredClusters int
	// StopTimeout bounds Close and the final event drain of a session that
	// ends on its own.
	StopTimeout time.Duration
	// Precedence overrides diskmap.DefaultPrecedence.
	Precedence diskmap.Precedence

	SpaceHogBytes uint64
	ReadRetries   uint64
	RetryBase     time.Duration

	// AnalyzeOnly ends sessions after the scan.
	AnalyzeOnly bool
}

// Result summarizes a finished session.
type Result struct {
	ID                string        `json:"id"`
	Target            string        `json:"target"`
	Started           time.Time     `json:"started"`
	Finished          time.Time     `json:"finished"`
	Records           uint64        `json:"records"`
	FilesScanned      int64         `json:"files_scanned"`
	FilesFragmented   int64         `json:"files_fragmented"`
	FilesDefragmented int64         `json:"files_defragmented"`
	FilesSkipped      int64         `json:"files_skipped"`
	ClustersMoved     uint64        `json:"clusters_moved"`
	MoveFailures      int64         `json:"move_failures"`
	MalformedRecords  int64         `json:"malformed_records"`
	Stopped           bool          `json:"stopped"`
	Forced            bool          `json:"forced"`
	Error             string        `json:"error,omitempty"`
	Stats             diskmap.Stats `json:"-"`
}

// Duration returns how long the session ran.
func (r *Result) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// Status describes the engine at one instant.
type Status struct {
	State   State     `json:"state"`
	Paused  bool      `json:"paused"`
	ID      string    `json:"id,omitempty"`
	Target  string    `json:"target,omitempty"`
	Started time.Time `json:"started,omitempty"`
	Squares int       `json:"squares"`
}

// Engine runs one defragmentation session at a time. Scanning and moving
// happen on a worker goroutine; events reach observers through a
// per-session dispatcher.
type Engine struct {
	logger   *slog.Logger
	opts     Options
	registry *events.Registry

	mu      sync.Mutex
	state   State
	squares int
	session *session
	last    *Result
	// opening is set while Start waits on the volume opener.
	opening bool
	closed  bool
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.NumFilteredClusters < 1 {
		opts.NumFilteredClusters = 1
	}
	return &Engine{
		logger:   opts.Logger.With("component", "engine"),
		opts:     opts,
		registry: events.NewRegistry(),
		squares:  opts.NumFilteredClusters,
	}
}

// Subscribe registers obs for the events of this and later sessions.
func (e *Engine) Subscribe(obs events.Observer) func() {
	id := e.registry.Add(obs)
	var once sync.Once
	return func() {
		once.Do(func() { e.registry.Remove(id) })
	}
}

// Start opens target and begins scanning it. The engine lock is not held
// while the volume is opened; a second Start in that window gets
// ErrAlreadyRunning.
func (e *Engine) Start(target string) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return errEngineClosed
	case e.state != Idle || e.opening:
		e.mu.Unlock()
		return ErrAlreadyRunning
	case e.opts.Open == nil:
		e.mu.Unlock()
		return errors.New("engine has no volume opener")
	}
	e.opening = true
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	backend, err := e.opts.Open(ctx, target)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.opening = false
	if err != nil {
		cancel()
		return fmt.Errorf("open %s: %w", target, err)
	}
	if e.closed {
		cancel()
		if cerr := backend.Close(); cerr != nil {
			e.logger.Warn("close volume", "error", cerr)
		}
		return errEngineClosed
	}

	id := uuid.NewString()
	logger := e.logger.With("session", id)
	s := &session{
		id:         id,
		target:     target,
		started:    time.Now(),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		backend:    backend,
		dispatcher: events.NewDispatcher(logger, e.registry),
		squares:    e.squares,
		workerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	e.session = s
	e.state = Scanning
	logger.Info("session started", "target", target)

	s.dispatcher.Start()
	go e.work(s)
	return nil
}

// advance moves the state forward unless the session is stopping.
func (e *Engine) advance(s *session, to State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == s && e.state != Stopping && e.state != Idle {
		e.state = to
	}
}

// live returns the running session, or ErrNotRunning.
func (e *Engine) live() (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.state == Idle || e.state == Stopping {
		return nil, ErrNotRunning
	}
	return e.session, nil
}

// Pause holds back event delivery. The worker keeps going. It runs under
// e.mu so finalize, which resumes delivery, always sees the pause.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if s == nil || e.state == Idle || e.state == Stopping {
		return ErrNotRunning
	}
	s.dispatcher.Pause()
	s.logger.Debug("delivery paused")
	return nil
}

// Continue resumes delivery, starting with a full snapshot of the map.
func (e *Engine) Continue() error {
	s, err := e.live()
	if err != nil {
		return err
	}
	s.resume()
	s.logger.Debug("delivery resumed")
	return nil
}

// Resync resends the full filtered view to every observer, in order with
// the deltas already queued.
func (e *Engine) Resync() error {
	s, err := e.live()
	if err != nil {
		return err
	}
	s.resync()
	return nil
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Paused() bool {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	return s != nil && s.dispatcher.Paused()
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	s := e.session
	st := Status{State: e.state, Squares: e.squares}
	e.mu.Unlock()
	if s != nil {
		st.ID, st.Target, st.Started = s.id, s.target, s.started
		st.Paused = s.dispatcher.Paused()
		st.Squares = s.numSquares()
	}
	return st
}

// Stop asks the worker to finish its current move and exit. If it has not
// exited within timeout it is abandoned: Busy clusters are swept to
// Fragmented, the worker is fenced off and ErrForcedShutdown returned. The
// engine is Idle when Stop returns.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	s := e.session
	if s == nil || e.state == Idle || e.state == Stopping {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.state = Stopping
	e.mu.Unlock()

	deadline := time.Now().Add(timeout)
	s.stopReq.Store(true)
	s.show(SlotPhase, slog.LevelInfo, "stopping")

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	forced := false
	select {
	case <-s.workerDone:
	case <-timer.C:
		forced = true
	}

	e.finalize(s, forced, time.Until(deadline))
	<-s.done
	if s.result.Forced {
		return fmt.Errorf("%w: session %s did not stop within %s", ErrForcedShutdown, s.id, timeout)
	}
	return nil
}

// finalize ends s exactly once: it sweeps and fences the map, publishes the
// summary, drains the dispatcher and returns the engine to Idle.
func (e *Engine) finalize(s *session, forced bool, budget time.Duration) {
	s.once.Do(func() {
		e.mu.Lock()
		if e.session == s {
			e.state = Stopping
		}
		e.mu.Unlock()

		swept := s.fence()
		if forced {
			s.cancel()
			s.logger.Warn("worker did not stop in time, abandoning it", "swept_clusters", swept)
		}

		res := Result{
			ID:                s.id,
			Target:            s.target,
			Started:           s.started,
			Finished:          time.Now(),
			Records:           s.records.Load(),
			FilesScanned:      s.filesScanned.Load(),
			FilesFragmented:   s.fragmented.Load(),
			FilesDefragmented: s.defragmented.Load(),
			FilesSkipped:      s.skipped.Load(),
			ClustersMoved:     s.moved.Load(),
			MoveFailures:      s.moveFailures.Load(),
			MalformedRecords:  s.malformed.Load(),
			Stopped:           s.stopReq.Load(),
			Forced:            forced,
		}
		if !forced && s.err != nil && !errors.Is(s.err, errStopped) {
			res.Error = s.err.Error()
		}
		if m := s.currentMap(); m != nil {
			res.Stats = m.CalculateStats()
		}

		// final lines must reach observers even if delivery was paused
		d := s.dispatcher
		if d.Paused() {
			s.resume()
		}
		if forced {
			d.AddLogMessage(SlotWarning, slog.LevelWarn, fmt.Sprintf("%v: worker abandoned, %d busy clusters marked fragmented", ErrForcedShutdown, swept))
		}
		if res.Error != "" {
			d.AddLogMessage(SlotError, slog.LevelError, res.Error)
		}
		d.AddLogMessage(SlotSummary, slog.LevelInfo, summary(&res, s.clusterSize()))

		if err := d.Stop(max(budget, drainGrace)); err != nil {
			s.logger.Warn("event delivery abandoned", "error", err)
			res.Forced = true
		}

		s.logger.Info("session finished",
			"duration", res.Duration(),
			"defragmented", res.FilesDefragmented,
			"clusters_moved", res.ClustersMoved,
			"stopped", res.Stopped,
			"forced", res.Forced,
		)

		e.mu.Lock()
		if e.session == s {
			e.session = nil
			e.state = Idle
		}
		e.last = &res
		e.mu.Unlock()

		s.result = &res
		close(s.done)
	})
}

func summary(r *Result, clusterSize uint64) string {
	verb := "finished"
	switch {
	case r.Forced:
		verb = "aborted"
	case r.Stopped:
		verb = "stopped"
	case r.Error != "":
		verb = "failed"
	}
	return fmt.Sprintf("%s: %d of %d fragmented files defragmented, %s moved, %d failures",
		verb, r.FilesDefragmented, r.FilesFragmented, humanize.IBytes(r.ClustersMoved*clusterSize), r.MoveFailures)
}

// Wait blocks until the current session, if any, has finished.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session is a handle on one session that stays valid after it ends.
type Session struct {
	s *session
}

func (h Session) ID() string         { return h.s.id }
func (h Session) Target() string     { return h.s.target }
func (h Session) Started() time.Time { return h.s.started }

// Done is closed once the session has finished and its events are drained.
func (h Session) Done() <-chan struct{} { return h.s.done }

// Result is nil until Done is closed.
func (h Session) Result() *Result {
	select {
	case <-h.s.done:
		return h.s.result
	default:
		return nil
	}
}

// Current returns a handle on the running session.
func (e *Engine) Current() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return Session{}, false
	}
	return Session{s: e.session}, true
}

// Result returns the outcome of the most recent finished session.
func (e *Engine) Result() (*Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.last != nil
}

// NumFilteredClusters returns the bucket count of the filtered view.
func (e *Engine) NumFilteredClusters() int {
	e.mu.Lock()
	s, n := e.session, e.squares
	e.mu.Unlock()
	if s != nil {
		return s.numSquares()
	}
	return n
}

// SetNumFilteredClusters changes the bucket count for this and later
// sessions. A live session resends its full view. It returns the count in
// effect, which the map may have clamped.
func (e *Engine) SetNumFilteredClusters(n int) int {
	n = max(n, 1)
	e.mu.Lock()
	e.squares = n
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return n
	}
	return s.setSquares(n)
}

func (e *Engine) liveMap() (*diskmap.Map, error) {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return nil, ErrNotRunning
	}
	m := s.currentMap()
	if m == nil {
		return nil, ErrNotRunning
	}
	return m, nil
}

// GetFilteredClusters returns buckets bucketBegin through bucketEnd of the
// live session's map.
func (e *Engine) GetFilteredClusters(bucketBegin, bucketEnd int) ([]diskmap.Bucket, error) {
	m, err := e.liveMap()
	if err != nil {
		return nil, err
	}
	return m.GetFilteredClusters(bucketBegin, bucketEnd)
}

func (e *Engine) GetAllFilteredClusters() ([]diskmap.Bucket, error) {
	m, err := e.liveMap()
	if err != nil {
		return nil, err
	}
	return m.GetAllFilteredClusters(), nil
}

// Stats returns statistics of the live map.
func (e *Engine) Stats() (diskmap.Stats, error) {
	m, err := e.liveMap()
	if err != nil {
		return diskmap.Stats{}, err
	}
	return m.CalculateStats(), nil
}

// Close stops a running session. Later calls to Start fail.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	err := e.Stop(e.opts.StopTimeout)
	if errors.Is(err, ErrNotRunning) {
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()
		// a session already stopping finishes on its own
		if s != nil {
			<-s.done
		}
		return nil
	}
	return err
}
