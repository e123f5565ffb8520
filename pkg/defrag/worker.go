package defrag

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/elee1766/godefrag/pkg/diskmap"
	"github.com/elee1766/godefrag/pkg/ntfs"
	"github.com/elee1766/godefrag/pkg/volume"
)

var errNoSpace = errors.New("no free gap large enough")

// work is the worker goroutine.
func (e *Engine) work(s *session) {
	err := e.run(s)
	if cerr := s.backend.Close(); cerr != nil {
		s.logger.Warn("close volume", "error", cerr)
	}
	s.err = err
	close(s.workerDone)

	// a stop request owns finalization
	if !s.stopReq.Load() {
		e.finalize(s, false, e.opts.StopTimeout)
	}
}

func (e *Engine) run(s *session) error {
	s.show(SlotTarget, slog.LevelInfo, "%s", s.target)
	s.show(SlotPhase, slog.LevelInfo, "scanning")

	sc := NewScanner(s.backend, s.logger, ScanOptions{
		SpaceHogBytes: e.opts.SpaceHogBytes,
		ReadRetries:   e.opts.ReadRetries,
		RetryBase:     e.opts.RetryBase,
		Progress: func(done, total uint64) {
			s.records.Store(done)
			s.showProgress(done, total)
		},
		Malformed: func(record uint64, err error) {
			s.malformed.Add(1)
			s.show(SlotWarning, slog.LevelWarn, "skipped record %d: %v", record, err)
		},
		Checkpoint: s.checkpoint,
	})

	boot, err := sc.ReadBootSector(s.ctx)
	if err != nil {
		return err
	}
	var opts []diskmap.Option
	if e.opts.Precedence != nil {
		opts = append(opts, diskmap.WithPrecedence(e.opts.Precedence))
	}
	if err := s.attach(boot.TotalClusters(), opts...); err != nil {
		return err
	}

	analysis, err := sc.ScanMFT(s.ctx, boot)
	if err != nil {
		return err
	}
	if err := analysis.Populate(s.setState); err != nil {
		return err
	}

	files := analysis.Fragmented()
	s.filesScanned.Store(int64(len(analysis.Files)))
	s.fragmented.Store(int64(len(files)))
	s.show(SlotCounters, slog.LevelInfo, "%d files, %d fragmented, %d malformed records",
		len(analysis.Files), len(files), analysis.Malformed)

	if e.opts.AnalyzeOnly {
		return nil
	}
	if err := s.checkpoint(); err != nil {
		return err
	}
	e.advance(s, Defragmenting)
	s.show(SlotPhase, slog.LevelInfo, "defragmenting")
	return s.defragment(files, analysis.Boot.ClusterSize())
}

// defragment moves each file into the first free gap that holds it whole.
func (s *session) defragment(files []*File, clusterSize uint64) error {
	var total, done uint64
	for _, f := range files {
		total += f.Clusters
	}
	s.showProgress(0, total)

	for i, f := range files {
		if err := s.checkpoint(); err != nil {
			return err
		}
		s.show(SlotFile, slog.LevelInfo, "%s (%d fragments, %s)",
			displayName(f), f.Fragments+1, humanize.IBytes(f.Clusters*clusterSize))

		err := s.relocate(f, &done, total)
		switch {
		case err == nil:
			s.defragmented.Add(1)
		case errors.Is(err, errNoSpace):
			s.skipped.Add(1)
			s.show(SlotWarning, slog.LevelWarn, "%s: %v for %d clusters", displayName(f), err, f.Clusters)
		case errors.Is(err, volume.ErrIO):
			s.moveFailures.Add(1)
			s.show(SlotError, slog.LevelError, "%s: %v", displayName(f), err)
		default:
			return err
		}
		s.show(SlotCounters, slog.LevelInfo, "%d of %d files, %d clusters moved",
			i+1, len(files), s.moved.Load())
	}
	return nil
}

// relocate moves f run by run into a reserved gap. Each run is one atomic
// backend move; stop requests are honoured only between runs.
func (s *session) relocate(f *File, done *uint64, total uint64) error {
	dest, ok, err := s.findFree(f.Clusters)
	if err != nil {
		return err
	}
	if !ok {
		return errNoSpace
	}
	last := dest + f.Clusters - 1
	if err := s.reserve(dest, last); err != nil {
		return err
	}
	defer s.release()

	pos := dest
	for i, r := range f.Runs {
		if i > 0 {
			if err := s.checkpoint(); err != nil {
				return s.unwind(f, i, dest, pos, last, err)
			}
		}
		if err := s.setState(r.LCN, r.End()-1, diskmap.Busy); err != nil {
			return err
		}
		if err := s.backend.MoveClusterRange(s.ctx, r.LCN, pos, r.Length); err != nil {
			// a failed move leaves the source in place
			if serr := s.setState(r.LCN, r.End()-1, diskmap.Fragmented); serr != nil {
				return serr
			}
			return s.unwind(f, i, dest, pos, last,
				fmt.Errorf("move clusters %d+%d to %d: %w", r.LCN, r.Length, pos, err))
		}
		if err := s.setState(r.LCN, r.End()-1, diskmap.Empty); err != nil {
			return err
		}
		if err := s.setState(pos, pos+r.Length-1, diskmap.Allocated); err != nil {
			return err
		}
		pos += r.Length
		*done += r.Length
		s.moved.Add(r.Length)
		s.showProgress(*done, total)
	}

	if err := s.setState(dest, last, diskmap.Unfragmented); err != nil {
		return err
	}
	f.Runs = []ntfs.Run{{LCN: dest, Length: f.Clusters}}
	f.Fragments = 0
	f.State = diskmap.Unfragmented
	return nil
}

// unwind handles a file left part way through relocation: the moved prefix
// is one more fragment, the unused reservation is released.
func (s *session) unwind(f *File, next int, dest, pos, last uint64, cause error) error {
	if pos > dest {
		if err := s.setState(dest, pos-1, diskmap.Fragmented); err != nil {
			return err
		}
		f.Runs = append([]ntfs.Run{{LCN: dest, Length: pos - dest}}, f.Runs[next:]...)
		f.Fragments = ntfs.Fragments(f.Runs)
	}
	if pos <= last {
		if err := s.setState(pos, last, diskmap.Empty); err != nil {
			return err
		}
	}
	return cause
}

func displayName(f *File) string {
	if f.Name == "" {
		return fmt.Sprintf("record %d", f.Record)
	}
	return f.Name
}
