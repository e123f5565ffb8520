package defrag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/elee1766/godefrag/pkg/diskmap"
	"github.com/elee1766/godefrag/pkg/ntfs"
	"github.com/elee1766/godefrag/pkg/volume"
)

// recordsPerRead bounds how many MFT records are fetched per backend read.
const recordsPerRead = 64

// File is one file found on the volume. Runs are the on-disk extents of
// its unnamed $DATA stream in VCN order, sparse runs removed.
type File struct {
	Record     uint64
	Name       string
	Runs       []ntfs.Run
	Clusters   uint64
	Fragments  int
	Compressed bool
	System     bool
	State      diskmap.State

	// other holds clusters of additional non-resident attributes.
	other []ntfs.Run
}

// Movable reports whether the defragmentation pass may relocate f.
func (f *File) Movable() bool {
	return !f.System && !f.Compressed && f.State == diskmap.Fragmented && f.Clusters > 0
}

// Analysis is the outcome of a metadata scan.
type Analysis struct {
	Boot      *ntfs.BootSector
	MFTRuns   []ntfs.Run
	Records   uint64
	Malformed int
	Files     []*File
}

// Fragmented returns movable fragmented files ordered by first cluster.
func (a *Analysis) Fragmented() []*File {
	var out []*File
	for _, f := range a.Files {
		if f.Movable() {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Runs[0].LCN < out[j].Runs[0].LCN })
	return out
}

// Populate writes the scan through set: $MFT data as Mft, metadata files as
// Unmovable, user files by their classification and the clusters of any
// other non-resident attribute as Allocated. Ranges are inclusive.
func (a *Analysis) Populate(set func(begin, end uint64, state diskmap.State) error) error {
	apply := func(runs []ntfs.Run, state diskmap.State) error {
		for _, r := range runs {
			if r.Sparse || r.Length == 0 {
				continue
			}
			if err := set(r.LCN, r.End()-1, state); err != nil {
				return err
			}
		}
		return nil
	}
	for _, f := range a.Files {
		if err := apply(f.Runs, f.State); err != nil {
			return fmt.Errorf("record %d: %w", f.Record, err)
		}
		other := diskmap.Allocated
		if f.System {
			other = diskmap.Unmovable
		}
		if err := apply(f.other, other); err != nil {
			return fmt.Errorf("record %d: %w", f.Record, err)
		}
	}
	if err := apply(a.MFTRuns, diskmap.Mft); err != nil {
		return fmt.Errorf("$MFT: %w", err)
	}
	return nil
}

// Apply populates m directly, without notifications.
func (a *Analysis) Apply(m *diskmap.Map) error {
	return a.Populate(func(begin, end uint64, state diskmap.State) error {
		_, err := m.SetState(begin, end, state, false)
		return err
	})
}

// ScanOptions tune a Scanner.
type ScanOptions struct {
	// SpaceHogBytes is the size above which a contiguous file is a SpaceHog.
	// Zero disables the class.
	SpaceHogBytes uint64
	// ReadRetries is how many times a failed read is retried.
	ReadRetries uint64
	// RetryBase is the first backoff delay; it doubles per retry.
	RetryBase time.Duration

	// Progress is called after each batch of records.
	Progress func(done, total uint64)
	// Malformed is called for every record that failed to parse.
	Malformed func(record uint64, err error)
	// Checkpoint is called between batches; a non-nil error ends the scan.
	Checkpoint func() error
}

// Scanner reads NTFS metadata through a volume backend.
type Scanner struct {
	backend volume.Backend
	logger  *slog.Logger
	opts    ScanOptions
}

func NewScanner(backend volume.Backend, logger *slog.Logger, opts ScanOptions) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 50 * time.Millisecond
	}
	return &Scanner{
		backend: backend,
		logger:  logger.With("component", "scanner"),
		opts:    opts,
	}
}

// read fetches a region, retrying device errors with exponential backoff.
func (sc *Scanner) read(ctx context.Context, offset, length uint64) ([]byte, error) {
	var out []byte
	attempt := 0
	backoff := retry.WithMaxRetries(sc.opts.ReadRetries, retry.NewExponential(sc.opts.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		b, err := sc.backend.ReadMetadataRegion(ctx, offset, length)
		if err != nil {
			if errors.Is(err, volume.ErrIO) {
				sc.logger.Debug("read failed", "offset", offset, "length", length, "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// ReadBootSector reads and parses the boot sector.
func (sc *Scanner) ReadBootSector(ctx context.Context) (*ntfs.BootSector, error) {
	data, err := sc.read(ctx, 0, ntfs.BootSectorSize)
	if err != nil {
		return nil, fmt.Errorf("read boot sector: %w", err)
	}
	return ntfs.ParseBootSector(data)
}

// Scan walks the whole MFT. Malformed records are reported and skipped.
func (sc *Scanner) Scan(ctx context.Context) (*Analysis, error) {
	boot, err := sc.ReadBootSector(ctx)
	if err != nil {
		return nil, err
	}
	return sc.ScanMFT(ctx, boot)
}

// ScanMFT walks the MFT of a volume whose boot sector is already known.
func (sc *Scanner) ScanMFT(ctx context.Context, boot *ntfs.BootSector) (*Analysis, error) {
	recSize := uint64(boot.RecordSize())
	sectorSize := int(boot.BytesPerSector)

	first, err := sc.read(ctx, boot.MFTOffset(), recSize)
	if err != nil {
		return nil, fmt.Errorf("read $MFT record: %w", err)
	}
	mftRec, err := ntfs.ParseFileRecord(first, sectorSize)
	if err != nil {
		return nil, fmt.Errorf("parse $MFT record: %w", err)
	}
	mftData := dataExtents(mftRec)
	if len(mftData) == 0 || mftData[0].StartingVCN != 0 {
		return nil, fmt.Errorf("%w: $MFT has no non-resident $DATA", ntfs.ErrMalformedRecord)
	}

	a := &Analysis{
		Boot:    boot,
		MFTRuns: flatten(mftData),
		Records: mftData[0].DataSize / recSize,
	}
	sc.logger.Info("scanning mft",
		"records", a.Records,
		"cluster_size", boot.ClusterSize(),
		"clusters", boot.TotalClusters(),
		"mft_fragments", ntfs.Fragments(a.MFTRuns)+1,
	)

	for _, r := range a.MFTRuns {
		if !r.Within(boot.TotalClusters()) {
			return nil, fmt.Errorf("%w: $MFT run %d+%d outside a volume of %d clusters",
				ntfs.ErrMalformedRecord, r.LCN, r.Length, boot.TotalClusters())
		}
	}

	mft := &mftStream{runs: a.MFTRuns, clusterSize: boot.ClusterSize()}
	c := newCollector(boot.ClusterSize(), boot.TotalClusters(), sc.opts.SpaceHogBytes)

	for start := uint64(0); start < a.Records; start += recordsPerRead {
		if sc.opts.Checkpoint != nil {
			if err := sc.opts.Checkpoint(); err != nil {
				return nil, err
			}
		}
		count := min(uint64(recordsPerRead), a.Records-start)
		buf, err := mft.read(ctx, sc, start*recSize, count*recSize)
		if err != nil {
			return nil, fmt.Errorf("read mft records %d-%d: %w", start, start+count-1, err)
		}
		for i := uint64(0); i < count; i++ {
			num := start + i
			rec, err := ntfs.ParseFileRecord(buf[i*recSize:(i+1)*recSize], sectorSize)
			switch {
			case errors.Is(err, ntfs.ErrUnusedRecord):
				continue
			case err != nil:
				a.Malformed++
				sc.logger.Debug("skipping malformed record", "record", num, "error", err)
				if sc.opts.Malformed != nil {
					sc.opts.Malformed(num, err)
				}
				continue
			case !rec.InUse():
				continue
			}
			c.add(num, rec)
		}
		if sc.opts.Progress != nil {
			sc.opts.Progress(start+count, a.Records)
		}
	}

	var rejected []rejectedFile
	a.Files, rejected = c.files()
	for _, r := range rejected {
		a.Malformed++
		sc.logger.Debug("skipping file with runs outside the volume", "record", r.record, "error", r.err)
		if sc.opts.Malformed != nil {
			sc.opts.Malformed(r.record, r.err)
		}
	}
	return a, nil
}

// mftStream maps byte offsets in the $MFT data stream onto its runs.
type mftStream struct {
	runs        []ntfs.Run
	clusterSize uint64
}

func (m *mftStream) read(ctx context.Context, sc *Scanner, offset, length uint64) ([]byte, error) {
	out := make([]byte, 0, length)
	var vcnByte uint64
	for _, r := range m.runs {
		runBytes := r.Length * m.clusterSize
		if offset < vcnByte+runBytes && length > 0 {
			skip := offset - vcnByte
			n := min(runBytes-skip, length)
			b, err := sc.read(ctx, r.LCN*m.clusterSize+skip, n)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
			offset += n
			length -= n
		}
		vcnByte += runBytes
	}
	if length > 0 {
		return nil, fmt.Errorf("%w: $MFT data ends %d bytes short", ntfs.ErrMalformedRecord, length)
	}
	return out, nil
}

// dataExtents returns the non-resident unnamed $DATA extents of rec.
func dataExtents(rec *ntfs.FileRecord) []*ntfs.NonResidentAttribute {
	var out []*ntfs.NonResidentAttribute
	for _, attr := range rec.Find(ntfs.AttrData) {
		if attr.NonResident != nil && attr.Header.Name == "" {
			out = append(out, attr.NonResident)
		}
	}
	return out
}

// flatten joins extents in VCN order, dropping sparse runs.
func flatten(extents []*ntfs.NonResidentAttribute) []ntfs.Run {
	sort.Slice(extents, func(i, j int) bool { return extents[i].StartingVCN < extents[j].StartingVCN })
	var out []ntfs.Run
	for _, e := range extents {
		for _, r := range e.Runs {
			if !r.Sparse && r.Length > 0 {
				out = append(out, r)
			}
		}
	}
	return out
}

// collector groups base and extension records into files.
type collector struct {
	clusterSize uint64
	clusters    uint64
	spaceHog    uint64
	byRecord    map[uint64]*pending
	order       []uint64
}

type pending struct {
	file    *File
	extents []*ntfs.NonResidentAttribute
}

// rejectedFile is a file whose records parsed but whose runs cannot be
// placed on the volume.
type rejectedFile struct {
	record uint64
	err    error
}

func newCollector(clusterSize, clusters, spaceHog uint64) *collector {
	return &collector{
		clusterSize: clusterSize,
		clusters:    clusters,
		spaceHog:    spaceHog,
		byRecord:    make(map[uint64]*pending),
	}
}

func (c *collector) get(num uint64) *pending {
	p, ok := c.byRecord[num]
	if !ok {
		p = &pending{file: &File{Record: num}}
		c.byRecord[num] = p
		c.order = append(c.order, num)
	}
	return p
}

func (c *collector) add(num uint64, rec *ntfs.FileRecord) {
	base := num
	if rec.IsExtension() {
		base = rec.BaseRecord
	}
	p := c.get(base)
	if name := rec.FileName(); name != "" && p.file.Name == "" {
		p.file.Name = name
	}
	for _, attr := range rec.Attributes {
		nr := attr.NonResident
		if nr == nil {
			continue
		}
		if attr.Header.Type == ntfs.AttrData && attr.Header.Name == "" {
			p.extents = append(p.extents, nr)
			if attr.Header.IsCompressed() || attr.Header.IsEncrypted() {
				p.file.Compressed = true
			}
			continue
		}
		for _, r := range nr.Runs {
			if !r.Sparse && r.Length > 0 {
				p.file.other = append(p.file.other, r)
			}
		}
	}
}

// files classifies everything collected, in record order. Files with a run
// past the end of the volume are returned separately.
func (c *collector) files() ([]*File, []rejectedFile) {
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
	out := make([]*File, 0, len(c.order))
	var rejected []rejectedFile
	for _, num := range c.order {
		p := c.byRecord[num]
		f := p.file
		f.Runs = flatten(p.extents)
		if err := c.check(f.Runs, f.other); err != nil {
			rejected = append(rejected, rejectedFile{record: num, err: err})
			continue
		}
		f.Clusters = ntfs.TotalLength(f.Runs)
		f.Fragments = ntfs.Fragments(f.Runs)
		f.System = num < ntfs.FirstUserRecord
		f.State = c.classify(f)
		out = append(out, f)
	}
	return out, rejected
}

func (c *collector) check(lists ...[]ntfs.Run) error {
	for _, runs := range lists {
		for _, r := range runs {
			if !r.Within(c.clusters) {
				return fmt.Errorf("%w: run %d+%d outside a volume of %d clusters",
					ntfs.ErrMalformedAttribute, r.LCN, r.Length, c.clusters)
			}
		}
	}
	return nil
}

func (c *collector) classify(f *File) diskmap.State {
	switch {
	case f.Record == ntfs.RecordMFT:
		return diskmap.Mft
	case f.System:
		return diskmap.Unmovable
	case f.Fragments > 0:
		return diskmap.Fragmented
	case c.spaceHog > 0 && f.Clusters*c.clusterSize > c.spaceHog:
		return diskmap.SpaceHog
	}
	return diskmap.Unfragmented
}
