package volume

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/elee1766/godefrag/pkg/ntfs"
)

// copyChunk bounds the buffer used when copying clusters.
const copyChunk = 1 << 20

// ImageOptions control how an image or block device is opened.
type ImageOptions struct {
	// Writable allows MoveClusterRange. Writable images need a Journal.
	Writable bool
	Journal  *Journal
	Logger   *slog.Logger
}

// Image is a Backend over an NTFS image file or block device.
//
// Moves copy raw cluster contents only. Updating the run lists that point
// at those clusters is the job of the filesystem driver.
type Image struct {
	path        string
	logger      *slog.Logger
	writable    bool
	journal     *Journal
	clusterSize uint64
	size        uint64

	mu sync.Mutex
	f  *os.File
}

// OpenImage opens path, checks it holds an NTFS volume and, when writable,
// replays any moves left unfinished in the journal.
func OpenImage(path string, opts ImageOptions) (*Image, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Writable && opts.Journal == nil {
		return nil, errors.New("writable image requires a move journal")
	}

	flag := os.O_RDONLY
	if opts.Writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open volume: %w", err)
	}

	size, err := volumeSize(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("size volume: %w", err)
	}

	boot := make([]byte, ntfs.BootSectorSize)
	if _, err := f.ReadAt(boot, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read boot sector: %v", ErrIO, err)
	}
	cs, err := clusterSizeOf(boot)
	if err != nil {
		f.Close()
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	img := &Image{
		path:        abs,
		logger:      logger.With("component", "volume", "path", abs),
		writable:    opts.Writable,
		journal:     opts.Journal,
		clusterSize: cs,
		size:        size,
		f:           f,
	}

	if img.writable {
		if err := img.replay(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return img, nil
}

// volumeSize stats regular files and asks the kernel for block devices.
func volumeSize(f *os.File) (uint64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if fi.Mode()&os.ModeDevice != 0 {
		return blockDeviceSize(f)
	}
	return uint64(fi.Size()), nil
}

func (img *Image) ClusterSize() uint64 { return img.clusterSize }
func (img *Image) Size() uint64        { return img.size }
func (img *Image) Writable() bool      { return img.writable }

func (img *Image) ReadMetadataRegion(ctx context.Context, offset, length uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkRead(offset, length, img.size); err != nil {
		return nil, err
	}

	img.mu.Lock()
	defer img.mu.Unlock()
	if img.f == nil {
		return nil, ErrClosed
	}
	buf := make([]byte, length)
	if _, err := img.f.ReadAt(buf, int64(offset)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read %d bytes at %d: %v", ErrIO, length, offset, err)
	}
	return buf, nil
}

// MoveClusterRange records an intent, copies the clusters, syncs, and
// commits. A crash in between leaves the intent for replay on next open.
func (img *Image) MoveClusterRange(ctx context.Context, from, to, length uint64) error {
	if !img.writable {
		return fmt.Errorf("%w: %w", ErrIO, ErrReadOnly)
	}
	if err := checkMove(from, to, length, img.size/img.clusterSize); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	img.mu.Lock()
	defer img.mu.Unlock()
	if img.f == nil {
		return ErrClosed
	}

	seq, err := img.journal.Begin(img.path, from, to, length)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := img.copyClusters(from, to, length); err != nil {
		// the source is untouched, so dropping the intent leaves the volume consistent
		if cerr := img.journal.Commit(img.path, seq); cerr != nil {
			img.logger.Error("failed to drop move intent", "seq", seq, "error", cerr)
		}
		return err
	}
	return img.journal.Commit(img.path, seq)
}

// copyClusters copies and fsyncs. The caller holds img.mu.
func (img *Image) copyClusters(from, to, length uint64) error {
	cs := img.clusterSize
	total := length * cs
	buf := make([]byte, min(total, copyChunk))
	for done := uint64(0); done < total; {
		n := min(uint64(len(buf)), total-done)
		if _, err := img.f.ReadAt(buf[:n], int64(from*cs+done)); err != nil {
			return fmt.Errorf("%w: read clusters at %d: %v", ErrIO, from, err)
		}
		if _, err := img.f.WriteAt(buf[:n], int64(to*cs+done)); err != nil {
			return fmt.Errorf("%w: write clusters at %d: %v", ErrIO, to, err)
		}
		done += n
	}
	if err := img.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

// replay finishes moves a previous process started. Sources are never
// written by a move, so copying again is safe.
func (img *Image) replay() error {
	pending, err := img.journal.Pending(img.path)
	if err != nil {
		return fmt.Errorf("read move journal: %w", err)
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	for _, in := range pending {
		img.logger.Warn("replaying unfinished move", "seq", in.Seq, "from", in.From, "to", in.To, "length", in.Length)
		if err := checkMove(in.From, in.To, in.Length, img.size/img.clusterSize); err != nil {
			img.logger.Error("dropping invalid move intent", "seq", in.Seq, "error", err)
		} else if err := img.copyClusters(in.From, in.To, in.Length); err != nil {
			return fmt.Errorf("replay move %d: %w", in.Seq, err)
		}
		if err := img.journal.Commit(img.path, in.Seq); err != nil {
			return err
		}
	}
	return nil
}

func (img *Image) Close() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.f == nil {
		return nil
	}
	err := img.f.Close()
	img.f = nil
	return err
}
