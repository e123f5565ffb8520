// Package volume provides the raw device access the defragmenter needs:
// reading metadata regions and relocating cluster ranges.
package volume

import (
	"context"
	"errors"
	"fmt"

	"github.com/elee1766/godefrag/pkg/ntfs"
)

var (
	// ErrIO wraps every device level failure.
	ErrIO = errors.New("volume i/o error")
	// ErrReadOnly is returned by moves on a backend opened without write access.
	ErrReadOnly = errors.New("volume is read-only")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("volume closed")
)

// Backend is a volume the engine can scan and defragment. MoveClusterRange
// is atomic from the caller's point of view: either the whole range is
// relocated or the call fails and the volume is unchanged.
type Backend interface {
	// ReadMetadataRegion reads length bytes at byte offset.
	ReadMetadataRegion(ctx context.Context, offset, length uint64) ([]byte, error)
	// MoveClusterRange copies length clusters from cluster from to cluster to.
	MoveClusterRange(ctx context.Context, from, to, length uint64) error
	// ClusterSize is the allocation unit in bytes.
	ClusterSize() uint64
	// Size is the volume size in bytes.
	Size() uint64
	Close() error
}

// clusterSizeOf reads the cluster size from an NTFS boot sector.
func clusterSizeOf(boot []byte) (uint64, error) {
	bs, err := ntfs.ParseBootSector(boot)
	if err != nil {
		return 0, err
	}
	return bs.ClusterSize(), nil
}

// checkRead validates a byte range against the volume size.
func checkRead(offset, length, size uint64) error {
	if length == 0 {
		return nil
	}
	if offset >= size || length > size-offset {
		return fmt.Errorf("%w: read of %d bytes at %d past end of %d byte volume", ErrIO, length, offset, size)
	}
	return nil
}

// checkMove validates a cluster move.
func checkMove(from, to, length, clusters uint64) error {
	switch {
	case length == 0:
		return fmt.Errorf("%w: zero length move", ErrIO)
	case from >= clusters || length > clusters-from:
		return fmt.Errorf("%w: source clusters %d+%d past end of %d", ErrIO, from, length, clusters)
	case to >= clusters || length > clusters-to:
		return fmt.Errorf("%w: destination clusters %d+%d past end of %d", ErrIO, to, length, clusters)
	case from < to+length && to < from+length:
		return fmt.Errorf("%w: source %d+%d overlaps destination %d", ErrIO, from, length, to)
	}
	return nil
}
