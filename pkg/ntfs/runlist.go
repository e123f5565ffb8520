package ntfs

import (
	"fmt"
)

// Run is one contiguous piece of an attribute's allocation.
type Run struct {
	// LCN is the first logical cluster of the run. It is always 0 for sparse runs.
	LCN uint64
	// Length is the number of clusters in the run.
	Length uint64
	// Sparse runs have a length but no clusters on disk.
	Sparse bool
}

// End returns the cluster just past the run.
func (r Run) End() uint64 {
	return r.LCN + r.Length
}

// Within reports whether r fits on a volume of the given cluster count.
// Sparse runs always fit.
func (r Run) Within(clusters uint64) bool {
	if r.Sparse {
		return true
	}
	return r.End() >= r.LCN && r.End() <= clusters
}

// TotalLength returns the number of clusters (sparse included) described by runs.
func TotalLength(runs []Run) uint64 {
	var total uint64
	for _, r := range runs {
		total += r.Length
	}
	return total
}

// Fragments counts discontinuities between the non-sparse runs.
// A file whose runs are physically adjacent has zero fragments.
func Fragments(runs []Run) int {
	var (
		count   int
		prevEnd uint64
		seen    bool
	)
	for _, r := range runs {
		if r.Sparse {
			continue
		}
		if seen && r.LCN != prevEnd {
			count++
		}
		prevEnd = r.End()
		seen = true
	}
	return count
}

// DecodeRunList decodes an NTFS mapping pairs array.
//
// Every run starts with a header byte: the low nibble is the width of the
// unsigned cluster count that follows, the high nibble the width of the signed
// LCN delta relative to the previous run. A zero delta width marks a sparse
// run. A zero header byte terminates the list; running off the end of data
// also ends it, but a field that does not fit is an error.
//
// The second return value is the number of bytes consumed, terminator included.
func DecodeRunList(data []byte) ([]Run, int, error) {
	var (
		runs []Run
		lcn  int64
		off  int
	)

	for off < len(data) {
		header := data[off]
		off++
		if header == 0 {
			return runs, off, nil
		}

		lenSize := int(header & 0x0f)
		offSize := int(header >> 4)
		if lenSize == 0 || lenSize > 8 || offSize > 8 {
			return nil, off, fmt.Errorf("%w: bad run header 0x%02x at offset %d", ErrMalformedAttribute, header, off-1)
		}
		if off+lenSize+offSize > len(data) {
			return nil, off, fmt.Errorf("%w: run at offset %d needs %d bytes, %d left",
				ErrMalformedAttribute, off-1, lenSize+offSize, len(data)-off)
		}

		length := readUnsigned(data[off : off+lenSize])
		off += lenSize
		if length == 0 {
			return nil, off, fmt.Errorf("%w: zero length run at offset %d", ErrMalformedAttribute, off-lenSize-1)
		}

		if offSize == 0 {
			runs = append(runs, Run{Length: length, Sparse: true})
			continue
		}

		lcn += readSigned(data[off : off+offSize])
		off += offSize
		if lcn < 0 {
			return nil, off, fmt.Errorf("%w: negative lcn %d", ErrMalformedAttribute, lcn)
		}
		runs = append(runs, Run{LCN: uint64(lcn), Length: length})
	}

	return runs, off, nil
}

// EncodeRunList is the inverse of DecodeRunList. It emits the narrowest
// fields that hold each value and appends the terminator.
func EncodeRunList(runs []Run) []byte {
	var (
		out  []byte
		prev int64
	)
	for _, r := range runs {
		lenSize := unsignedWidth(r.Length)
		if r.Sparse {
			out = append(out, byte(lenSize))
			out = appendLE(out, r.Length, lenSize)
			continue
		}

		delta := int64(r.LCN) - prev
		offSize := signedWidth(delta)
		out = append(out, byte(offSize<<4|lenSize))
		out = appendLE(out, r.Length, lenSize)
		out = appendLE(out, uint64(delta), offSize)
		prev = int64(r.LCN)
	}
	return append(out, 0)
}

func readUnsigned(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func readSigned(b []byte) int64 {
	v := readUnsigned(b)
	shift := uint(64 - 8*len(b))
	return int64(v<<shift) >> shift
}

func appendLE(out []byte, v uint64, n int) []byte {
	for i := 0; i < n; i++ {
		out = append(out, byte(v>>(8*i)))
	}
	return out
}

func unsignedWidth(v uint64) int {
	n := 1
	for n < 8 && v>>(8*n) != 0 {
		n++
	}
	return n
}

func signedWidth(v int64) int {
	for n := 1; n < 8; n++ {
		limit := int64(1) << (8*n - 1)
		if v >= -limit && v < limit {
			return n
		}
	}
	return 8
}
