// Package ntfstest builds small synthetic NTFS images for tests and simulation.
//
// The images carry just enough structure for the metadata scanner: a boot
// sector, an $MFT with fixups, the sixteen reserved system records, and user
// files whose $DATA run lists are chosen by the caller. Cluster contents of
// user files are filled with a byte derived from the record number so moved
// data can be checked.
package ntfstest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"unicode/utf16"

	"github.com/elee1766/godefrag/pkg/ntfs"
)

const (
	DefaultSectorSize        = 512
	DefaultSectorsPerCluster = 2
	DefaultRecordSize        = 1024
	DefaultMFTCluster        = 8
	DefaultMirrCluster       = 1

	usaOffset = 48
	usn       = 0x0001
)

// File describes one user file to place in the image.
type File struct {
	Name string
	// Runs is the $DATA allocation in VCN order. Ignored when Resident is set.
	Runs []ntfs.Run
	// ExtensionRuns continue the $DATA attribute in a separate extension record.
	ExtensionRuns []ntfs.Run
	// Resident stores the data inline in the record instead of in clusters.
	Resident   []byte
	Compressed bool
	Directory  bool
	// Malformed writes a $DATA header whose VCN range disagrees with its runs.
	Malformed bool
}

// Clusters returns the number of on-disk clusters the file owns.
func (f File) Clusters() uint64 {
	var n uint64
	for _, r := range append(append([]ntfs.Run(nil), f.Runs...), f.ExtensionRuns...) {
		if !r.Sparse {
			n += r.Length
		}
	}
	return n
}

// Options controls volume geometry.
type Options struct {
	Clusters          uint64
	SectorSize        int
	SectorsPerCluster int
	RecordSize        int
	// Records is the MFT capacity. It must cover the system records, every
	// file and every extension record.
	Records     int
	MFTCluster  uint64
	MirrCluster uint64
	Serial      uint64
}

// Builder accumulates files and renders the image.
type Builder struct {
	opts  Options
	files []File
}

// New returns a builder with defaults filled in for zero options.
func New(opts Options) *Builder {
	if opts.SectorSize == 0 {
		opts.SectorSize = DefaultSectorSize
	}
	if opts.SectorsPerCluster == 0 {
		opts.SectorsPerCluster = DefaultSectorsPerCluster
	}
	if opts.RecordSize == 0 {
		opts.RecordSize = DefaultRecordSize
	}
	if opts.Records == 0 {
		opts.Records = 64
	}
	if opts.MFTCluster == 0 {
		opts.MFTCluster = DefaultMFTCluster
	}
	if opts.MirrCluster == 0 {
		opts.MirrCluster = DefaultMirrCluster
	}
	return &Builder{opts: opts}
}

func (b *Builder) ClusterSize() int { return b.opts.SectorSize * b.opts.SectorsPerCluster }

// MFTClusters returns the length of the $MFT data in clusters.
func (b *Builder) MFTClusters() uint64 {
	cs := b.ClusterSize()
	return uint64((b.opts.Records*b.opts.RecordSize + cs - 1) / cs)
}

// MirrClusters returns the length of $MFTMirr, which copies the first four records.
func (b *Builder) MirrClusters() uint64 {
	cs := b.ClusterSize()
	return uint64((4*b.opts.RecordSize + cs - 1) / cs)
}

// FirstFreeCluster is the first cluster after the $MFT.
func (b *Builder) FirstFreeCluster() uint64 {
	return b.opts.MFTCluster + b.MFTClusters()
}

func (b *Builder) Options() Options { return b.opts }

// Files returns the files added so far, indexed from record 16.
func (b *Builder) Files() []File { return b.files }

// AddFile queues a file and returns the MFT record number it will get.
func (b *Builder) AddFile(f File) uint32 {
	b.files = append(b.files, f)
	return uint32(ntfs.FirstUserRecord + len(b.files) - 1)
}

type placed struct {
	start, end uint64
	owner      string
}

// Build renders the image.
func (b *Builder) Build() ([]byte, error) {
	o := b.opts
	cs := uint64(b.ClusterSize())
	if o.RecordSize%o.SectorSize != 0 {
		return nil, fmt.Errorf("record size %d not a multiple of sector size %d", o.RecordSize, o.SectorSize)
	}

	extensions := 0
	for _, f := range b.files {
		if len(f.ExtensionRuns) > 0 {
			extensions++
		}
	}
	if need := ntfs.FirstUserRecord + len(b.files) + extensions; need > o.Records {
		return nil, fmt.Errorf("need %d mft records, capacity is %d", need, o.Records)
	}
	if b.FirstFreeCluster() > o.Clusters {
		return nil, fmt.Errorf("mft ends at cluster %d beyond volume of %d clusters", b.FirstFreeCluster(), o.Clusters)
	}

	// reject overlapping allocations up front
	used := []placed{
		{0, 1, "$Boot"},
		{o.MirrCluster, o.MirrCluster + b.MirrClusters(), "$MFTMirr"},
		{o.MFTCluster, b.FirstFreeCluster(), "$MFT"},
	}
	for _, f := range b.files {
		for _, r := range append(append([]ntfs.Run(nil), f.Runs...), f.ExtensionRuns...) {
			if r.Sparse || f.Resident != nil {
				continue
			}
			if r.Length == 0 || r.End() > o.Clusters {
				return nil, fmt.Errorf("file %q run %d+%d outside volume", f.Name, r.LCN, r.Length)
			}
			used = append(used, placed{r.LCN, r.End(), f.Name})
		}
	}
	sort.Slice(used, func(i, j int) bool { return used[i].start < used[j].start })
	for i := 1; i < len(used); i++ {
		if used[i].start < used[i-1].end {
			return nil, fmt.Errorf("%q overlaps %q at cluster %d", used[i].owner, used[i-1].owner, used[i].start)
		}
	}

	img := make([]byte, o.Clusters*cs)
	b.writeBootSector(img)

	mft := img[o.MFTCluster*cs:]
	rs := o.RecordSize
	putRecord := func(n int, rec []byte, err error) error {
		if err != nil {
			return fmt.Errorf("record %d: %w", n, err)
		}
		copy(mft[n*rs:(n+1)*rs], rec)
		return nil
	}

	for n, name := range systemNames {
		var runs []ntfs.Run
		switch n {
		case ntfs.RecordMFT:
			runs = []ntfs.Run{{LCN: o.MFTCluster, Length: b.MFTClusters()}}
		case ntfs.RecordMFTMirr:
			runs = []ntfs.Run{{LCN: o.MirrCluster, Length: b.MirrClusters()}}
		case ntfs.RecordBoot:
			runs = []ntfs.Run{{LCN: 0, Length: 1}}
		}
		rec, err := b.systemRecord(n, name, runs)
		if err := putRecord(n, rec, err); err != nil {
			return nil, err
		}
	}

	next := ntfs.FirstUserRecord + len(b.files)
	for i, f := range b.files {
		num := ntfs.FirstUserRecord + i
		rec := newRecord(rs, o.SectorSize, uint32(num), 0, flagsFor(f))
		rec.addResident(ntfs.AttrStandardInformation, make([]byte, 48))
		rec.addResident(ntfs.AttrFileName, fileNameValue(5, f.Name))
		switch {
		case f.Resident != nil:
			rec.addResident(ntfs.AttrData, f.Resident)
		case !f.Directory:
			rec.addNonResident(f, f.Runs, 0, cs, f.Malformed)
		}
		data, err := rec.finish()
		if err := putRecord(num, data, err); err != nil {
			return nil, err
		}

		if len(f.ExtensionRuns) > 0 {
			ext := newRecord(rs, o.SectorSize, uint32(next), uint64(num), ntfs.RecordInUse)
			ext.addNonResident(f, f.ExtensionRuns, ntfs.TotalLength(f.Runs), cs, false)
			data, err := ext.finish()
			if err := putRecord(next, data, err); err != nil {
				return nil, err
			}
			next++
		}

		fill := byte(num)
		for _, r := range append(append([]ntfs.Run(nil), f.Runs...), f.ExtensionRuns...) {
			if r.Sparse || f.Resident != nil {
				continue
			}
			for c := r.LCN * cs; c < r.End()*cs; c++ {
				img[c] = fill
			}
		}
	}

	copy(img[o.MirrCluster*cs:], mft[:4*rs])
	return img, nil
}

var systemNames = [ntfs.FirstUserRecord]string{
	"$MFT", "$MFTMirr", "$LogFile", "$Volume", "$AttrDef", ".", "$Bitmap", "$Boot",
	"$BadClus", "$Secure", "$UpCase", "$Extend", "", "", "", "",
}

func (b *Builder) systemRecord(num int, name string, runs []ntfs.Run) ([]byte, error) {
	rec := newRecord(b.opts.RecordSize, b.opts.SectorSize, uint32(num), 0, ntfs.RecordInUse)
	rec.addResident(ntfs.AttrStandardInformation, make([]byte, 48))
	if name != "" {
		rec.addResident(ntfs.AttrFileName, fileNameValue(5, name))
	}
	if runs != nil {
		rec.addNonResident(File{Name: name}, runs, 0, uint64(b.ClusterSize()), false)
	}
	return rec.finish()
}

func (b *Builder) writeBootSector(img []byte) {
	o := b.opts
	copy(img[3:11], "NTFS    ")
	binary.LittleEndian.PutUint16(img[0x0b:], uint16(o.SectorSize))
	img[0x0d] = byte(o.SectorsPerCluster)
	binary.LittleEndian.PutUint64(img[0x28:], o.Clusters*uint64(o.SectorsPerCluster))
	binary.LittleEndian.PutUint64(img[0x30:], o.MFTCluster)
	binary.LittleEndian.PutUint64(img[0x38:], o.MirrCluster)
	img[0x40] = byte(recordSizeCode(o.RecordSize, b.ClusterSize()))
	img[0x44] = 1
	binary.LittleEndian.PutUint64(img[0x48:], o.Serial)
	img[0x1fe], img[0x1ff] = 0x55, 0xaa
}

func recordSizeCode(recordSize, clusterSize int) int8 {
	if recordSize >= clusterSize {
		return int8(recordSize / clusterSize)
	}
	n := int8(0)
	for 1<<uint(n) < recordSize {
		n++
	}
	return -n
}

func flagsFor(f File) uint16 {
	flags := ntfs.RecordInUse
	if f.Directory {
		flags |= ntfs.RecordDirectory
	}
	return flags
}

type recordWriter struct {
	buf        []byte
	off        int
	ids        uint16
	sectorSize int
	err        error
}

func newRecord(size, sectorSize int, num uint32, base uint64, flags uint16) *recordWriter {
	buf := make([]byte, size)
	copy(buf, "FILE")
	sectors := size / sectorSize
	binary.LittleEndian.PutUint16(buf[4:], usaOffset)
	binary.LittleEndian.PutUint16(buf[16:], 1)
	binary.LittleEndian.PutUint16(buf[18:], 1)
	binary.LittleEndian.PutUint16(buf[22:], flags)
	binary.LittleEndian.PutUint32(buf[28:], uint32(size))
	binary.LittleEndian.PutUint64(buf[32:], base)
	binary.LittleEndian.PutUint32(buf[44:], num)
	binary.LittleEndian.PutUint16(buf[6:], uint16(sectors+1))
	off := align8(usaOffset + 2*(sectors+1))
	binary.LittleEndian.PutUint16(buf[20:], uint16(off))
	return &recordWriter{buf: buf, off: off, sectorSize: sectorSize}
}

func (w *recordWriter) header(t ntfs.AttributeType, length int, nonResident bool, flags uint16) []byte {
	// room for the end marker
	if w.off+length+8 > len(w.buf) {
		if w.err == nil {
			w.err = fmt.Errorf("%s attribute of %d bytes does not fit in a %d byte record", t, length, len(w.buf))
		}
		return make([]byte, length)
	}
	a := w.buf[w.off : w.off+length]
	binary.LittleEndian.PutUint32(a[0:], uint32(t))
	binary.LittleEndian.PutUint32(a[4:], uint32(length))
	if nonResident {
		a[8] = 1
	}
	binary.LittleEndian.PutUint16(a[12:], flags)
	binary.LittleEndian.PutUint16(a[14:], w.ids)
	w.ids++
	w.off += length
	return a
}

func (w *recordWriter) addResident(t ntfs.AttributeType, value []byte) {
	a := w.header(t, align8(24+len(value)), false, 0)
	binary.LittleEndian.PutUint32(a[16:], uint32(len(value)))
	binary.LittleEndian.PutUint16(a[20:], 24)
	copy(a[24:], value)
}

func (w *recordWriter) addNonResident(f File, runs []ntfs.Run, startVCN uint64, clusterSize uint64, malformed bool) {
	var flags uint16
	hdr := 64
	if f.Compressed {
		flags |= ntfs.AttrFlagCompressed
		hdr = 72
	}
	for _, r := range runs {
		if r.Sparse {
			flags |= ntfs.AttrFlagSparse
		}
	}

	encoded := ntfs.EncodeRunList(runs)
	a := w.header(ntfs.AttrData, align8(hdr+len(encoded)), true, flags)

	total := ntfs.TotalLength(runs)
	last := startVCN + total - 1
	if malformed {
		last += 5
	}
	binary.LittleEndian.PutUint64(a[16:], startVCN)
	binary.LittleEndian.PutUint64(a[24:], last)
	binary.LittleEndian.PutUint16(a[32:], uint16(hdr))
	size := (startVCN + total) * clusterSize
	binary.LittleEndian.PutUint64(a[40:], size)
	binary.LittleEndian.PutUint64(a[48:], size)
	binary.LittleEndian.PutUint64(a[56:], size)
	if f.Compressed {
		a[34] = 4
		binary.LittleEndian.PutUint64(a[64:], size)
	}
	copy(a[hdr:], encoded)
}

func (w *recordWriter) finish() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	binary.LittleEndian.PutUint32(w.buf[w.off:], uint32(ntfs.AttrEnd))
	binary.LittleEndian.PutUint32(w.buf[24:], uint32(w.off+8))
	binary.LittleEndian.PutUint16(w.buf[40:], w.ids)
	if err := writeFixups(w.buf, w.sectorSize); err != nil {
		return nil, err
	}
	return w.buf, nil
}

// writeFixups protects the last two bytes of each sector with the update
// sequence number, saving the originals in the update sequence array.
func writeFixups(buf []byte, sectorSize int) error {
	sectors := len(buf) / sectorSize
	count := int(binary.LittleEndian.Uint16(buf[6:]))
	if count != sectors+1 {
		return errors.New("update sequence count does not match sector count")
	}
	binary.LittleEndian.PutUint16(buf[usaOffset:], usn)
	for i := 0; i < sectors; i++ {
		end := (i+1)*sectorSize - 2
		entry := usaOffset + 2*(i+1)
		copy(buf[entry:entry+2], buf[end:end+2])
		binary.LittleEndian.PutUint16(buf[end:], usn)
	}
	return nil
}

func fileNameValue(parent uint64, name string) []byte {
	u := utf16.Encode([]rune(name))
	v := make([]byte, 66+2*len(u))
	binary.LittleEndian.PutUint64(v[0:], parent)
	v[64] = byte(len(u))
	v[65] = 1 // win32
	for i, c := range u {
		binary.LittleEndian.PutUint16(v[66+2*i:], c)
	}
	return v
}

func align8(n int) int { return (n + 7) &^ 7 }
