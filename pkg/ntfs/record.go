package ntfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	recordNumberMask = 0x0000ffffffffffff
	recordHeaderSize = 48
)

var (
	fileMagic   = []byte("FILE")
	unusedMagic = []byte{0, 0, 0, 0}
)

// Record flags
const (
	RecordInUse     uint16 = 0x0001
	RecordDirectory uint16 = 0x0002
)

// FirstUserRecord is the first MFT record not reserved for filesystem metadata.
const FirstUserRecord = 16

// Well-known metadata records.
const (
	RecordMFT     = 0
	RecordMFTMirr = 1
	RecordLogFile = 2
	RecordBitmap  = 6
	RecordBoot    = 7
	RecordBadClus = 8
)

// FileRecord is a decoded MFT file record.
type FileRecord struct {
	UpdateSeqOffset uint16
	UpdateSeqCount  uint16
	LSN             uint64
	SequenceNumber  uint16
	LinkCount       uint16
	AttrOffset      uint16
	Flags           uint16
	BytesInUse      uint32
	BytesAllocated  uint32
	// BaseRecord is zero for base records; extension records point at their base.
	BaseRecord   uint64
	NextAttrID   uint16
	RecordNumber uint32

	Attributes []*Attribute
}

func (r *FileRecord) InUse() bool       { return r.Flags&RecordInUse != 0 }
func (r *FileRecord) IsDirectory() bool { return r.Flags&RecordDirectory != 0 }
func (r *FileRecord) IsExtension() bool { return r.BaseRecord != 0 }

// FileName returns the preferred $FILE_NAME of the record. Win32 names win
// over DOS 8.3 names. It returns "" if the record has no name attribute here.
func (r *FileRecord) FileName() string {
	var best *FileName
	for _, a := range r.Attributes {
		if a.Header.Type != AttrFileName || a.Resident == nil {
			continue
		}
		fn, err := ParseFileName(a.Resident.Value)
		if err != nil {
			continue
		}
		// namespace 2 is DOS-only
		if best == nil || (best.Namespace == 2 && fn.Namespace != 2) {
			best = fn
		}
	}
	if best == nil {
		return ""
	}
	return best.Name
}

// Find returns all attributes of the given type.
func (r *FileRecord) Find(t AttributeType) []*Attribute {
	var out []*Attribute
	for _, a := range r.Attributes {
		if a.Header.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// ParseFileRecord decodes one MFT file record of len(data) bytes. Update
// sequence fixups are applied to a private copy; data is not modified.
func ParseFileRecord(data []byte, sectorSize int) (*FileRecord, error) {
	if len(data) < recordHeaderSize {
		return nil, fmt.Errorf("%w: data too small for record header: %d bytes", ErrMalformedRecord, len(data))
	}
	if bytes.Equal(data[0:4], unusedMagic) {
		return nil, ErrUnusedRecord
	}
	if !bytes.Equal(data[0:4], fileMagic) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformedRecord, data[0:4])
	}

	buf := append([]byte(nil), data...)
	r := &FileRecord{
		UpdateSeqOffset: binary.LittleEndian.Uint16(buf[4:6]),
		UpdateSeqCount:  binary.LittleEndian.Uint16(buf[6:8]),
		LSN:             binary.LittleEndian.Uint64(buf[8:16]),
		SequenceNumber:  binary.LittleEndian.Uint16(buf[16:18]),
		LinkCount:       binary.LittleEndian.Uint16(buf[18:20]),
		AttrOffset:      binary.LittleEndian.Uint16(buf[20:22]),
		Flags:           binary.LittleEndian.Uint16(buf[22:24]),
		BytesInUse:      binary.LittleEndian.Uint32(buf[24:28]),
		BytesAllocated:  binary.LittleEndian.Uint32(buf[28:32]),
		BaseRecord:      binary.LittleEndian.Uint64(buf[32:40]) & recordNumberMask,
		NextAttrID:      binary.LittleEndian.Uint16(buf[40:42]),
		RecordNumber:    binary.LittleEndian.Uint32(buf[44:48]),
	}

	if err := ApplyFixups(buf, int(r.UpdateSeqOffset), int(r.UpdateSeqCount), sectorSize); err != nil {
		return nil, err
	}

	if int(r.BytesInUse) > len(buf) || r.BytesInUse < uint32(r.AttrOffset) {
		return nil, fmt.Errorf("%w: bytes in use %d outside [%d, %d]", ErrMalformedRecord, r.BytesInUse, r.AttrOffset, len(buf))
	}
	used := buf[:r.BytesInUse]

	off := int(r.AttrOffset)
	for off+4 <= len(used) {
		if AttributeType(binary.LittleEndian.Uint32(used[off:off+4])) == AttrEnd {
			break
		}
		attr, err := ParseAttribute(used[off:])
		if err != nil {
			return nil, fmt.Errorf("record %d attribute at 0x%x: %w", r.RecordNumber, off, err)
		}
		r.Attributes = append(r.Attributes, attr)
		off += int(attr.Header.Length)
	}
	return r, nil
}

// ApplyFixups restores the last two bytes of every sector from the update
// sequence array, checking each against the update sequence number.
func ApplyFixups(buf []byte, usaOffset, usaCount, sectorSize int) error {
	if usaCount == 0 {
		return nil
	}
	if sectorSize <= 0 {
		return fmt.Errorf("%w: sector size %d", ErrMalformedRecord, sectorSize)
	}
	if usaOffset+2*usaCount > len(buf) {
		return fmt.Errorf("%w: update sequence array at %d with %d entries exceeds record", ErrMalformedRecord, usaOffset, usaCount)
	}
	sectors := usaCount - 1
	if sectors*sectorSize > len(buf) {
		return fmt.Errorf("%w: %d fixup sectors of %d bytes exceed record size %d", ErrMalformedRecord, sectors, sectorSize, len(buf))
	}

	usn := buf[usaOffset : usaOffset+2]
	for i := 0; i < sectors; i++ {
		end := (i+1)*sectorSize - 2
		if !bytes.Equal(buf[end:end+2], usn) {
			return fmt.Errorf("%w: fixup mismatch in sector %d", ErrMalformedRecord, i)
		}
		entry := usaOffset + 2*(i+1)
		copy(buf[end:end+2], buf[entry:entry+2])
	}
	return nil
}
