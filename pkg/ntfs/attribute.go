package ntfs

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// AttributeType is the type code stored in every attribute header.
type AttributeType uint32

const (
	AttrStandardInformation AttributeType = 0x10
	AttrAttributeList       AttributeType = 0x20
	AttrFileName            AttributeType = 0x30
	AttrObjectID            AttributeType = 0x40
	AttrSecurityDescriptor  AttributeType = 0x50
	AttrVolumeName          AttributeType = 0x60
	AttrVolumeInformation   AttributeType = 0x70
	AttrData                AttributeType = 0x80
	AttrIndexRoot           AttributeType = 0x90
	AttrIndexAllocation     AttributeType = 0xa0
	AttrBitmap              AttributeType = 0xb0
	AttrReparsePoint        AttributeType = 0xc0
	AttrEAInformation       AttributeType = 0xd0
	AttrEA                  AttributeType = 0xe0
	AttrLoggedUtilityStream AttributeType = 0x100
	AttrEnd                 AttributeType = 0xffffffff
)

// String returns the $NAME of the attribute type
func (t AttributeType) String() string {
	switch t {
	case AttrStandardInformation:
		return "$STANDARD_INFORMATION"
	case AttrAttributeList:
		return "$ATTRIBUTE_LIST"
	case AttrFileName:
		return "$FILE_NAME"
	case AttrObjectID:
		return "$OBJECT_ID"
	case AttrSecurityDescriptor:
		return "$SECURITY_DESCRIPTOR"
	case AttrVolumeName:
		return "$VOLUME_NAME"
	case AttrVolumeInformation:
		return "$VOLUME_INFORMATION"
	case AttrData:
		return "$DATA"
	case AttrIndexRoot:
		return "$INDEX_ROOT"
	case AttrIndexAllocation:
		return "$INDEX_ALLOCATION"
	case AttrBitmap:
		return "$BITMAP"
	case AttrReparsePoint:
		return "$REPARSE_POINT"
	case AttrEAInformation:
		return "$EA_INFORMATION"
	case AttrEA:
		return "$EA"
	case AttrLoggedUtilityStream:
		return "$LOGGED_UTILITY_STREAM"
	default:
		return fmt.Sprintf("$UNKNOWN(0x%x)", uint32(t))
	}
}

// Attribute flags
const (
	AttrFlagCompressed uint16 = 0x0001
	AttrFlagEncrypted  uint16 = 0x4000
	AttrFlagSparse     uint16 = 0x8000
)

const (
	attrHeaderSize       = 16
	residentHeaderSize   = 24
	nonResidentBaseSize  = 64
	nonResidentCompSize  = 72
	alignmentFieldLength = 5
)

// AttributeHeader is the part common to resident and non-resident attributes.
type AttributeHeader struct {
	Type        AttributeType
	Length      uint32
	NonResident bool
	NameLength  uint8
	NameOffset  uint16
	Flags       uint16
	ID          uint16
	Name        string
}

// IsCompressed reports whether the attribute data is compressed.
func (h *AttributeHeader) IsCompressed() bool { return h.Flags&AttrFlagCompressed != 0 }

// IsSparse reports whether the attribute data may contain sparse runs.
func (h *AttributeHeader) IsSparse() bool { return h.Flags&AttrFlagSparse != 0 }

// IsEncrypted reports whether the attribute data is encrypted.
func (h *AttributeHeader) IsEncrypted() bool { return h.Flags&AttrFlagEncrypted != 0 }

// ResidentAttribute holds a value stored inline in the file record.
type ResidentAttribute struct {
	ValueLength uint32
	ValueOffset uint16
	Indexed     bool
	Value       []byte
}

// NonResidentAttribute describes data stored in clusters outside the record.
type NonResidentAttribute struct {
	StartingVCN     uint64
	LastVCN         uint64
	RunArrayOffset  uint16
	CompressionUnit uint8
	Alignment       [alignmentFieldLength]byte
	AllocatedSize   uint64
	DataSize        uint64
	InitializedSize uint64
	// CompressedSize is only present when CompressionUnit is non-zero.
	CompressedSize uint64
	Runs           []Run
}

// ClusterCount returns the number of VCNs covered by this attribute extent.
func (a *NonResidentAttribute) ClusterCount() uint64 {
	// An empty attribute stores LastVCN as -1.
	return a.LastVCN - a.StartingVCN + 1
}

// Attribute is one decoded attribute record. Exactly one of Resident and
// NonResident is set.
type Attribute struct {
	Header      AttributeHeader
	Resident    *ResidentAttribute
	NonResident *NonResidentAttribute
}

// ParseAttribute decodes the attribute record at the start of data. The
// record's own length field bounds everything that is read; data may extend
// past it. Fixed fields are little-endian.
func ParseAttribute(data []byte) (*Attribute, error) {
	if len(data) < attrHeaderSize {
		return nil, fmt.Errorf("%w: need %d header bytes, have %d", ErrMalformedAttribute, attrHeaderSize, len(data))
	}

	h := AttributeHeader{
		Type:        AttributeType(binary.LittleEndian.Uint32(data[0:4])),
		Length:      binary.LittleEndian.Uint32(data[4:8]),
		NonResident: data[8] != 0,
		NameLength:  data[9],
		NameOffset:  binary.LittleEndian.Uint16(data[10:12]),
		Flags:       binary.LittleEndian.Uint16(data[12:14]),
		ID:          binary.LittleEndian.Uint16(data[14:16]),
	}
	if h.Length < attrHeaderSize || int(h.Length) > len(data) {
		return nil, fmt.Errorf("%w: %s record length %d outside [%d, %d]",
			ErrMalformedAttribute, h.Type, h.Length, attrHeaderSize, len(data))
	}
	rec := data[:h.Length]

	if h.NameLength > 0 {
		end := int(h.NameOffset) + 2*int(h.NameLength)
		if end > len(rec) {
			return nil, fmt.Errorf("%w: %s name ends at %d past record length %d", ErrMalformedAttribute, h.Type, end, len(rec))
		}
		h.Name = decodeUTF16(rec[h.NameOffset:end])
	}

	attr := &Attribute{Header: h}
	var err error
	if h.NonResident {
		attr.NonResident, err = parseNonResident(&attr.Header, rec)
	} else {
		attr.Resident, err = parseResident(&attr.Header, rec)
	}
	if err != nil {
		return nil, err
	}
	return attr, nil
}

func parseResident(h *AttributeHeader, rec []byte) (*ResidentAttribute, error) {
	if len(rec) < residentHeaderSize {
		return nil, fmt.Errorf("%w: resident %s header needs %d bytes, record has %d",
			ErrMalformedAttribute, h.Type, residentHeaderSize, len(rec))
	}

	r := &ResidentAttribute{
		ValueLength: binary.LittleEndian.Uint32(rec[16:20]),
		ValueOffset: binary.LittleEndian.Uint16(rec[20:22]),
		Indexed:     rec[22] != 0,
	}
	end := uint64(r.ValueOffset) + uint64(r.ValueLength)
	if end > uint64(len(rec)) {
		return nil, fmt.Errorf("%w: resident %s value ends at %d past record length %d",
			ErrMalformedAttribute, h.Type, end, len(rec))
	}
	r.Value = append([]byte(nil), rec[r.ValueOffset:end]...)
	return r, nil
}

func parseNonResident(h *AttributeHeader, rec []byte) (*NonResidentAttribute, error) {
	if len(rec) < nonResidentBaseSize {
		return nil, fmt.Errorf("%w: non-resident %s header needs %d bytes, record has %d",
			ErrMalformedAttribute, h.Type, nonResidentBaseSize, len(rec))
	}

	a := &NonResidentAttribute{
		StartingVCN:     binary.LittleEndian.Uint64(rec[16:24]),
		LastVCN:         binary.LittleEndian.Uint64(rec[24:32]),
		RunArrayOffset:  binary.LittleEndian.Uint16(rec[32:34]),
		CompressionUnit: rec[34],
		AllocatedSize:   binary.LittleEndian.Uint64(rec[40:48]),
		DataSize:        binary.LittleEndian.Uint64(rec[48:56]),
		InitializedSize: binary.LittleEndian.Uint64(rec[56:64]),
	}
	copy(a.Alignment[:], rec[35:40])

	headerEnd := nonResidentBaseSize
	if a.CompressionUnit != 0 {
		if len(rec) < nonResidentCompSize {
			return nil, fmt.Errorf("%w: compressed %s header needs %d bytes, record has %d",
				ErrMalformedAttribute, h.Type, nonResidentCompSize, len(rec))
		}
		a.CompressedSize = binary.LittleEndian.Uint64(rec[64:72])
		headerEnd = nonResidentCompSize
	}

	empty := a.LastVCN+1 == a.StartingVCN
	if !empty && a.StartingVCN > a.LastVCN {
		return nil, fmt.Errorf("%w: %s starting vcn %d after last vcn %d", ErrMalformedAttribute, h.Type, a.StartingVCN, a.LastVCN)
	}
	if a.DataSize > a.AllocatedSize {
		return nil, fmt.Errorf("%w: %s data size %d exceeds allocated size %d", ErrMalformedAttribute, h.Type, a.DataSize, a.AllocatedSize)
	}
	if int(a.RunArrayOffset) < headerEnd || int(a.RunArrayOffset) > len(rec) {
		return nil, fmt.Errorf("%w: %s run array offset %d outside [%d, %d]",
			ErrMalformedAttribute, h.Type, a.RunArrayOffset, headerEnd, len(rec))
	}

	runs, _, err := DecodeRunList(rec[a.RunArrayOffset:])
	if err != nil {
		return nil, fmt.Errorf("%s runs: %w", h.Type, err)
	}
	if got, want := TotalLength(runs), a.ClusterCount(); got != want {
		return nil, fmt.Errorf("%w: %s runs cover %d clusters, vcn range %d..%d needs %d",
			ErrMalformedAttribute, h.Type, got, a.StartingVCN, a.LastVCN, want)
	}
	a.Runs = runs
	return a, nil
}

// FileName is the decoded value of a $FILE_NAME attribute.
type FileName struct {
	ParentRecord uint64
	Namespace    uint8
	Name         string
}

// ParseFileName decodes a resident $FILE_NAME value.
func ParseFileName(value []byte) (*FileName, error) {
	if len(value) < 66 {
		return nil, fmt.Errorf("%w: file name value too small: %d bytes", ErrMalformedAttribute, len(value))
	}
	n := int(value[64])
	if 66+2*n > len(value) {
		return nil, fmt.Errorf("%w: file name of %d chars exceeds value length %d", ErrMalformedAttribute, n, len(value))
	}
	return &FileName{
		ParentRecord: binary.LittleEndian.Uint64(value[0:8]) & recordNumberMask,
		Namespace:    value[65],
		Name:         decodeUTF16(value[66 : 66+2*n]),
	}, nil
}

func decodeUTF16(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(u))
}
