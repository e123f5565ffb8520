package ntfs

import (
	"encoding/binary"
	"fmt"
)

// BootSectorSize is the number of bytes ParseBootSector needs.
const BootSectorSize = 512

const oemID = "NTFS    "

// BootSector holds the volume geometry from the NTFS boot sector.
type BootSector struct {
	BytesPerSector    uint16
	SectorsPerCluster uint32
	TotalSectors      uint64
	MFTCluster        uint64
	MFTMirrCluster    uint64
	ClustersPerRecord int8
	ClustersPerIndex  int8
	SerialNumber      uint64
}

// ParseBootSector decodes and validates the first sector of an NTFS volume.
func ParseBootSector(data []byte) (*BootSector, error) {
	if len(data) < BootSectorSize {
		return nil, fmt.Errorf("%w: data too small: %d bytes", ErrInvalidBootSector, len(data))
	}
	if string(data[3:11]) != oemID {
		return nil, fmt.Errorf("%w: oem id %q", ErrInvalidBootSector, data[3:11])
	}
	if data[0x1fe] != 0x55 || data[0x1ff] != 0xaa {
		return nil, fmt.Errorf("%w: missing 0x55aa signature", ErrInvalidBootSector)
	}

	b := &BootSector{
		BytesPerSector:    binary.LittleEndian.Uint16(data[0x0b:0x0d]),
		TotalSectors:      binary.LittleEndian.Uint64(data[0x28:0x30]),
		MFTCluster:        binary.LittleEndian.Uint64(data[0x30:0x38]),
		MFTMirrCluster:    binary.LittleEndian.Uint64(data[0x38:0x40]),
		ClustersPerRecord: int8(data[0x40]),
		ClustersPerIndex:  int8(data[0x44]),
		SerialNumber:      binary.LittleEndian.Uint64(data[0x48:0x50]),
	}

	// values above 0x80 encode a power of two
	spc := data[0x0d]
	if spc > 0x80 {
		b.SectorsPerCluster = 1 << (256 - uint32(spc))
	} else {
		b.SectorsPerCluster = uint32(spc)
	}

	switch {
	case b.BytesPerSector < 256 || b.BytesPerSector > 4096 || b.BytesPerSector&(b.BytesPerSector-1) != 0:
		return nil, fmt.Errorf("%w: bytes per sector %d", ErrInvalidBootSector, b.BytesPerSector)
	case b.SectorsPerCluster == 0:
		return nil, fmt.Errorf("%w: zero sectors per cluster", ErrInvalidBootSector)
	case b.ClustersPerRecord == 0:
		return nil, fmt.Errorf("%w: zero clusters per record", ErrInvalidBootSector)
	case b.TotalClusters() == 0:
		return nil, fmt.Errorf("%w: empty volume", ErrInvalidBootSector)
	case b.MFTCluster >= b.TotalClusters():
		return nil, fmt.Errorf("%w: $MFT cluster %d beyond volume of %d clusters", ErrInvalidBootSector, b.MFTCluster, b.TotalClusters())
	}
	return b, nil
}

// ClusterSize returns the cluster size in bytes.
func (b *BootSector) ClusterSize() uint64 {
	return uint64(b.BytesPerSector) * uint64(b.SectorsPerCluster)
}

func (b *BootSector) TotalClusters() uint64 {
	return b.TotalSectors / uint64(b.SectorsPerCluster)
}

// RecordSize returns the size of one MFT file record in bytes. A negative
// clusters-per-record value n means 2^-n bytes.
func (b *BootSector) RecordSize() uint32 {
	if b.ClustersPerRecord < 0 {
		return 1 << uint32(-int32(b.ClustersPerRecord))
	}
	return uint32(b.ClustersPerRecord) * uint32(b.ClusterSize())
}

// MFTOffset returns the byte offset of the $MFT on the volume.
func (b *BootSector) MFTOffset() uint64 {
	return b.MFTCluster * b.ClusterSize()
}
