package ntfs

import "errors"

var (
	// ErrMalformedAttribute is returned when an attribute record cannot be decoded.
	// The whole record is rejected; callers skip to the next record boundary.
	ErrMalformedAttribute = errors.New("malformed attribute")

	// ErrMalformedRecord is returned for MFT file records with a bad header or fixups.
	ErrMalformedRecord = errors.New("malformed file record")

	// ErrUnusedRecord is returned for MFT slots that were never initialized.
	ErrUnusedRecord = errors.New("unused file record")

	// ErrInvalidBootSector is returned when the volume boot sector is not NTFS.
	ErrInvalidBootSector = errors.New("invalid ntfs boot sector")
)
