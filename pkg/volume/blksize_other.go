//go:build !linux

package volume

import (
	"io"
	"os"
)

func blockDeviceSize(f *os.File) (uint64, error) {
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	return uint64(end), nil
}
