//go:build linux

package volume

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/dennwc/ioctl"
)

// BLKGETSIZE64 from linux/fs.h
var ioctlBlkGetSize64 = ioctl.IOR(0x12, 114, unsafe.Sizeof(uint64(0)))

func blockDeviceSize(f *os.File) (uint64, error) {
	var size uint64
	if err := ioctl.Do(f, ioctlBlkGetSize64, &size); err != nil {
		return 0, fmt.Errorf("BLKGETSIZE64: %w", err)
	}
	return size, nil
}
