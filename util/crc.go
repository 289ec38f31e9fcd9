package util

import (
	"github.com/klauspost/crc32"
)

// Crc32 is the IEEE CRC used for descriptors, directory blocks and
// journal runs.
func Crc32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

func Crc32Update(crc uint32, b []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, b)
}
