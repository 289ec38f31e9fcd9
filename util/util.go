// Package util holds the small helpers shared by the chip simulator and
// the volume: leveled tracing, rounding, CRCs and bitmaps.
package util

import (
	"fmt"

	"github.com/chzyer/logex"
)

// Debug is the highest DPrintf level that is logged.
var Debug uint64 = 1

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		logex.DownLevel(1).Info(fmt.Sprintf(format, a...))
	}
}

// RoundUp is the number of sz-sized units needed to hold n.
func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	}
	return m
}

// Fill sets every byte of b to v; erased flash reads back 0xff.
func Fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// Erased reports whether b still reads as erased cells.
func Erased(b []byte) bool {
	for _, c := range b {
		if c != 0xff {
			return false
		}
	}
	return true
}
