package common

import (
	"fmt"
)

// Entry is the state of one logical sector in the FAT and the mirror FAT.
// Values below EOF link to the next sector of a chain; the rest are tags.
type Entry uint16

const (
	EOF        Entry = 0xfff0
	NotUsed    Entry = 0xfff1
	Discard    Entry = 0xfff2
	CacheBlock Entry = 0xfff3
	LockBlock  Entry = 0xfff4
	dirBase    Entry = 0xfff8
	Free       Entry = 0xffff
)

const MaxDirBlocks = 4

// Next returns the entry linking to sector s.
func Next(s uint16) Entry {
	if Entry(s) >= EOF {
		panic(fmt.Errorf("common.Next: sector %d out of range", s))
	}
	return Entry(s)
}

// DirBlock tags the n-th separate directory block.
func DirBlock(n int) Entry {
	if n < 0 || n >= MaxDirBlocks {
		panic(fmt.Errorf("common.DirBlock: %d", n))
	}
	return dirBase + Entry(n)
}

func (e Entry) IsNext() bool {
	return e < EOF
}

// Sector is the linked sector; only meaningful when IsNext.
func (e Entry) Sector() uint16 {
	return uint16(e)
}

func (e Entry) DirIndex() (int, bool) {
	if e >= dirBase && e < dirBase+MaxDirBlocks {
		return int(e - dirBase), true
	}
	return 0, false
}

func (e Entry) String() string {
	switch e {
	case Free:
		return "free"
	case EOF:
		return "eof"
	case NotUsed:
		return "notused"
	case Discard:
		return "discard"
	case CacheBlock:
		return "chblk"
	case LockBlock:
		return "lckblk"
	}
	if n, ok := e.DirIndex(); ok {
		return fmt.Sprintf("dir%d", n)
	}
	if e.IsNext() {
		return fmt.Sprintf("->%d", uint16(e))
	}
	return fmt.Sprintf("entry(0x%x)", uint16(e))
}

// block signatures written with the first page of a block
const (
	SigDesc   uint32 = 0x92ab52ed
	SigData   uint32 = 0x78987453
	SigErased uint32 = 0xffffffff
)

const (
	NoBlock int = 0xffff

	// free blocks kept back for metadata when data blocks run out
	ReservedBlocks = 3
	// wear skew tolerated to use a preerased block
	MaxPreDistance uint32 = 16
	// wear skew that moves a descriptor slot onto a fresher block
	DescWearDistance uint32 = 128

	// wear skew that moves cold data off a block during static leveling
	StaticWearDistance uint32 = 64
	// flushes between static leveling passes
	StaticPeriod = 16

	NorRefModulus uint32 = 1024

	DescVersion uint32 = 1

	MaxCacheDirEntries = 8

	Retries = 3
)
