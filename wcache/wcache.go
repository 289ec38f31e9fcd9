package wcache

import (
	"encoding/binary"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-safeftl/util"
)

// Run layout, little-endian words:
//
//	seq gen size { kind addr n value[n] }* crc
//
// size counts bytes from seq through crc; crc covers the bytes before it.
// Every run starts on a page boundary and an erased seq word ends the log.
const (
	EndSeq     uint32 = 0xffffffff
	runHdrSize        = 12
	runOverhead       = runHdrSize + 4
)

// Cache is the write-cache journal living in the tail of the current
// descriptor block, between start and end.
type Cache struct {
	pageSize int
	start    int
	end      int
	maxDE    int

	pos  int
	seq  uint32
	gen  uint32
	p    *pending
	full bool
}

func MkCache(start int, end int, pageSize int, maxDE int) *Cache {
	c := &Cache{
		pageSize: pageSize,
		start:    start,
		end:      end,
		maxDE:    maxDE,
	}
	c.Reset(0)
	return c
}

// Reset empties the journal for descriptor generation gen.
func (c *Cache) Reset(gen uint32) {
	c.pos = c.start
	c.seq = 0
	c.gen = gen
	c.p = mkPending()
	c.full = false
}

// Resume continues after the runs found by replay ending at byte end.
func (c *Cache) Resume(runs int, end int) {
	c.seq = uint32(runs)
	c.pos = c.start + end
}

func (c *Cache) Word(addr int, v uint32) {
	c.p.write(Record{Kind: KindDesc, Addr: uint32(addr), Value: []uint32{v}})
}

func (c *Cache) DirEntry(index int, entry []byte) {
	vals := make([]uint32, (len(entry)+3)/4)
	for i := range vals {
		var w [4]byte
		copy(w[:], entry[i*4:])
		vals[i] = binary.LittleEndian.Uint32(w[:])
	}
	c.p.write(Record{Kind: KindDir, Addr: uint32(index), Value: vals})
	if c.p.nde > c.maxDE {
		c.full = true
	}
}

func (c *Cache) Dirty() bool {
	return len(c.p.recs) > 0
}

func (c *Cache) Full() bool {
	return c.full
}

func (c *Cache) MarkFull() {
	c.full = true
}

func (c *Cache) Pending() []Record {
	return c.p.recs
}

func (c *Cache) runSize() int {
	return runOverhead + 4*c.p.words()
}

// Run encodes the pending records as the next run. It returns the first
// page and the page-padded bytes to program, or false when the run does
// not fit and the journal is now full.
func (c *Cache) Run() (int, []byte, bool) {
	if c.full {
		return 0, nil, false
	}
	size := c.runSize()
	n := int(util.RoundUp(uint64(size), uint64(c.pageSize))) * c.pageSize
	if c.pos+n > c.end {
		util.DPrintf(3, "wcache: run of %d bytes does not fit at %d\n", size, c.pos)
		c.full = true
		return 0, nil, false
	}
	enc := marshal.NewEnc(uint64(n))
	enc.PutInt32(c.seq)
	enc.PutInt32(c.gen)
	enc.PutInt32(uint32(size))
	for _, r := range c.p.recs {
		enc.PutInt32(uint32(r.Kind))
		enc.PutInt32(r.Addr)
		enc.PutInt32(uint32(len(r.Value)))
		for _, v := range r.Value {
			enc.PutInt32(v)
		}
	}
	b := enc.Finish()
	crc := util.Crc32(b[:size-4])
	binary.LittleEndian.PutUint32(b[size-4:], crc)
	util.Fill(b[size:], 0xff)
	return c.pos / c.pageSize, b, true
}

// Commit records that the bytes from Run were programmed.
func (c *Cache) Commit(n int) {
	util.DPrintf(5, "wcache: run %d committed, %d records at %d\n", c.seq, len(c.p.recs), c.pos)
	c.pos += n
	c.seq++
	c.p = mkPending()
}

func (c *Cache) Start() int {
	return c.start
}

func (c *Cache) Used() int {
	return c.pos - c.start
}
