package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-safeftl/common"
)

type table struct {
	spb      int
	fat      []common.Entry
	index    []int
	wear     []uint32
	inflight map[int]bool
}

func mkTable(blocks int, spb int) *table {
	t := &table{
		spb:      spb,
		fat:      make([]common.Entry, (blocks-1)*spb),
		index:    make([]int, blocks),
		wear:     make([]uint32, blocks),
		inflight: make(map[int]bool),
	}
	for i := range t.fat {
		t.fat[i] = common.Free
	}
	for i := range t.index {
		t.index[i] = i
	}
	return t
}

func (t *table) SectorFree(s int) bool     { return t.fat[s] == common.Free }
func (t *table) Physical(l int) int         { return t.index[l] }
func (t *table) Wear(p int) uint32          { return t.wear[p] }
func (t *table) InFlight(l int) bool        { return t.inflight[l] }
func (t *table) use(block int, rel int)     { t.fat[block*t.spb+rel] = common.EOF }
func (t *table) alloc(pre *fakePre) *Alloc {
	if pre == nil {
		return MkAlloc(t, t.spb, len(t.index)-1, nil)
	}
	return MkAlloc(t, t.spb, len(t.index)-1, pre)
}

type fakePre struct {
	erased    map[int]bool
	requested map[int]bool
}

func (p *fakePre) Preerased(b int) bool  { return p.erased[b] }
func (p *fakePre) RequestPreerase(b int) { p.requested[b] = true }

func TestFindFree(t *testing.T) {
	assert := assert.New(t)
	tb := mkTable(6, 4)
	a := tb.alloc(nil)
	b, ok := a.FindFree()
	assert.True(ok)
	assert.Equal(0, b)

	tb.use(0, 3)
	tb.inflight[1] = true
	b, ok = a.FindFree()
	assert.True(ok)
	assert.Equal(2, b, "skips used and in-flight blocks")
	assert.Equal(3, a.CountFree())
	assert.True(a.Critical(3))
	assert.False(a.Critical(2))

	for blk := 2; blk < 5; blk++ {
		tb.use(blk, 0)
	}
	_, ok = a.FindFree()
	assert.False(ok, "volume full")
}

func TestLeastWorn(t *testing.T) {
	assert := assert.New(t)
	tb := mkTable(6, 4)
	a := tb.alloc(nil)
	tb.wear = []uint32{5, 3, 9, 1, 7, 4}
	tb.use(3, 0)

	b, ok := a.LeastWorn()
	assert.True(ok)
	assert.Equal(1, b, "block 3 is less worn but holds data")

	tb.wear[5] = 0
	_, ok = a.LeastWorn()
	assert.False(ok, "reserved block already least worn")
}

func TestLeastWornPreerase(t *testing.T) {
	assert := assert.New(t)
	tb := mkTable(6, 4)
	pre := &fakePre{erased: map[int]bool{2: true}, requested: map[int]bool{}}
	a := tb.alloc(pre)
	tb.wear = []uint32{20, 10, 12, 30, 30, 15}

	b, ok := a.LeastWorn()
	assert.True(ok)
	assert.Equal(2, b, "preerased block within distance wins")
	assert.True(pre.requested[1], "free blocks are requested for erase-ahead")

	tb.wear[2] = 10 + common.MaxPreDistance
	tb.wear[5] = 40
	b, ok = a.LeastWorn()
	assert.True(ok)
	assert.Equal(1, b, "preerased block too far ahead in wear")

	tb.wear[2] = 10
	b, ok = a.LeastWorn()
	assert.True(ok)
	assert.Equal(2, b, "tie prefers preerased")
}

func TestFindSector(t *testing.T) {
	assert := assert.New(t)
	tb := mkTable(5, 2)
	a := tb.alloc(nil)
	b, ok := a.FindSector(false)
	assert.True(ok)
	assert.Equal(0, b)

	tb.use(2, 0)
	b, ok = a.FindSector(true)
	assert.True(ok)
	assert.Equal(2, b, "critical skips completely free blocks")

	tb.use(2, 1)
	_, ok = a.FindSector(true)
	assert.False(ok)
}
