package alloc

import (
	"github.com/mit-pdos/go-safeftl/common"
	"github.com/mit-pdos/go-safeftl/flash"
	"github.com/mit-pdos/go-safeftl/util"
)

// View is the volume state the allocator decides over. Sectors and
// logical blocks are addressed in the logical space, wear by physical
// block.
type View interface {
	SectorFree(sector int) bool
	Physical(logical int) int
	Wear(physical int) uint32
	// InFlight reports the staging and previous blocks of a pending merge.
	InFlight(logical int) bool
}

// Alloc searches the logical blocks 0..maxblock-1; maxblock is the slot
// of the reserved free block.
type Alloc struct {
	v        View
	spb      int
	maxblock int
	pre      flash.PreEraser
}

func MkAlloc(v View, spb int, maxblock int, pre flash.PreEraser) *Alloc {
	a := &Alloc{
		v:        v,
		spb:      spb,
		maxblock: maxblock,
		pre:      pre,
	}
	return a
}

func (a *Alloc) MaxBlock() int {
	return a.maxblock
}

// BlockFree reports whether every sector of logical block b is free in
// both FATs.
func (a *Alloc) BlockFree(b int) bool {
	for s := b * a.spb; s < (b+1)*a.spb; s++ {
		if !a.v.SectorFree(s) {
			return false
		}
	}
	return true
}

func (a *Alloc) candidate(b int) bool {
	return !a.v.InFlight(b) && a.BlockFree(b)
}

// FindFree returns the first completely free logical block.
func (a *Alloc) FindFree() (int, bool) {
	for b := 0; b < a.maxblock; b++ {
		if a.candidate(b) {
			util.DPrintf(10, "FindFree: %d\n", b)
			return b, true
		}
	}
	return 0, false
}

// Critical reports whether no more than limit completely free blocks
// remain.
func (a *Alloc) Critical(limit int) bool {
	num := 0
	for b := 0; b < a.maxblock; b++ {
		if a.candidate(b) {
			num++
			if num > limit {
				return false
			}
		}
	}
	return true
}

func (a *Alloc) CountFree() int {
	num := 0
	for b := 0; b < a.maxblock; b++ {
		if a.candidate(b) {
			num++
		}
	}
	return num
}

// LeastWorn picks the free logical block whose physical block should
// become the reserved free block. It returns false when the current
// reserved block is already the best choice.
func (a *Alloc) LeastWorn() (int, bool) {
	wear := a.v.Wear(a.v.Physical(a.maxblock))
	find := -1
	wear2 := wear
	find2 := -1

	if a.pre != nil {
		for b := 0; b < a.maxblock; b++ {
			p := a.v.Physical(b)
			if !a.pre.Preerased(p) || !a.candidate(b) {
				continue
			}
			// equal wear still prefers the preerased block
			if w := a.v.Wear(p); w <= wear && (find2 == -1 || w < wear2) {
				wear2 = w
				find2 = b
			}
		}
	}

	for b := 0; b < a.maxblock; b++ {
		if !a.candidate(b) {
			continue
		}
		p := a.v.Physical(b)
		if a.pre != nil {
			a.pre.RequestPreerase(p)
		}
		if w := a.v.Wear(p); w < wear {
			wear = w
			find = b
		}
	}

	switch {
	case find == -1 && find2 == -1:
		return 0, false
	case find == -1:
		find = find2
	case find2 != -1:
		if wear2 <= wear || wear2-wear < common.MaxPreDistance {
			find = find2
		}
	}
	util.DPrintf(10, "LeastWorn: %d wear %d\n", find, a.v.Wear(a.v.Physical(find)))
	return find, true
}

// FindSector returns the first logical block holding a free sector. When
// critical is set, completely free blocks are skipped.
func (a *Alloc) FindSector(critical bool) (int, bool) {
	for b := 0; b < a.maxblock; b++ {
		for s := b * a.spb; s < (b+1)*a.spb; s++ {
			if !a.v.SectorFree(s) {
				continue
			}
			if critical && a.BlockFree(b) {
				break
			}
			return b, true
		}
	}
	return 0, false
}
