package ftl

import (
	"github.com/chzyer/logex"

	"github.com/mit-pdos/go-safeftl/common"
	"github.com/mit-pdos/go-safeftl/flash"
	"github.com/mit-pdos/go-safeftl/util"
)

// withRecovery runs op until it succeeds. After each failure recover
// moves the work onto a fresh block; recover consumes a free block per
// call, so the loop ends once the free blocks do.
func withRecovery(op func() error, recover func() error) error {
	for {
		err := op()
		if err == nil {
			return nil
		}
		if flash.IsPowerLoss(err) {
			return err
		}
		util.DPrintf(2, "withRecovery: %v\n", err)
		if rerr := recover(); rerr != nil {
			return rerr
		}
	}
}

// swapBadBlock quarantines the physical block in the reserved slot: the
// free logical block b takes it and is tagged NOTUSED, and b's physical
// block becomes the reserved one.
func (v *Volume) swapBadBlock(b int) {
	logex.Error("bad block", v.physical(v.maxblock), "swapped out via logical", b)
	v.tagBlock(b, common.NotUsed)
	v.swapIndex(v.maxblock, b)
	v.stats.BadBlockSwaps++
}

// claimFree takes the first free logical block out of circulation by
// tagging it NOTUSED and returns it.
func (v *Volume) claimFree() (int, error) {
	b, ok := v.alloc.FindFree()
	if !ok {
		return 0, logex.Trace(ErrNoSpace)
	}
	v.tagBlock(b, common.NotUsed)
	return b, nil
}

// copyBB replaces the physical block under fatbitsblock after a failed
// program at relsector n: a fresh block receives sectors 0..n-1 and takes
// its place, and the failing block is parked under a NOTUSED logical
// block.
func (v *Volume) copyBB(n int) error {
	old := v.physical(v.fatbitsblock)
	logex.Error("program failed on block", old, "sector", n)
	buf := make([]byte, v.geo.SectorSize)
	for {
		bad, err := v.claimFree()
		if err != nil {
			return err
		}
		free := v.physical(bad)
		v.incWear(free)
		if err := v.dev.EraseFlash(free); err != nil {
			if flash.IsPowerLoss(err) {
				return err
			}
			continue
		}
		ok := true
		for rel := 0; rel < n; rel++ {
			err := flash.Read(v.dev, buf, old, rel*v.geo.SectorSize)
			if err != nil {
				if flash.IsPowerLoss(err) {
					return err
				}
				continue
			}
			if err := flash.WriteVerify(v.dev, buf, free, rel, common.SigData); err != nil {
				if flash.IsPowerLoss(err) {
					return err
				}
				ok = false
				break
			}
		}
		if ok {
			v.setIndex(v.fatbitsblock, free)
			v.setIndex(bad, old)
			v.stats.BadBlockSwaps++
			return nil
		}
	}
}

// swapBadPhy is copyBB for the NOR data path, where the block being
// filled may hold sectors from any relsector: every sector already
// chained is carried over.
func (v *Volume) swapBadPhy() error {
	old := v.physical(v.fatbitsblock)
	logex.Error("program failed on nor block", old)
	buf := make([]byte, v.geo.SectorSize)
	base := v.fatbitsblock * v.spb
	for {
		bad, err := v.claimFree()
		if err != nil {
			return err
		}
		free := v.physical(bad)
		v.incWear(free)
		if err := v.dev.EraseFlash(free); err != nil {
			if flash.IsPowerLoss(err) {
				return err
			}
			continue
		}
		ok := true
		for rel := 0; rel < v.spb; rel++ {
			if v.sectorFree(base + rel) {
				continue
			}
			err := flash.Read(v.dev, buf, old, rel*v.geo.SectorSize)
			if err != nil {
				if flash.IsPowerLoss(err) {
					return err
				}
				continue
			}
			if err := flash.WriteVerify(v.dev, buf, free, rel, common.SigData); err != nil {
				if flash.IsPowerLoss(err) {
					return err
				}
				ok = false
				break
			}
		}
		if ok {
			v.setIndex(v.fatbitsblock, free)
			v.setIndex(bad, old)
			v.stats.BadBlockSwaps++
			return nil
		}
	}
}
