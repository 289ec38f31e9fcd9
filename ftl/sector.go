package ftl

import (
	"github.com/chzyer/logex"

	"github.com/mit-pdos/go-safeftl/common"
	"github.com/mit-pdos/go-safeftl/flash"
	"github.com/mit-pdos/go-safeftl/util"
)

// StoreSector writes one sector of data for f at f's position, replacing
// the sector there if there was one, and moves f past it. f must sit on
// a sector boundary with nothing buffered.
func (v *Volume) StoreSector(f *File, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkWorking(); err != nil {
		return err
	}
	if err := f.usable(); err != nil {
		return err
	}
	ss := int64(v.geo.SectorSize)
	if f.v != v || f.mode == ModeRead || f.modified || f.pos%ss != 0 {
		return logex.Trace(ErrMode)
	}
	if len(data) != v.geo.SectorSize {
		return logex.Trace(flash.ErrRange, len(data))
	}
	if err := v.storeSector(f, data); err != nil {
		v.cleanupFile(f)
		return err
	}
	f.state = FileStaged
	f.link = int(f.getLink().Sector())
	f.loaded = false
	f.pos += ss
	if f.pos > f.len {
		f.len = f.pos
	}
	return nil
}

func (v *Volume) storeSector(f *File, data []byte) error {
	if len(data) != v.geo.SectorSize {
		return logex.Trace(flash.ErrRange, len(data))
	}
	if v.geo.Kind == flash.NOR {
		return v.storeSectorNor(f, data)
	}
	for {
		if v.fatbitsblock != common.NoBlock {
			for rel := 0; rel < v.spb; rel++ {
				if v.copybits.Test(rel) {
					if err := v.copySectorRecover(rel); err != nil {
						return err
					}
					v.copybits.Clear(rel)
					v.fatbits.Clear(rel)
					continue
				}
				if !v.fatbits.Test(rel) {
					continue
				}
				v.fatbits.Clear(rel)
				err := withRecovery(func() error {
					return flash.WriteVerify(v.dev, data, v.physical(v.fatbitsblock), rel, common.SigData)
				}, func() error {
					return v.copyBB(rel)
				})
				if err != nil {
					return err
				}
				v.addSectorChain(f, v.prevbitsblock*v.spb+rel)
				return nil
			}
			if err := v.swapFatBitsPrevBits(); err != nil {
				return err
			}
			if err := v.storeFat(false); err != nil {
				return err
			}
		}
		if err := v.allocBlock(); err != nil {
			return err
		}
	}
}

// GetSector reads len(buf) bytes at offset off of logical sector. A
// sector never written reads as 0xff.
func (v *Volume) GetSector(sector int, buf []byte, off int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateWorking {
		return logex.Trace(ErrNotFormatted)
	}
	return v.getSector(sector, buf, off)
}

func (v *Volume) getSector(sector int, buf []byte, off int) error {
	block := sector / v.spb
	rel := sector % v.spb
	if block >= v.maxblock || sector < 0 || off+len(buf) > v.geo.SectorSize {
		return logex.Trace(flash.ErrRange, sector)
	}
	if block == v.prevbitsblock && !v.fatbits.Test(rel) {
		block = v.fatbitsblock
	}
	err := flash.Read(v.dev, buf, v.physical(block), rel*v.geo.SectorSize+off)
	if flash.IsErased(err) {
		return nil
	}
	return err
}

// allocBlock starts a merge: the reserved block is erased and becomes the
// staging copy of the first block that still has a free sector.
func (v *Volume) allocBlock() error {
	for {
		critical := v.alloc.Critical(common.ReservedBlocks)
		v.wearLevel()
		free := v.physical(v.maxblock)
		v.incWear(free)
		err := v.dev.EraseFlash(free)
		if err == nil {
			b, ok := v.alloc.FindSector(critical)
			if !ok {
				return logex.Trace(ErrNoSpace)
			}
			v.prevbitsblock = b
			v.fatbitsblock = v.maxblock
			v.fatbits.Reset()
			v.copybits.Reset()
			used := false
			for rel := 0; rel < v.spb; rel++ {
				v.fatbits.Set(rel)
				if !v.sectorFree(b*v.spb + rel) {
					v.copybits.Set(rel)
					used = true
				}
			}
			util.DPrintf(5, "allocBlock: staging %d in %d, used %v\n", b, free, used)
			if !used {
				return v.swapFatBitsPrevBits()
			}
			return nil
		}
		if flash.IsPowerLoss(err) {
			return err
		}
		v.fatbits.Reset()
		b, ok := v.alloc.FindFree()
		if !ok {
			return logex.Trace(ErrNoSpace)
		}
		v.swapBadBlock(b)
	}
}

// findLockBlock returns the logical block tagged LockBlock, claiming a
// free one the first time.
func (v *Volume) findLockBlock() (int, error) {
	if v.lockblock != common.NoBlock {
		return v.lockblock, nil
	}
	for s, e := range v.img.Fat {
		if e == common.LockBlock {
			v.lockblock = s / v.spb
			return v.lockblock, nil
		}
	}
	b, ok := v.alloc.FindFree()
	if !ok {
		return 0, logex.Trace(ErrNoSpace)
	}
	v.tagBlock(b, common.LockBlock)
	v.lockblock = b
	return b, nil
}

// swapFatBitsPrevBits ends the staging phase of a merge. The staging
// block takes the logical slot of prevbitsblock, the old physical block
// is parked under the lock block so it survives until the next commit,
// and the lock block's previous physical becomes the reserved block.
func (v *Volume) swapFatBitsPrevBits() error {
	if v.fatbitsblock != v.maxblock {
		return nil
	}
	lck, err := v.findLockBlock()
	if err != nil {
		return err
	}
	newp := v.physical(v.fatbitsblock)
	oldp := v.physical(v.prevbitsblock)
	lckp := v.physical(lck)
	v.setIndex(v.prevbitsblock, newp)
	v.setIndex(lck, oldp)
	v.setIndex(v.fatbitsblock, lckp)
	v.fatbitsblock = v.prevbitsblock
	util.DPrintf(5, "swapFatBitsPrevBits: %d now %d, lock %d\n", v.prevbitsblock, newp, oldp)
	return nil
}

func (v *Volume) copySector(rel int) error {
	buf := make([]byte, v.geo.SectorSize)
	err := flash.Read(v.dev, buf, v.physical(v.prevbitsblock), rel*v.geo.SectorSize)
	if flash.IsErased(err) {
		return nil
	}
	if err != nil {
		if flash.IsPowerLoss(err) {
			return err
		}
		logex.Error("unreadable sector", v.prevbitsblock*v.spb+rel, err)
		return nil
	}
	return flash.WriteVerify(v.dev, buf, v.physical(v.fatbitsblock), rel, common.SigData)
}

func (v *Volume) copySectorRecover(rel int) error {
	return withRecovery(func() error {
		return v.copySector(rel)
	}, func() error {
		return v.copyBB(rel)
	})
}

// sectorMerge completes a pending staging phase before a commit: the live
// sectors left are copied and the staging block is swapped in.
func (v *Volume) sectorMerge() error {
	if v.fatbitsblock != v.maxblock {
		return nil
	}
	last := -1
	for rel := 0; rel < v.spb; rel++ {
		if !v.copybits.Test(rel) {
			continue
		}
		if err := v.copySectorRecover(rel); err != nil {
			return err
		}
		v.copybits.Clear(rel)
		last = rel
	}
	for rel := 0; rel <= last; rel++ {
		v.fatbits.Clear(rel)
	}
	return v.swapFatBitsPrevBits()
}

// wearLevel moves the least-worn free physical block into the reserved
// slot.
func (v *Volume) wearLevel() {
	if b, ok := v.alloc.LeastWorn(); ok {
		v.swapIndex(v.maxblock, b)
	}
}

// staticWearLevel moves the coldest data block onto the reserved block
// when the reserved block is much more worn, so the cold physical block
// returns to circulation. It needs an on-chip block copy and commits
// right away, since the next allocation erases the cold block.
func (v *Volume) staticWearLevel() error {
	if v.bc == nil || v.fatbitsblock == v.maxblock {
		return nil
	}
	hot := v.physical(v.maxblock)
	cold := -1
	for b := 0; b < v.maxblock; b++ {
		if v.inFlight(b) || !v.staticCandidate(b) {
			continue
		}
		if cold == -1 || v.wear(v.physical(b)) < v.wear(v.physical(cold)) {
			cold = b
		}
	}
	if cold == -1 {
		return nil
	}
	coldp := v.physical(cold)
	if v.wear(hot) < v.wear(coldp)+common.StaticWearDistance {
		return nil
	}
	v.incWear(hot)
	if err := v.dev.EraseFlash(hot); err != nil {
		return err
	}
	if err := v.bc.BlockCopy(hot, coldp); err != nil {
		return err
	}
	v.swapIndex(cold, v.maxblock)
	v.stats.StaticMoves++
	util.DPrintf(2, "staticWearLevel: block %d moved from %d to %d\n", cold, coldp, hot)
	return v.storeFat(false)
}

// staticCandidate reports a block holding only committed file data that
// no open file is changing.
func (v *Volume) staticCandidate(b int) bool {
	used := false
	for s := b * v.spb; s < (b+1)*v.spb; s++ {
		e := v.img.Fat[s]
		if v.mirror[s] != common.Free {
			return false
		}
		switch {
		case e == common.Free:
		case e.IsNext() || e == common.EOF:
			used = true
		default:
			return false
		}
	}
	return used
}

// storeSectorNor fills a freshly erased block in place; NOR programs any
// sector of a block in any order.
func (v *Volume) storeSectorNor(f *File, data []byte) error {
	for {
		if v.fatbitsblock != common.NoBlock {
			for rel := 0; rel < v.spb; rel++ {
				if !v.fatbits.Test(rel) {
					continue
				}
				v.fatbits.Clear(rel)
				err := withRecovery(func() error {
					return flash.WriteVerify(v.dev, data, v.physical(v.fatbitsblock), rel, common.SigData)
				}, v.swapBadPhy)
				if err != nil {
					return err
				}
				v.addSectorChain(f, v.fatbitsblock*v.spb+rel)
				return nil
			}
		}
		if err := v.allocBlockNor(); err != nil {
			return err
		}
	}
}

func (v *Volume) allocBlockNor() error {
	v.fatbitsblock = common.NoBlock
	for {
		v.wearLevel()
		b, ok := v.alloc.FindFree()
		if !ok {
			return logex.Trace(ErrNoSpace)
		}
		free := v.physical(v.maxblock)
		v.incWear(free)
		err := v.dev.EraseFlash(free)
		if err == nil {
			v.swapIndex(b, v.maxblock)
			v.fatbitsblock = b
			for rel := 0; rel < v.spb; rel++ {
				v.fatbits.Set(rel)
			}
			util.DPrintf(5, "allocBlockNor: filling %d in %d\n", b, free)
			return nil
		}
		if flash.IsPowerLoss(err) {
			return err
		}
		v.swapBadBlock(b)
	}
}
