package ftl

import (
	"github.com/chzyer/logex"

	"github.com/mit-pdos/go-safeftl/common"
	"github.com/mit-pdos/go-safeftl/desc"
	"github.com/mit-pdos/go-safeftl/flash"
	"github.com/mit-pdos/go-safeftl/util"
)

// StoreFat commits the tables. With a write cache, small changes go out
// as a journal run; otherwise the whole descriptor is rewritten.
func (v *Volume) StoreFat() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkWorking(); err != nil {
		return err
	}
	return v.storeFat(false)
}

// storeFat stops the volume when it fails: the tables in memory may then
// name blocks the flash no longer backs.
func (v *Volume) storeFat(force bool) error {
	err := v.commit(force)
	if err != nil && v.state == StateWorking {
		v.stoperr = err
	}
	return err
}

func (v *Volume) commit(force bool) error {
	if err := v.sectorMerge(); err != nil {
		return err
	}
	if v.geo.Kind == flash.NOR {
		return v.storeDescNor()
	}
	if v.cache != nil && !force {
		if !v.cache.Dirty() {
			return nil
		}
		done, err := v.appendRun()
		if done || err != nil {
			return err
		}
	}
	if v.geo.SeparateDir > 0 {
		if err := v.storeDir(); err != nil {
			return err
		}
	}
	return v.storeDesc()
}

// appendRun programs the pending changes as one journal run in the tail
// of the current descriptor block. It reports false when the journal
// cannot take them.
func (v *Volume) appendRun() (bool, error) {
	if v.cache.Full() {
		return false, nil
	}
	page, b, ok := v.cache.Run()
	if !ok {
		return false, nil
	}
	cur := v.desc[1-v.next]
	err := v.pw.WriteVerifyPage(b, cur, page, len(b)/v.geo.PageSize, common.SigDesc)
	if err != nil {
		if flash.IsPowerLoss(err) {
			return false, err
		}
		logex.Error("journal run failed at page", page, "of block", cur, err)
		v.cache.MarkFull()
		return false, nil
	}
	v.cache.Commit(len(b))
	v.stats.JournalRuns++
	return true, nil
}

func (v *Volume) descImage() []byte {
	b := v.img.Encode()
	out := make([]byte, v.descSpan)
	util.Fill(out, 0xff)
	copy(out, b)
	return out
}

// holder returns the logical block mapped to physical p.
func (v *Volume) holder(p int) (int, bool) {
	for l := 0; l <= v.maxblock; l++ {
		if v.physical(l) == p {
			return l, true
		}
	}
	return 0, false
}

// storeDesc writes the full descriptor into the slot not holding the
// current one. A slot block far more worn than the reserved block is
// traded for it first, and a slot that fails is replaced by a fresh block
// taken out of the data area.
func (v *Volume) storeDesc() error {
	cur := &v.desc[v.next]
	other := v.desc[1-v.next]
	for {
		if *cur != -1 {
			v.wearLevel()
			least := v.physical(v.maxblock)
			if v.wear(*cur) > v.wear(least) && v.wear(*cur)-v.wear(least) >= common.DescWearDistance {
				a, ok := v.holder(*cur)
				if !ok {
					return logex.Trace(ErrCorrupt, *cur)
				}
				util.DPrintf(2, "storeDesc: slot %d moves from %d to %d\n", v.next, *cur, least)
				v.setIndex(v.maxblock, *cur)
				v.setIndex(a, least)
				if err := v.dev.EraseFlash(*cur); flash.IsPowerLoss(err) {
					return err
				}
				v.incWear(*cur)
				*cur = least
			}
			v.incWear(*cur)
			v.img.NextDesc = int32(other)
			buf := v.descImage()
			err := v.dev.EraseFlash(*cur)
			if err == nil {
				err = flash.WriteVerify(v.dev, buf, *cur, 0, common.SigDesc)
			}
			if err == nil {
				util.DPrintf(3, "storeDesc: reference %d in block %d\n", v.img.Reference, *cur)
				if v.cache != nil {
					v.cache.Reset(v.img.Reference)
				}
				v.img.Reference++
				v.next = 1 - v.next
				v.stats.FullCommits++
				return nil
			}
			if flash.IsPowerLoss(err) {
				return err
			}
			logex.Error("descriptor write failed on block", *cur, err)
			if err := v.killDesc(*cur); flash.IsPowerLoss(err) {
				return err
			}
		}
		b, err := v.claimFree()
		if err != nil {
			return err
		}
		*cur = v.physical(b)
	}
}

// storeDescNor writes the descriptor into the ring slots after the
// current one, never over it.
func (v *Volume) storeDescNor() error {
	n := v.geo.MaxFat
	for i := 1; i <= n; i++ {
		s := (v.slot + i) % n
		if s == v.slot || v.dead[s] {
			continue
		}
		phys := v.geo.Blocks + s
		v.img.NextDesc = int32(s)
		buf := v.descImage()
		err := v.dev.EraseFlash(phys)
		if err == nil {
			err = flash.WriteVerify(v.dev, buf, phys, 0, common.SigDesc)
		}
		if err == nil {
			util.DPrintf(3, "storeDescNor: reference %d in slot %d\n", v.img.Reference, s)
			v.slot = s
			v.img.Reference = desc.NorRef(v.img.Reference + 1)
			v.stats.FullCommits++
			return nil
		}
		if flash.IsPowerLoss(err) {
			return err
		}
		logex.Error("descriptor slot", s, "failed, dropped from the ring", err)
		v.dead[s] = true
		if err := v.killDesc(phys); flash.IsPowerLoss(err) {
			return err
		}
	}
	return logex.Trace(ErrNoDescSlot)
}

// killDesc leaves a descriptor block that failed holding no valid image.
// When it will not erase, its header is programmed to zero, which needs
// no erase, so an old generation in it can never be mounted again.
func (v *Volume) killDesc(phys int) error {
	err := v.dev.EraseFlash(phys)
	if err == nil || flash.IsPowerLoss(err) {
		return err
	}
	zero := make([]byte, desc.HeaderSize)
	if err := flash.WriteVerify(v.dev, zero, phys, 0, common.SigDesc); err != nil {
		logex.Error("cannot invalidate descriptor block", phys, err)
		return err
	}
	return nil
}

func (v *Volume) dirPart() int {
	return v.geo.DirEntries / v.geo.SeparateDir
}

// storeDir rewrites every separate directory block onto a fresh block.
// The old copy turns DISCARD and is freed once the descriptor naming the
// new one is committed.
func (v *Volume) storeDir() error {
	part := v.dirPart()
	for d := 0; d < v.geo.SeparateDir; d++ {
		b, ok := v.alloc.FindFree()
		if !ok {
			return logex.Trace(ErrNoSpace)
		}
		tag := common.DirBlock(d)
		for s, e := range v.img.Fat {
			if e == tag {
				v.setFat(s, common.Discard)
			}
		}
		v.tagBlock(b, tag)

		raw := desc.DirBytes(v.img.Dir[d*part : (d+1)*part])
		n := int(util.RoundUp(uint64(len(raw)), uint64(v.geo.SectorSize)))
		data := make([]byte, n*v.geo.SectorSize)
		util.Fill(data, 0xff)
		copy(data, raw)

		old := v.physical(b)
		for {
			v.wearLevel()
			free := v.physical(v.maxblock)
			v.incWear(free)
			err := v.dev.EraseFlash(free)
			if err == nil {
				err = flash.WriteVerify(v.dev, data, free, 0, common.SigData)
			}
			if err == nil {
				v.setIndex(v.maxblock, old)
				v.setIndex(b, free)
				break
			}
			if flash.IsPowerLoss(err) {
				return err
			}
			bad, ok := v.alloc.FindFree()
			if !ok {
				return logex.Trace(ErrNoSpace)
			}
			v.swapBadBlock(bad)
		}
	}
	return nil
}
