package ftl

import (
	"github.com/chzyer/logex"
	"github.com/google/uuid"

	"github.com/mit-pdos/go-safeftl/common"
	"github.com/mit-pdos/go-safeftl/desc"
	"github.com/mit-pdos/go-safeftl/flash"
	"github.com/mit-pdos/go-safeftl/util"
)

// Format lays down an empty volume. Good blocks are mapped first and the
// last good one becomes the reserved block; bad blocks are mapped last
// and tagged NOTUSED. Wear counts survive unless the volume never
// mounted or ResetWear is set.
func (v *Volume) Format() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.files) > 0 {
		return logex.Trace(ErrBusy)
	}

	img := desc.MkImage(v.l)
	if !v.resetwear && !v.opts.ResetWear {
		copy(img.Wear, v.img.Wear)
	}
	id := uuid.New()
	copy(img.VolumeID[:], id[:])

	var good, bad []int
	for p := 0; p < v.geo.Blocks; p++ {
		if v.dev.CheckBadBlock(p) {
			bad = append(bad, p)
		} else {
			good = append(good, p)
		}
	}
	if len(good) < common.ReservedBlocks+2 {
		return logex.Trace(ErrBadGeometry, len(good))
	}
	cou := 0
	for _, p := range good[:len(good)-1] {
		img.Index[cou] = uint16(p)
		cou++
	}
	img.Index[v.maxblock] = uint16(good[len(good)-1])
	for _, p := range bad {
		img.Index[cou] = uint16(p)
		for s := cou * v.spb; s < (cou+1)*v.spb; s++ {
			img.Fat[s] = common.NotUsed
		}
		cou++
	}
	v.img = img

	if v.geo.Kind == flash.NAND {
		for p := 0; p < v.geo.Blocks; p++ {
			if desc.CheckSignature(v.dev.BlockSignature(p), common.SigDesc) {
				img.Wear[p]++
				if err := v.killDesc(p); flash.IsPowerLoss(err) {
					return err
				}
			}
		}
	} else {
		for s := 0; s < v.geo.MaxFat; s++ {
			if v.dead[s] {
				continue
			}
			if err := v.killDesc(v.geo.Blocks + s); err != nil {
				if flash.IsPowerLoss(err) {
					return err
				}
				v.dead[s] = true
			}
		}
	}

	v.clearMirror()
	v.fatbitsblock = common.NoBlock
	v.prevbitsblock = common.NoBlock
	v.lockblock = common.NoBlock
	v.fatbits.Reset()
	v.copybits.Reset()
	v.desc = [2]int{-1, -1}
	v.next = 0
	v.slot = -1
	v.stoperr = nil
	v.resetwear = false
	v.state = StateNotFormatted

	for i := 0; i < 2; i++ {
		if v.cache != nil {
			v.cache.Reset(v.img.Reference)
		}
		if err := v.storeFat(true); err != nil {
			return err
		}
		v.removeDiscSectors()
	}
	v.state = StateWorking
	util.DPrintf(1, "Format: %d good, %d bad blocks, volume %s\n", len(good), len(bad), id)
	return nil
}
