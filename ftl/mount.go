package ftl

import (
	"encoding/binary"

	"github.com/chzyer/logex"

	"github.com/mit-pdos/go-safeftl/common"
	"github.com/mit-pdos/go-safeftl/desc"
	"github.com/mit-pdos/go-safeftl/flash"
	"github.com/mit-pdos/go-safeftl/util"
	"github.com/mit-pdos/go-safeftl/wcache"
)

// Mount loads the newest valid descriptor, the separate directory and
// any journal runs written after it. It returns ErrNotFormatted when no
// usable descriptor exists.
func (v *Volume) Mount() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.files) > 0 {
		return logex.Trace(ErrBusy)
	}
	v.state = StateNotFormatted
	var gen uint32
	var err error
	if v.geo.Kind == flash.NOR {
		gen, err = v.getFatNor()
	} else {
		gen, err = v.getFat()
	}
	if err != nil {
		return err
	}
	if v.geo.SeparateDir > 0 {
		if err := v.getDir(); err != nil {
			return err
		}
	}
	v.stats.ReplayedRuns = 0
	if v.geo.Kind == flash.NAND && v.geo.PageSize > 0 && v.descSpan < v.geo.BlockSize {
		if err := v.restoreChanges(gen); err != nil {
			return err
		}
	}
	v.removeDiscSectors()

	v.clearMirror()
	v.fatbitsblock = common.NoBlock
	v.prevbitsblock = common.NoBlock
	v.lockblock = common.NoBlock
	v.fatbits.Reset()
	v.copybits.Reset()
	v.stoperr = nil
	v.resetwear = false
	v.staticcou = 2
	v.state = StateWorking
	util.DPrintf(1, "Mount: reference %d, %d journal runs\n", v.img.Reference, v.stats.ReplayedRuns)
	return nil
}

func (v *Volume) readImage(phys int) (*desc.Image, error) {
	b := make([]byte, v.l.Size())
	if err := flash.Read(v.dev, b, phys, 0); err != nil {
		return nil, err
	}
	return desc.Decode(v.l, b)
}

// getFat scans every block for the descriptor signature. Blocks carrying
// it without a valid image are torn writes and are erased.
func (v *Volume) getFat() (uint32, error) {
	var cands []desc.Candidate
	for p := 0; p < v.geo.Blocks; p++ {
		if !desc.CheckSignature(v.dev.BlockSignature(p), common.SigDesc) {
			continue
		}
		img, err := v.readImage(p)
		if err != nil {
			if flash.IsPowerLoss(err) {
				return 0, err
			}
			logex.Error("erasing torn descriptor in block", p, err)
			if err := v.dev.EraseFlash(p); flash.IsPowerLoss(err) {
				return 0, err
			}
			continue
		}
		cands = append(cands, desc.Candidate{Loc: p, Img: img})
	}
	best, err := desc.PickNand(cands)
	if err != nil {
		return 0, logex.Trace(ErrNotFormatted, err)
	}
	gen := best.Img.Reference
	v.img = best.Img
	v.img.Reference++
	v.desc[0] = best.Loc
	v.desc[1] = int(best.Img.NextDesc)
	if v.desc[1] == best.Loc || v.desc[1] < 0 || v.desc[1] >= v.geo.Blocks {
		v.desc[1] = -1
	}
	v.next = 1
	util.DPrintf(2, "getFat: reference %d in block %d of %d candidates\n", gen, best.Loc, len(cands))
	return gen, nil
}

func (v *Volume) getFatNor() (uint32, error) {
	var cands []desc.Candidate
	for s := 0; s < v.geo.MaxFat; s++ {
		img, err := v.readImage(v.geo.Blocks + s)
		if err != nil {
			if flash.IsPowerLoss(err) {
				return 0, err
			}
			continue
		}
		cands = append(cands, desc.Candidate{Loc: s, Img: img})
	}
	best, err := desc.PickNor(cands, v.geo.MaxFat)
	if err != nil {
		return 0, logex.Trace(ErrNotFormatted, err)
	}
	gen := best.Img.Reference
	v.img = best.Img
	v.img.Reference = desc.NorRef(gen + 1)
	v.slot = best.Loc
	return gen, nil
}

// getDir reads each separate directory block and checks the result
// against the CRC sealed in the descriptor.
func (v *Volume) getDir() error {
	part := v.dirPart()
	raw := make([]byte, part*desc.DirEntrySize)
	for d := 0; d < v.geo.SeparateDir; d++ {
		tag := common.DirBlock(d)
		found := -1
		for s, e := range v.img.Fat {
			if e == tag {
				found = s / v.spb
				break
			}
		}
		if found == -1 {
			return logex.Trace(ErrCorrupt, d)
		}
		if err := flash.Read(v.dev, raw, v.physical(found), 0); err != nil {
			return logex.Tracefmt("directory block %d: %v", d, err)
		}
		for i := 0; i < part; i++ {
			de, err := desc.UnpackDirEntry(raw[i*desc.DirEntrySize:])
			if err != nil {
				return logex.Trace(err)
			}
			v.img.Dir[d*part+i] = de
		}
	}
	if v.img.DirCrc() != v.img.DirCRC {
		return logex.Trace(ErrCorrupt, "directory crc")
	}
	return nil
}

// restoreChanges replays the journal runs of generation gen found in
// the tail of the current descriptor block. Runs are replayed even when
// this session writes no journal; the next full commit then carries
// them.
func (v *Volume) restoreChanges(gen uint32) error {
	cur := v.desc[1-v.next]
	area := make([]byte, v.geo.BlockSize-v.descSpan)
	err := flash.Read(v.dev, area, cur, v.descSpan)
	if v.cache != nil {
		v.cache.Reset(gen)
	}
	if flash.IsErased(err) {
		return nil
	}
	if err != nil {
		if flash.IsPowerLoss(err) {
			return err
		}
		logex.Error("journal unreadable, starting fresh", err)
		if v.cache != nil {
			v.cache.MarkFull()
		}
		return nil
	}
	runs, end, err := wcache.Replay(area, v.geo.PageSize, gen, func(r wcache.Record) error {
		return v.applyRecord(r)
	})
	if err != nil {
		return logex.Tracefmt("journal replay: %v", err)
	}
	v.stats.ReplayedRuns = runs
	if v.cache == nil {
		return nil
	}
	v.cache.Resume(runs, end)
	if end+4 <= len(area) && binary.LittleEndian.Uint32(area[end:]) != wcache.EndSeq {
		// a torn run sits at the append point
		v.cache.MarkFull()
	}
	return nil
}

func (v *Volume) applyRecord(r wcache.Record) error {
	switch r.Kind {
	case wcache.KindDesc:
		for i, w := range r.Value {
			if err := v.img.SetWord(int(r.Addr)+i, w); err != nil {
				return err
			}
		}
	case wcache.KindDir:
		if int(r.Addr) >= len(v.img.Dir) {
			return logex.Trace(wcache.ErrRecord, r.Addr)
		}
		de, err := desc.UnpackDirEntry(wcache.EntryBytes(r))
		if err != nil {
			return logex.Trace(err)
		}
		v.img.Dir[r.Addr] = de
	}
	return nil
}
