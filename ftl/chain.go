package ftl

import (
	"github.com/chzyer/logex"

	"github.com/mit-pdos/go-safeftl/common"
)

// A chain is walked through link slots. A slot is either the head field
// of a file handle or a mirror FAT entry; linkHead names the head.
const linkHead = -1

func (f *File) getLink() common.Entry {
	if f.link == linkHead {
		return f.start
	}
	return f.v.mirror[f.link]
}

func (f *File) setLink(e common.Entry) {
	if f.link == linkHead {
		f.start = e
		return
	}
	f.v.mirror[f.link] = e
}

func (f *File) setDiscardLink(e common.Entry) {
	if f.dlink == linkHead {
		f.dstart = e
		return
	}
	f.v.mirror[f.dlink] = e
}

// addSectorChain links sector at f's position. Whatever sector was there
// moves to the discard chain if it is committed, or is freed if it was
// only staged.
func (v *Volume) addSectorChain(f *File, sector int) {
	cur := f.getLink()
	f.setLink(common.Next(uint16(sector)))
	if cur == common.EOF {
		v.mirror[sector] = common.EOF
		return
	}
	cs := int(cur.Sector())
	v.mirror[sector] = v.mirror[cs]
	if v.img.Fat[cs] != common.Free {
		f.setDiscardLink(cur)
		v.mirror[cs] = common.EOF
		f.dlink = cs
	} else {
		v.mirror[cs] = common.Free
	}
}

// copyChainIntoMirror stages a committed chain in the mirror so a handle
// can walk and extend it. The chain must cover exactly length bytes.
func (v *Volume) copyChainIntoMirror(start common.Entry, length int64) error {
	ss := int64(v.geo.SectorSize)
	e := start
	for n := int64(0); ; n++ {
		if e == common.EOF {
			if n*ss < length || (n > 0 && (n-1)*ss >= length) {
				return logex.Trace(ErrChain, n, length)
			}
			return nil
		}
		if !e.IsNext() || int(e.Sector()) >= len(v.img.Fat) || n > int64(len(v.img.Fat)) {
			return logex.Trace(ErrChain, e)
		}
		s := int(e.Sector())
		e = v.img.Fat[s]
		v.mirror[s] = e
	}
}

// walkChain calls fn for each sector of the chain starting at start in
// table; fn sees the sector and the entry it held.
func walkChain(table []common.Entry, start common.Entry, fn func(s int, e common.Entry)) {
	e := start
	for n := 0; e.IsNext() && int(e.Sector()) < len(table) && n <= len(table); n++ {
		s := int(e.Sector())
		e = table[s]
		fn(s, e)
	}
}

// copyMirrorChain commits a staged chain into the FAT and frees its
// mirror entries.
func (v *Volume) copyMirrorChain(start common.Entry) {
	walkChain(v.mirror, start, func(s int, e common.Entry) {
		v.setFat(s, e)
		v.mirror[s] = common.Free
	})
}

// copyDiscMirrorChain marks the sectors of a discard chain DISCARD.
func (v *Volume) copyDiscMirrorChain(start common.Entry) {
	walkChain(v.mirror, start, func(s int, e common.Entry) {
		v.setFat(s, common.Discard)
		v.mirror[s] = common.Free
	})
}

func (v *Volume) removeMirrorChain(start common.Entry) {
	walkChain(v.mirror, start, func(s int, e common.Entry) {
		v.mirror[s] = common.Free
	})
}

// setDiscSectors marks a committed chain DISCARD. The sectors become free
// only after the change is committed.
func (v *Volume) setDiscSectors(start common.Entry) {
	var secs []int
	walkChain(v.img.Fat, start, func(s int, e common.Entry) {
		secs = append(secs, s)
	})
	for _, s := range secs {
		v.setFat(s, common.Discard)
	}
}

// removeDiscSectors frees every DISCARD sector. It runs only after a
// commit, and the change need not be journaled: a DISCARD sector found at
// mount is freed the same way.
func (v *Volume) removeDiscSectors() {
	for s, e := range v.img.Fat {
		if e == common.Discard {
			v.img.Fat[s] = common.Free
		}
	}
}
