package wcache

import (
	"github.com/mit-pdos/go-safeftl/util"
)

type Kind uint32

const (
	KindDesc Kind = 1
	KindDir  Kind = 2
)

// Record sets one descriptor word (KindDesc) or one directory entry
// (KindDir) to an absolute value, so applying it twice is harmless.
type Record struct {
	Kind  Kind
	Addr  uint32
	Value []uint32
}

type key struct {
	kind Kind
	addr uint32
}

// pending holds the records not yet written. A second write to the same
// address is absorbed into the first record.
type pending struct {
	recs    []Record
	addrPos map[key]int
	nde     int
}

func mkPending() *pending {
	return &pending{addrPos: make(map[key]int)}
}

func (p *pending) write(r Record) {
	k := key{r.Kind, r.Addr}
	if pos, ok := p.addrPos[k]; ok {
		util.DPrintf(10, "wcache: absorb %d/%d pos %d\n", r.Kind, r.Addr, pos)
		p.recs[pos] = r
		return
	}
	p.addrPos[k] = len(p.recs)
	p.recs = append(p.recs, r)
	if r.Kind == KindDir {
		p.nde++
	}
}

// words is the encoded size of the records.
func (p *pending) words() int {
	n := 0
	for _, r := range p.recs {
		n += 3 + len(r.Value)
	}
	return n
}
