// Package ftl is the flash translation layer of a Safe volume. It maps
// logical sectors onto physical flash blocks, keeps the FAT, the block
// index and the wear table in a descriptor committed by ping-pong (NAND)
// or ring (NOR) rewrites, and stages every file update in a mirror FAT so
// that a power cut at any point leaves the last committed state intact.
//
// A Volume is safe for use by several goroutines; every exported method
// that reads or changes volume state takes the volume lock.
package ftl

import (
	"sync"

	"github.com/chzyer/logex"

	"github.com/mit-pdos/go-safeftl/alloc"
	"github.com/mit-pdos/go-safeftl/common"
	"github.com/mit-pdos/go-safeftl/desc"
	"github.com/mit-pdos/go-safeftl/flash"
	"github.com/mit-pdos/go-safeftl/lockmap"
	"github.com/mit-pdos/go-safeftl/util"
	"github.com/mit-pdos/go-safeftl/wcache"
)

type State int

const (
	StateNotFormatted State = iota
	StateWorking
)

func (s State) String() string {
	if s == StateWorking {
		return "working"
	}
	return "not formatted"
}

// Options tune a volume beyond what the geometry fixes.
type Options struct {
	// DisableJournal forces a full descriptor rewrite on every commit.
	DisableJournal bool
	// ResetWear zeroes the wear table on the next Format even when the
	// volume mounted.
	ResetWear bool
	// StaticPeriod is the number of flushes between static wear-leveling
	// passes; 0 means common.StaticPeriod.
	StaticPeriod int
}

// Stats counts the work a volume has done since it was created.
type Stats struct {
	Reference     uint32
	FullCommits   uint64
	JournalRuns   uint64
	ReplayedRuns  int
	BadBlockSwaps uint64
	StaticMoves   uint64
	FreeBlocks    int
}

type Volume struct {
	mu   *sync.Mutex
	dev  flash.Device
	geo  flash.Geometry
	opts Options
	l    desc.Layout

	img    *desc.Image
	mirror []common.Entry
	alloc  *alloc.Alloc

	// write cache; nil without a journal
	cache *wcache.Cache
	pw    flash.PageWriter
	bc    flash.BlockCopier

	spb      int
	maxblock int
	descSpan int

	// a merge moves prevbitsblock into the reserved slot fatbitsblock;
	// fatbits marks sectors not yet written there, copybits the live
	// sectors still to copy
	fatbitsblock  int
	prevbitsblock int
	lockblock     int
	fatbits       util.Bits
	copybits      util.Bits

	// NAND descriptor slots (physical) and the one to write next
	desc [2]int
	next int
	// NOR ring slot holding the current descriptor, and the slots that
	// failed this session
	slot int
	dead []bool

	files     []*File
	locks     *lockmap.LockMap
	creating  map[int]string
	state     State
	stoperr   error
	resetwear bool
	staticcou int
	stats     Stats
}

// MkVolume attaches to dev. The volume starts not formatted; call Mount
// or Format.
func MkVolume(dev flash.Device, opts Options) (*Volume, error) {
	g := dev.Geometry()
	if err := g.Validate(); err != nil {
		return nil, logex.Trace(err)
	}
	l := desc.MkLayout(g)
	span := int(util.RoundUp(uint64(l.Size()), uint64(g.SectorSize))) * g.SectorSize
	if g.PageSize > 0 {
		span = int(util.RoundUp(uint64(span), uint64(g.PageSize))) * g.PageSize
	}
	if g.DescSize > 0 && l.Size() > g.DescSize {
		return nil, logex.Trace(ErrBadGeometry, l.Size(), g.DescSize)
	}
	if span > g.BlockSize {
		return nil, logex.Trace(ErrBadGeometry, span)
	}
	if g.SeparateDir > 0 {
		if g.DirEntries%g.SeparateDir != 0 {
			return nil, logex.Trace(ErrBadGeometry, g.DirEntries, g.SeparateDir)
		}
		part := g.DirEntries / g.SeparateDir * desc.DirEntrySize
		if part > g.SectorSize*g.SectorPerBlock {
			return nil, logex.Trace(ErrBadGeometry, part)
		}
	}

	v := &Volume{
		mu:            new(sync.Mutex),
		dev:           dev,
		geo:           g,
		opts:          opts,
		l:             l,
		spb:           g.SectorPerBlock,
		maxblock:      g.Blocks - 1,
		descSpan:      span,
		fatbitsblock:  common.NoBlock,
		prevbitsblock: common.NoBlock,
		lockblock:     common.NoBlock,
		fatbits:       util.MkBits(g.SectorPerBlock),
		copybits:      util.MkBits(g.SectorPerBlock),
		desc:          [2]int{-1, -1},
		slot:          -1,
		dead:          make([]bool, g.MaxFat),
		locks:         lockmap.MkLockMap(),
		creating:      make(map[int]string),
		resetwear:     true,
	}
	v.img = desc.MkImage(l)
	v.mirror = make([]common.Entry, l.Sectors)
	v.clearMirror()

	var pre flash.PreEraser
	if g.Kind == flash.NAND {
		pre, _ = flash.PreEraserOf(dev)
		if pw, ok := flash.PageWriterOf(dev); ok && g.PageSize > 0 && !opts.DisableJournal && span < g.BlockSize {
			v.pw = pw
			v.cache = wcache.MkCache(span, g.BlockSize, g.PageSize, common.MaxCacheDirEntries)
		}
	}
	if bc, ok := dev.(flash.BlockCopier); ok {
		v.bc = bc
	}
	v.alloc = alloc.MkAlloc(allocView{v}, v.spb, v.maxblock, pre)
	v.staticcou = v.staticPeriod()
	util.DPrintf(1, "MkVolume: %s %d blocks, descriptor %d bytes, journal %v\n",
		g.Kind, g.Blocks, l.Size(), v.cache != nil)
	return v, nil
}

func (v *Volume) staticPeriod() int {
	if v.opts.StaticPeriod > 0 {
		return v.opts.StaticPeriod
	}
	return common.StaticPeriod
}

func (v *Volume) clearMirror() {
	for i := range v.mirror {
		v.mirror[i] = common.Free
	}
}

func (v *Volume) Geometry() flash.Geometry {
	return v.geo
}

func (v *Volume) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Volume) sectorFree(sector int) bool {
	return v.img.Fat[sector] == common.Free && v.mirror[sector] == common.Free
}

func (v *Volume) physical(logical int) int {
	return int(v.img.Index[logical])
}

func (v *Volume) wear(physical int) uint32 {
	return v.img.Wear[physical]
}

func (v *Volume) inFlight(logical int) bool {
	return logical == v.fatbitsblock || logical == v.prevbitsblock
}

// allocView is the allocator's window on the volume. The allocator only
// runs under the volume lock.
type allocView struct {
	v *Volume
}

var _ alloc.View = allocView{}

func (a allocView) SectorFree(sector int) bool { return a.v.sectorFree(sector) }
func (a allocView) Physical(logical int) int   { return a.v.physical(logical) }
func (a allocView) Wear(physical int) uint32   { return a.v.wear(physical) }
func (a allocView) InFlight(logical int) bool  { return a.v.inFlight(logical) }

// Every change to the committed tables goes through these setters so
// the write cache sees it.

func (v *Volume) setFat(s int, e common.Entry) {
	if v.img.Fat[s] == e {
		return
	}
	v.img.Fat[s] = e
	if v.cache != nil {
		v.cache.Word(v.l.FatAddr(s), uint32(e))
	}
}

func (v *Volume) setIndex(logical int, physical int) {
	if int(v.img.Index[logical]) == physical {
		return
	}
	v.img.Index[logical] = uint16(physical)
	if v.cache != nil {
		v.cache.Word(v.l.IndexAddr(logical), uint32(physical))
	}
}

func (v *Volume) swapIndex(a int, b int) {
	pa := v.physical(a)
	v.setIndex(a, v.physical(b))
	v.setIndex(b, pa)
}

func (v *Volume) incWear(physical int) {
	v.img.Wear[physical]++
	if v.cache != nil {
		v.cache.Word(v.l.WearAddr(physical), v.img.Wear[physical])
	}
}

func (v *Volume) dirChanged(i int) {
	if v.cache != nil {
		v.cache.DirEntry(i, v.img.Dir[i].Pack())
	}
}

func (v *Volume) tagBlock(logical int, e common.Entry) {
	for s := logical * v.spb; s < (logical+1)*v.spb; s++ {
		v.setFat(s, e)
	}
}

// Image returns a copy of the live descriptor.
func (v *Volume) Image() *desc.Image {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.img.Clone()
}

// Mirror returns a copy of the mirror FAT.
func (v *Volume) Mirror() []common.Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]common.Entry(nil), v.mirror...)
}

func (v *Volume) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.stats
	st.Reference = v.img.Reference
	st.FreeBlocks = v.alloc.CountFree()
	return st
}

// Space splits the data area into free, used and bad bytes.
type Space struct {
	Total uint64
	Free  uint64
	Used  uint64
	Bad   uint64
}

// FreeSpace counts sectors by their state in both FATs; the reserved
// block is not part of the data area.
func (v *Volume) FreeSpace() (Space, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateWorking {
		return Space{}, logex.Trace(ErrNotFormatted)
	}
	ss := uint64(v.geo.SectorSize)
	var sp Space
	for s := range v.img.Fat {
		sp.Total += ss
		switch {
		case v.sectorFree(s):
			sp.Free += ss
		case v.sectorBad(s):
			sp.Bad += ss
		default:
			sp.Used += ss
		}
	}
	return sp, nil
}

// SectorBad reports a sector that belongs to a quarantined block.
func (v *Volume) SectorBad(sector int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sectorBad(sector)
}

// Descriptor slots are NOTUSED blocks too but are not bad.
func (v *Volume) sectorBad(sector int) bool {
	if v.img.Fat[sector] != common.NotUsed && v.mirror[sector] != common.NotUsed {
		return false
	}
	p := v.physical(sector / v.spb)
	return p != v.desc[0] && p != v.desc[1]
}

func (v *Volume) checkWorking() error {
	if v.state != StateWorking {
		return logex.Trace(ErrNotFormatted)
	}
	if v.stoperr != nil {
		return logex.Trace(ErrStopped, v.stoperr)
	}
	return nil
}

// Unmount flushes and detaches. It refuses while a writer has staged
// data that would be lost.
func (v *Volume) Unmount() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, f := range v.files {
		if f.mode != ModeRead && f.state == FileStaged {
			return logex.Trace(ErrBusy, f.name)
		}
	}
	var err error
	if v.state == StateWorking && v.stoperr == nil {
		err = v.flush()
	}
	v.dropFiles()
	v.state = StateNotFormatted
	return err
}
