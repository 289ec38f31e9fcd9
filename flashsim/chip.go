package flashsim

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/chzyer/logex"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-safeftl/common"
	"github.com/mit-pdos/go-safeftl/disk"
	"github.com/mit-pdos/go-safeftl/flash"
	"github.com/mit-pdos/go-safeftl/util"
)

const chipMagic uint64 = 0x6873616c66736166

var (
	ErrNoChip       = logex.Define("flashsim: disk holds no chip image")
	ErrGeometry     = logex.Define("flashsim: geometry does not match chip image")
	ErrDiskTooSmall = logex.Define("flashsim: disk too small for geometry")
)

var _ flash.Device = (*Chip)(nil)

// Chip simulates a flash part on top of a disk. Disk block 0 holds the
// chip header; the cell array follows, then one signature word and one
// bad-block byte per physical block.
//
// Programming can only clear bits and erasing sets a block to 0xff.
type Chip struct {
	mu  *sync.Mutex
	d   disk.Disk
	geo flash.Geometry

	nblocks int
	sigOff  int64
	badOff  int64

	erases []uint64

	failVerify map[int]bool
	failErase  map[int]bool
	onErase    func(block int)
	onProgram  func(block int, relsector int)

	budget     int64
	off        bool
	programmed int64
}

// DiskBlocks is the disk size Create needs for g.
func DiskBlocks(g flash.Geometry) uint64 {
	pb := int64(g.PhysicalBlocks())
	total := g.Size() + pb*4 + pb
	return 1 + util.RoundUp(uint64(total), disk.BlockSize)
}

func mkChip(d disk.Disk, g flash.Geometry) (*Chip, error) {
	if err := g.Validate(); err != nil {
		return nil, logex.Trace(err)
	}
	sz, err := d.Size()
	if err != nil {
		return nil, logex.Trace(err)
	}
	if sz < DiskBlocks(g) {
		return nil, logex.Trace(ErrDiskTooSmall)
	}
	pb := g.PhysicalBlocks()
	c := &Chip{
		mu:         new(sync.Mutex),
		d:          d,
		geo:        g,
		nblocks:    pb,
		sigOff:     g.Size(),
		badOff:     g.Size() + int64(pb)*4,
		erases:     make([]uint64, pb),
		failVerify: make(map[int]bool),
		failErase:  make(map[int]bool),
		budget:     -1,
	}
	return c, nil
}

func encodeHeader(g flash.Geometry) disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(chipMagic)
	enc.PutInts([]uint64{
		uint64(g.Kind), uint64(g.BlockSize), uint64(g.SectorSize),
		uint64(g.SectorPerBlock), uint64(g.Blocks), uint64(g.MaxFat),
	})
	return enc.Finish()
}

// Create lays out a factory-fresh chip (every cell erased) on d.
func Create(d disk.Disk, g flash.Geometry, factoryBad ...int) (*Chip, error) {
	c, err := mkChip(d, g)
	if err != nil {
		return nil, err
	}
	if err := d.Write(0, encodeHeader(g)); err != nil {
		return nil, logex.Trace(err)
	}
	if err := disk.Fill(d, 1, DiskBlocks(g)-1, 0xff); err != nil {
		return nil, logex.Trace(err)
	}
	for _, b := range factoryBad {
		c.MarkBad(b)
	}
	util.DPrintf(1, "flashsim: created %s chip, %d blocks of %d bytes\n",
		g.Kind, c.nblocks, g.BlockSize)
	return c, nil
}

// Open attaches to a chip image previously laid out by Create.
func Open(d disk.Disk, g flash.Geometry) (*Chip, error) {
	c, err := mkChip(d, g)
	if err != nil {
		return nil, err
	}
	hdr, err := d.Read(0)
	if err != nil {
		return nil, logex.Trace(err)
	}
	dec := marshal.NewDec(hdr)
	if dec.GetInt() != chipMagic {
		return nil, logex.Trace(ErrNoChip)
	}
	if !bytes.Equal(hdr, encodeHeader(g)) {
		return nil, logex.Trace(ErrGeometry)
	}
	return c, nil
}

func (c *Chip) Geometry() flash.Geometry {
	return c.geo
}

// readAt and writeAt address the byte space after the header block.
func (c *Chip) readAt(off int64, buf []byte) {
	if err := disk.ReadBytes(c.d, disk.BlockSize+uint64(off), buf); err != nil {
		panic(err)
	}
}

func (c *Chip) writeAt(off int64, buf []byte) {
	if err := disk.WriteBytes(c.d, disk.BlockSize+uint64(off), buf); err != nil {
		panic(err)
	}
}

func (c *Chip) cellOff(block int, offset int) int64 {
	return int64(block)*int64(c.geo.BlockSize) + int64(offset)
}

func (c *Chip) checkRange(block int, offset int, n int) error {
	if block < 0 || block >= c.nblocks || offset < 0 || offset+n > c.geo.BlockSize {
		return logex.Trace(flash.ErrRange, block, offset, n)
	}
	return nil
}

func (c *Chip) ReadFlash(data []byte, block int, offset int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkRange(block, offset, len(data)); err != nil {
		return err
	}
	if c.off {
		return logex.Trace(flash.ErrPowerLoss)
	}
	c.readAt(c.cellOff(block, offset), data)
	if util.Erased(data) {
		return flash.ErrErased
	}
	return nil
}

// program ANDs data into the cells, stopping early when the power budget
// runs out.
func (c *Chip) program(block int, offset int, data []byte, sig uint32) error {
	if err := c.checkRange(block, offset, len(data)); err != nil {
		return err
	}
	if c.off {
		return logex.Trace(flash.ErrPowerLoss)
	}
	if fn := c.onProgram; fn != nil {
		c.mu.Unlock()
		fn(block, offset/c.geo.SectorSize)
		c.mu.Lock()
		if c.off {
			return logex.Trace(flash.ErrPowerLoss)
		}
	}
	n := len(data)
	cut := false
	if c.budget >= 0 && int64(n) > c.budget {
		n = int(c.budget)
		cut = true
	}
	if c.signature(block) == common.SigErased {
		c.setSignature(block, sig)
	}
	if !c.failVerify[block] && n > 0 {
		cur := make([]byte, n)
		c.readAt(c.cellOff(block, offset), cur)
		for i := range cur {
			cur[i] &= data[i]
		}
		c.writeAt(c.cellOff(block, offset), cur)
	}
	c.programmed += int64(n)
	if c.budget >= 0 {
		c.budget -= int64(n)
	}
	if cut {
		c.off = true
		util.DPrintf(3, "flashsim: power cut programming block %d at +%d\n", block, offset+n)
		return logex.Trace(flash.ErrPowerLoss)
	}
	return nil
}

func (c *Chip) verify(block int, offset int, data []byte) error {
	if err := c.checkRange(block, offset, len(data)); err != nil {
		return err
	}
	if c.off {
		return logex.Trace(flash.ErrPowerLoss)
	}
	cur := make([]byte, len(data))
	c.readAt(c.cellOff(block, offset), cur)
	if !bytes.Equal(cur, data) {
		if util.Erased(cur) {
			return flash.ErrErased
		}
		return flash.ErrVerify
	}
	return nil
}

func (c *Chip) WriteFlash(data []byte, block int, relsector int, sig uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.program(block, relsector*c.geo.SectorSize, data, sig)
}

func (c *Chip) VerifyFlash(data []byte, block int, relsector int, sig uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verify(block, relsector*c.geo.SectorSize, data)
}

func (c *Chip) erase(block int) error {
	if err := c.checkRange(block, 0, 0); err != nil {
		return err
	}
	if c.off || c.budget == 0 {
		c.off = true
		return logex.Trace(flash.ErrPowerLoss)
	}
	if c.failErase[block] {
		return logex.Trace(flash.ErrErase)
	}
	ff := make([]byte, c.geo.BlockSize)
	util.Fill(ff, 0xff)
	c.writeAt(c.cellOff(block, 0), ff)
	c.setSignature(block, common.SigErased)
	c.erases[block]++
	if c.budget > 0 {
		c.budget--
	}
	if fn := c.onErase; fn != nil {
		c.mu.Unlock()
		fn(block)
		c.mu.Lock()
	}
	return nil
}

func (c *Chip) EraseFlash(block int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.erase(block)
}

func (c *Chip) CheckBadBlock(block int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := make([]byte, 1)
	c.readAt(c.badOff+int64(block), b)
	return b[0] != 0xff
}

func (c *Chip) signature(block int) uint32 {
	b := make([]byte, 4)
	c.readAt(c.sigOff+int64(block)*4, b)
	return binary.LittleEndian.Uint32(b)
}

func (c *Chip) setSignature(block int, sig uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, sig)
	c.writeAt(c.sigOff+int64(block)*4, b)
}

func (c *Chip) BlockSignature(block int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signature(block)
}

// Sync flushes the backing disk.
func (c *Chip) Sync() error {
	return c.d.Barrier()
}

func (c *Chip) Close() error {
	return c.d.Close()
}
