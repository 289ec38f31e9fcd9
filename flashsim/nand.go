package flashsim

import (
	"github.com/chzyer/logex"

	"github.com/mit-pdos/go-safeftl/flash"
)

var (
	_ flash.PageWriter  = (*NandChip)(nil)
	_ flash.BlockCopier = (*NandChip)(nil)
	_ flash.PreEraser   = (*NandChip)(nil)
)

// NandChip adds the optional NAND capabilities: page program, on-chip
// block copy and erase-ahead.
type NandChip struct {
	*Chip
	preerased map[int]bool
	requested map[int]bool
}

func (c *Chip) Nand() *NandChip {
	return &NandChip{
		Chip:      c,
		preerased: make(map[int]bool),
		requested: make(map[int]bool),
	}
}

func (n *NandChip) dirty(block int) {
	delete(n.preerased, block)
	delete(n.requested, block)
}

func (n *NandChip) WriteVerifyPage(data []byte, block int, page int, npages int, sig uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	ps := n.geo.PageSize
	if ps == 0 || len(data) != npages*ps {
		return logex.Trace(flash.ErrRange, len(data), npages)
	}
	n.dirty(block)
	if err := n.program(block, page*ps, data, sig); err != nil {
		return err
	}
	return n.verify(block, page*ps, data)
}

func (n *NandChip) BlockCopy(dst int, src int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkRange(src, 0, 0); err != nil {
		return err
	}
	buf := make([]byte, n.geo.BlockSize)
	n.readAt(n.cellOff(src, 0), buf)
	sig := n.signature(src)
	n.dirty(dst)
	if err := n.program(dst, 0, buf, sig); err != nil {
		return err
	}
	return n.verify(dst, 0, buf)
}

// PreErase erases block now, as a background erase-ahead would.
func (n *NandChip) PreErase(block int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.erase(block); err != nil {
		return err
	}
	n.preerased[block] = true
	return nil
}

func (n *NandChip) RequestPreerase(block int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.preerased[block] {
		n.requested[block] = true
	}
}

// BackgroundErase serves the pending erase-ahead requests.
func (n *NandChip) BackgroundErase() (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	done := 0
	for block := range n.requested {
		if err := n.erase(block); err != nil {
			return done, err
		}
		delete(n.requested, block)
		n.preerased[block] = true
		done++
	}
	return done, nil
}

func (n *NandChip) Preerased(block int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.preerased[block]
}

// EraseFlash skips the erase of a block still clean from PreErase.
func (n *NandChip) EraseFlash(block int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.preerased[block] {
		delete(n.preerased, block)
		return nil
	}
	return n.erase(block)
}

func (n *NandChip) WriteFlash(data []byte, block int, relsector int, sig uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dirty(block)
	return n.program(block, relsector*n.geo.SectorSize, data, sig)
}
