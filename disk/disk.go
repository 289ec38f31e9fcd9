// Package disk stores the cells of a simulated flash chip in fixed-size
// blocks, either in memory or in an image file.
package disk

import (
	"github.com/tchajed/goose/machine/disk"
)

// Block is a BlockSize-byte buffer
type Block = disk.Block

const BlockSize uint64 = disk.BlockSize

// Disk is the block store a simulated flash chip keeps its cells in.
type Disk interface {
	// Read returns a fresh copy of block a. Expects a < Size().
	Read(a uint64) (Block, error)

	// ReadTo copies block a into b.
	ReadTo(a uint64, b Block) error

	// Write replaces block a.
	Write(a uint64, v Block) error

	// Size reports how big the disk is, in blocks
	Size() (uint64, error)

	// Barrier returns once every earlier write is durable.
	Barrier() error

	Close() error
}

// Batcher is implemented by disks that can write a run of consecutive
// blocks in one operation.
type Batcher interface {
	WriteBatch(start uint64, blocks []Block) error
}

// WriteRun writes blocks starting at start, in one call when d supports it.
func WriteRun(d Disk, start uint64, blocks []Block) error {
	if b, ok := d.(Batcher); ok {
		return b.WriteBatch(start, blocks)
	}
	for i, blk := range blocks {
		if err := d.Write(start+uint64(i), blk); err != nil {
			return err
		}
	}
	return nil
}

// Fill sets n blocks from start to the byte v.
func Fill(d Disk, start, n uint64, v byte) error {
	blk := make(Block, BlockSize)
	for i := range blk {
		blk[i] = v
	}
	const run = 16
	for n > 0 {
		k := n
		if k > run {
			k = run
		}
		blocks := make([]Block, k)
		for i := range blocks {
			blocks[i] = blk
		}
		if err := WriteRun(d, start, blocks); err != nil {
			return err
		}
		start += k
		n -= k
	}
	return nil
}

// ReadBytes copies len(buf) bytes from byte offset off of d.
func ReadBytes(d Disk, off uint64, buf []byte) error {
	blk := make(Block, BlockSize)
	for len(buf) > 0 {
		if err := d.ReadTo(off/BlockSize, blk); err != nil {
			return err
		}
		n := copy(buf, blk[off%BlockSize:])
		buf = buf[n:]
		off += uint64(n)
	}
	return nil
}

// WriteBytes stores buf at byte offset off of d, reading back the
// blocks it only partly covers.
func WriteBytes(d Disk, off uint64, buf []byte) error {
	for len(buf) > 0 {
		a, o := off/BlockSize, off%BlockSize
		var blk Block
		if o == 0 && uint64(len(buf)) >= BlockSize {
			blk = buf[:BlockSize]
		} else {
			var err error
			if blk, err = d.Read(a); err != nil {
				return err
			}
			copy(blk[o:], buf)
		}
		if err := d.Write(a, blk); err != nil {
			return err
		}
		n := BlockSize - o
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}
		buf = buf[n:]
		off += n
	}
	return nil
}
