package flash

import (
	"fmt"

	"github.com/mit-pdos/go-safeftl/common"
)

type Kind int

const (
	NAND Kind = iota
	NOR
)

func (k Kind) String() string {
	if k == NOR {
		return "nor"
	}
	return "nand"
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "nand", "NAND", "":
		return NAND, nil
	case "nor", "NOR":
		return NOR, nil
	}
	return NAND, fmt.Errorf("unknown flash kind %q", s)
}

// Geometry describes a flash part and how a volume is laid out on it.
//
// Blocks counts the data blocks, one of which is always held back as the
// free block. On NOR the descriptor ring occupies the MaxFat physical
// blocks after them.
type Geometry struct {
	Kind           Kind
	BlockSize      int
	SectorSize     int
	SectorPerBlock int
	Blocks         int

	// DescSize caps the descriptor image; 0 means the image size itself.
	DescSize int

	MaxFat int

	// PageSize is the programmable page used by the write cache; 0 disables it.
	PageSize int

	SeparateDir int
	DirEntries  int
}

func (g Geometry) MaxSector() int {
	return (g.Blocks - 1) * g.SectorPerBlock
}

func (g Geometry) PhysicalBlocks() int {
	if g.Kind == NOR {
		return g.Blocks + g.MaxFat
	}
	return g.Blocks
}

func (g Geometry) Size() int64 {
	return int64(g.PhysicalBlocks()) * int64(g.BlockSize)
}

func (g Geometry) Validate() error {
	if g.SectorSize <= 0 || g.SectorPerBlock <= 0 || g.BlockSize <= 0 {
		return fmt.Errorf("geometry: sizes must be positive")
	}
	if g.SectorSize*g.SectorPerBlock > g.BlockSize {
		return fmt.Errorf("geometry: %d sectors of %d bytes exceed block size %d",
			g.SectorPerBlock, g.SectorSize, g.BlockSize)
	}
	if g.Blocks < 4 {
		return fmt.Errorf("geometry: need at least 4 blocks, have %d", g.Blocks)
	}
	if g.MaxSector() >= int(common.EOF) {
		return fmt.Errorf("geometry: %d sectors do not fit the FAT", g.MaxSector())
	}
	if g.Kind == NOR && g.MaxFat < 2 {
		return fmt.Errorf("geometry: nor needs at least 2 descriptor slots")
	}
	if g.PageSize != 0 && (g.PageSize < 16 || g.BlockSize%g.PageSize != 0) {
		return fmt.Errorf("geometry: page size %d does not divide block size %d",
			g.PageSize, g.BlockSize)
	}
	if g.SeparateDir < 0 || g.SeparateDir > common.MaxDirBlocks {
		return fmt.Errorf("geometry: separate dir blocks %d", g.SeparateDir)
	}
	if g.DirEntries <= 0 {
		return fmt.Errorf("geometry: no directory entries")
	}
	return nil
}
