package flash

// Device is the raw flash a volume lives on. Block numbers are physical;
// relsector addresses SectorSize units inside a block.
type Device interface {
	Geometry() Geometry

	// ReadFlash fills data from block at byte offset. It returns ErrErased
	// when the range reads as never programmed; data then holds 0xff.
	ReadFlash(data []byte, block int, offset int) error

	WriteFlash(data []byte, block int, relsector int, sig uint32) error
	VerifyFlash(data []byte, block int, relsector int, sig uint32) error
	EraseFlash(block int) error

	// CheckBadBlock reports a factory-marked or worn-out block.
	CheckBadBlock(block int) bool

	// BlockSignature returns the signature programmed with the block's
	// first write, or common.SigErased.
	BlockSignature(block int) uint32
}

// PageWriter programs and verifies whole pages; it enables the write cache.
type PageWriter interface {
	WriteVerifyPage(data []byte, block int, page int, npages int, sig uint32) error
}

// BlockCopier copies a whole block on chip.
type BlockCopier interface {
	BlockCopy(dst int, src int) error
}

// PreEraser erases free blocks ahead of time. RequestPreerase is a hint;
// the device drops it once the block is programmed.
type PreEraser interface {
	Preerased(block int) bool
	RequestPreerase(block int)
}

func PageWriterOf(d Device) (PageWriter, bool) {
	pw, ok := d.(PageWriter)
	return pw, ok
}

func PreEraserOf(d Device) (PreEraser, bool) {
	pe, ok := d.(PreEraser)
	return pe, ok
}
