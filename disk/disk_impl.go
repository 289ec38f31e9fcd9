package disk

import (
	"fmt"
	"sync"

	"github.com/chzyer/logex"
	"golang.org/x/sys/unix"
)

var ErrShortIO = logex.Define("short image transfer")

// fileDisk keeps the blocks in an image file, one after another.
type fileDisk struct {
	path    string
	fd      int
	nblocks uint64
}

var _ Disk = (*fileDisk)(nil)
var _ Batcher = (*fileDisk)(nil)

// NewFileDisk opens the image at path, creating it or resizing it to
// nblocks blocks. Space added by the resize reads as zeros.
func NewFileDisk(path string, nblocks uint64) (Disk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0644)
	if err != nil {
		return nil, logex.Trace(err, path)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, logex.Trace(err, path)
	}
	want := int64(nblocks * BlockSize)
	if st.Mode&unix.S_IFMT == unix.S_IFREG && st.Size != want {
		if err := unix.Ftruncate(fd, want); err != nil {
			unix.Close(fd)
			return nil, logex.Trace(err, path)
		}
	}
	return &fileDisk{path: path, fd: fd, nblocks: nblocks}, nil
}

func (d *fileDisk) check(a, n uint64, op string) {
	if a+n > d.nblocks {
		panic(fmt.Sprintf("%s: %s of %d blocks at %d past %d", d.path, op, n, a, d.nblocks))
	}
}

func (d *fileDisk) ReadTo(a uint64, buf Block) error {
	d.check(a, 1, "read")
	n, err := unix.Pread(d.fd, buf[:BlockSize], int64(a*BlockSize))
	if err != nil {
		return logex.Trace(err, d.path)
	}
	if uint64(n) != BlockSize {
		return logex.Trace(ErrShortIO, a, n)
	}
	return nil
}

func (d *fileDisk) Read(a uint64) (Block, error) {
	buf := make(Block, BlockSize)
	return buf, d.ReadTo(a, buf)
}

func (d *fileDisk) Write(a uint64, v Block) error {
	return d.WriteBatch(a, []Block{v})
}

// WriteBatch issues the whole run as one pwrite.
func (d *fileDisk) WriteBatch(start uint64, blocks []Block) error {
	d.check(start, uint64(len(blocks)), "write")
	var buf []byte
	if len(blocks) == 1 {
		buf = blocks[0][:BlockSize]
	} else {
		buf = make([]byte, 0, uint64(len(blocks))*BlockSize)
		for _, b := range blocks {
			buf = append(buf, b[:BlockSize]...)
		}
	}
	n, err := unix.Pwrite(d.fd, buf, int64(start*BlockSize))
	if err != nil {
		return logex.Trace(err, d.path)
	}
	if n != len(buf) {
		return logex.Trace(ErrShortIO, start, n)
	}
	return nil
}

func (d *fileDisk) Size() (uint64, error) {
	return d.nblocks, nil
}

func (d *fileDisk) Barrier() error {
	return logex.Trace(unix.Fsync(d.fd))
}

func (d *fileDisk) Close() error {
	return logex.Trace(unix.Close(d.fd))
}

// memDisk holds only the blocks that were written; the rest read as zeros.
type memDisk struct {
	mu      sync.RWMutex
	nblocks uint64
	blocks  map[uint64]Block
}

var _ Disk = (*memDisk)(nil)

func NewMemDisk(nblocks uint64) Disk {
	return &memDisk{nblocks: nblocks, blocks: make(map[uint64]Block)}
}

func (d *memDisk) ReadTo(a uint64, buf Block) error {
	if a >= d.nblocks {
		panic(fmt.Sprintf("mem disk: read at %d past %d", a, d.nblocks))
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if b, ok := d.blocks[a]; ok {
		copy(buf, b)
	} else {
		copy(buf, make(Block, BlockSize))
	}
	return nil
}

func (d *memDisk) Read(a uint64) (Block, error) {
	buf := make(Block, BlockSize)
	return buf, d.ReadTo(a, buf)
}

func (d *memDisk) Write(a uint64, v Block) error {
	if a >= d.nblocks {
		panic(fmt.Sprintf("mem disk: write at %d past %d", a, d.nblocks))
	}
	b := make(Block, BlockSize)
	copy(b, v)
	d.mu.Lock()
	d.blocks[a] = b
	d.mu.Unlock()
	return nil
}

func (d *memDisk) Size() (uint64, error) {
	return d.nblocks, nil
}

func (d *memDisk) Barrier() error { return nil }

func (d *memDisk) Close() error { return nil }
