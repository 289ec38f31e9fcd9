package desc

import (
	"encoding/binary"

	"github.com/chzyer/logex"
	"github.com/go-restruct/restruct"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-safeftl/common"
	"github.com/mit-pdos/go-safeftl/flash"
	"github.com/mit-pdos/go-safeftl/util"
)

var (
	ErrCrc     = logex.Define("descriptor: crc mismatch")
	ErrVersion = logex.Define("descriptor: unknown version")
	ErrShort   = logex.Define("descriptor: image too short")
	ErrAddr    = logex.Define("descriptor: word address out of range")
)

// Header starts every descriptor image. CRC covers the image after itself.
type Header struct {
	CRC       uint32
	Reference uint32
	NextDesc  int32
	DirCRC    uint32
	Version   uint32
	VolumeID  [16]byte
}

const (
	HeaderSize  = 36
	HeaderWords = HeaderSize / 4
)

// Layout fixes where each table sits in the image. Tables are stored one
// 32-bit little-endian word per element; word addresses index that space
// and are what the write cache journals.
type Layout struct {
	Blocks     int
	Sectors    int
	DirEntries int
	InlineDir  bool
}

func MkLayout(g flash.Geometry) Layout {
	return Layout{
		Blocks:     g.Blocks,
		Sectors:    g.MaxSector(),
		DirEntries: g.DirEntries,
		InlineDir:  g.SeparateDir == 0,
	}
}

func (l Layout) IndexAddr(logical int) int {
	return HeaderWords + logical
}

func (l Layout) FatAddr(sector int) int {
	return HeaderWords + l.Blocks + sector
}

func (l Layout) WearAddr(physical int) int {
	return HeaderWords + l.Blocks + l.Sectors + physical
}

func (l Layout) Words() int {
	return HeaderWords + 2*l.Blocks + l.Sectors
}

func (l Layout) DirSize() int {
	return l.DirEntries * DirEntrySize
}

func (l Layout) Size() int {
	sz := l.Words() * 4
	if l.InlineDir {
		sz += l.DirSize()
	}
	return sz
}

// Image is the in-memory descriptor.
type Image struct {
	Header
	Index []uint16
	Fat   []common.Entry
	Wear  []uint32
	Dir   []DirEntry
	l     Layout
}

func MkImage(l Layout) *Image {
	img := &Image{
		Header: Header{Version: common.DescVersion, NextDesc: -1},
		Index:  make([]uint16, l.Blocks),
		Fat:    make([]common.Entry, l.Sectors),
		Wear:   make([]uint32, l.Blocks),
		Dir:    make([]DirEntry, l.DirEntries),
		l:      l,
	}
	for i := range img.Index {
		img.Index[i] = uint16(i)
	}
	for i := range img.Fat {
		img.Fat[i] = common.Free
	}
	return img
}

func (img *Image) Layout() Layout {
	return img.l
}

// Word reads the table element at word address a.
func (img *Image) Word(a int) (uint32, error) {
	l := img.l
	switch {
	case a < HeaderWords || a >= l.Words():
		return 0, logex.Trace(ErrAddr, a)
	case a < l.FatAddr(0):
		return uint32(img.Index[a-l.IndexAddr(0)]), nil
	case a < l.WearAddr(0):
		return uint32(img.Fat[a-l.FatAddr(0)]), nil
	default:
		return img.Wear[a-l.WearAddr(0)], nil
	}
}

func (img *Image) SetWord(a int, v uint32) error {
	l := img.l
	switch {
	case a < HeaderWords || a >= l.Words():
		return logex.Trace(ErrAddr, a)
	case a < l.FatAddr(0):
		img.Index[a-l.IndexAddr(0)] = uint16(v)
	case a < l.WearAddr(0):
		img.Fat[a-l.FatAddr(0)] = common.Entry(v)
	default:
		img.Wear[a-l.WearAddr(0)] = v
	}
	return nil
}

func (img *Image) DirCrc() uint32 {
	return util.Crc32(DirBytes(img.Dir))
}

// Encode returns the sealed image: header, tables, inline directory.
func (img *Image) Encode() []byte {
	img.DirCRC = img.DirCrc()
	hdr, err := restruct.Pack(binary.LittleEndian, &img.Header)
	if err != nil {
		panic(err)
	}
	enc := marshal.NewEnc(uint64(img.l.Size()))
	enc.PutBytes(hdr)
	for _, v := range img.Index {
		enc.PutInt32(uint32(v))
	}
	for _, v := range img.Fat {
		enc.PutInt32(uint32(v))
	}
	for _, v := range img.Wear {
		enc.PutInt32(v)
	}
	if img.l.InlineDir {
		enc.PutBytes(DirBytes(img.Dir))
	}
	b := enc.Finish()
	img.CRC = util.Crc32(b[4:])
	binary.LittleEndian.PutUint32(b[0:4], img.CRC)
	return b
}

// Decode checks the CRC and version of b and unpacks it.
func Decode(l Layout, b []byte) (*Image, error) {
	if len(b) < l.Size() {
		return nil, logex.Trace(ErrShort)
	}
	b = b[:l.Size()]
	img := MkImage(l)
	if err := restruct.Unpack(b[:HeaderSize], binary.LittleEndian, &img.Header); err != nil {
		return nil, logex.Trace(err)
	}
	if util.Crc32(b[4:]) != img.CRC {
		return nil, logex.Trace(ErrCrc)
	}
	if img.Version != common.DescVersion {
		return nil, logex.Trace(ErrVersion, img.Version)
	}
	dec := marshal.NewDec(b[HeaderSize:])
	for i := range img.Index {
		img.Index[i] = uint16(dec.GetInt32())
	}
	for i := range img.Fat {
		img.Fat[i] = common.Entry(dec.GetInt32())
	}
	for i := range img.Wear {
		img.Wear[i] = dec.GetInt32()
	}
	if l.InlineDir {
		if err := img.DecodeDir(dec.GetBytes(uint64(l.DirSize()))); err != nil {
			return nil, err
		}
	}
	return img, nil
}

func (img *Image) DecodeDir(b []byte) error {
	for i := range img.Dir {
		de, err := UnpackDirEntry(b[i*DirEntrySize:])
		if err != nil {
			return logex.Trace(err)
		}
		img.Dir[i] = de
	}
	return nil
}

// Clone copies the tables; used to snapshot state for comparison.
func (img *Image) Clone() *Image {
	c := *img
	c.Index = append([]uint16(nil), img.Index...)
	c.Fat = append([]common.Entry(nil), img.Fat...)
	c.Wear = append([]uint32(nil), img.Wear...)
	c.Dir = append([]DirEntry(nil), img.Dir...)
	return &c
}
