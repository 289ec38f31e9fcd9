package desc

import (
	"testing"

	"github.com/chzyer/logex"
	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-safeftl/common"
	"github.com/mit-pdos/go-safeftl/flash"
)

var geo = flash.Geometry{
	Kind:           flash.NAND,
	BlockSize:      4096,
	SectorSize:     512,
	SectorPerBlock: 4,
	Blocks:         10,
	PageSize:       512,
	DirEntries:     4,
}

func sampleImage() *Image {
	img := MkImage(MkLayout(geo))
	img.Reference = 7
	img.NextDesc = 3
	img.Index[0], img.Index[9] = 9, 0
	img.Fat[0] = common.Next(5)
	img.Fat[5] = common.EOF
	img.Fat[35] = common.NotUsed
	img.Wear[4] = 12
	img.Dir[1].SetName("hello.txt")
	img.Dir[1].Attr = AttrFile
	img.Dir[1].Sector = 0
	img.Dir[1].Len = 700
	return img
}

func TestLayout(t *testing.T) {
	assert := assert.New(t)
	l := MkLayout(geo)
	assert.Equal(36, l.Sectors)
	assert.Equal(HeaderWords, l.IndexAddr(0))
	assert.Equal(HeaderWords+10, l.FatAddr(0))
	assert.Equal(HeaderWords+10+36, l.WearAddr(0))
	assert.Equal((HeaderWords+56)*4+4*DirEntrySize, l.Size())

	sep := geo
	sep.SeparateDir = 1
	assert.Equal((HeaderWords+56)*4, MkLayout(sep).Size())
}

func TestEncodeDecode(t *testing.T) {
	assert := assert.New(t)
	img := sampleImage()
	b := img.Encode()
	assert.Equal(img.l.Size(), len(b))

	img2, err := Decode(img.l, b)
	assert.Nil(err)
	assert.Equal(img.Header, img2.Header)
	assert.Equal(img.Index, img2.Index)
	assert.Equal(img.Fat, img2.Fat)
	assert.Equal(img.Wear, img2.Wear)
	assert.Equal("hello.txt", img2.Dir[1].NameString())
	assert.Equal(uint32(700), img2.Dir[1].Len)
}

func TestDecodeRejectsTorn(t *testing.T) {
	assert := assert.New(t)
	img := sampleImage()
	b := img.Encode()
	for _, off := range []int{0, 5, HeaderSize + 3, len(b) - 1} {
		torn := append([]byte(nil), b...)
		torn[off] ^= 0x10
		_, err := Decode(img.l, torn)
		assert.NotNil(err, "flip at %d", off)
	}

	erased := make([]byte, len(b))
	for i := range erased {
		erased[i] = 0xff
	}
	_, err := Decode(img.l, erased)
	assert.True(logex.Equal(err, ErrCrc))

	_, err = Decode(img.l, b[:10])
	assert.True(logex.Equal(err, ErrShort))
}

func TestWordAddressing(t *testing.T) {
	assert := assert.New(t)
	img := sampleImage()
	l := img.l
	v, err := img.Word(l.FatAddr(0))
	assert.Nil(err)
	assert.Equal(uint32(5), v)

	assert.Nil(img.SetWord(l.IndexAddr(3), 8))
	assert.Equal(uint16(8), img.Index[3])
	assert.Nil(img.SetWord(l.WearAddr(9), 99))
	assert.Equal(uint32(99), img.Wear[9])
	assert.Nil(img.SetWord(l.FatAddr(35), uint32(common.Discard)))
	assert.Equal(common.Discard, img.Fat[35])

	assert.NotNil(img.SetWord(0, 1), "header is not addressable")
	assert.NotNil(img.SetWord(l.Words(), 1))
	_, err = img.Word(-1)
	assert.NotNil(err)
}

func TestCheckSignature(t *testing.T) {
	assert := assert.New(t)
	assert.True(CheckSignature(common.SigDesc, common.SigDesc))
	assert.True(CheckSignature(common.SigDesc^0x100, common.SigDesc), "one bit flipped")
	assert.False(CheckSignature(common.SigDesc^0x101, common.SigDesc))
	assert.False(CheckSignature(common.SigData, common.SigDesc))
	assert.False(CheckSignature(common.SigErased, common.SigDesc))
}

func cand(loc int, ref uint32) Candidate {
	img := MkImage(MkLayout(geo))
	img.Reference = ref
	return Candidate{Loc: loc, Img: img}
}

func TestPickNand(t *testing.T) {
	assert := assert.New(t)
	c, err := PickNand([]Candidate{cand(4, 10), cand(7, 11)})
	assert.Nil(err)
	assert.Equal(7, c.Loc)

	c, err = PickNand([]Candidate{cand(4, 12), cand(7, 11)})
	assert.Nil(err)
	assert.Equal(4, c.Loc)

	c, err = PickNand([]Candidate{cand(2, 0)})
	assert.Nil(err, "a single valid slot wins")
	assert.Equal(2, c.Loc)

	_, err = PickNand(nil)
	assert.True(logex.Equal(err, ErrNoDescriptor))
}

func TestBehindWraparound(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint32(1), Behind(1, 0))
	assert.Equal(uint32(1023), Behind(0, 1))
	assert.Equal(uint32(1), Behind(0, 1023), "wrap forward")
	assert.Equal(uint32(9), Behind(5, 1020))
	assert.Equal(uint32(0), Behind(7, 7))
	assert.Equal(uint32(1), Behind(1024+3, 2), "references fold into the modulus")
}

func TestPickNor(t *testing.T) {
	assert := assert.New(t)
	c, err := PickNor([]Candidate{cand(0, 1022), cand(1, 1023), cand(2, 0)}, 4)
	assert.Nil(err)
	assert.Equal(2, c.Loc, "newest across the wrap")

	c, err = PickNor([]Candidate{cand(3, 41), cand(1, 40)}, 4)
	assert.Nil(err)
	assert.Equal(3, c.Loc)

	c, err = PickNor([]Candidate{cand(2, 0)}, 4)
	assert.Nil(err, "a single valid slot wins")
	assert.Equal(2, c.Loc)

	_, err = PickNor([]Candidate{cand(0, 3), cand(1, 515)}, 4)
	assert.True(logex.Equal(err, ErrRefSpan), "half the modulus apart")

	_, err = PickNor([]Candidate{cand(0, 697), cand(1, 698), cand(2, 2), cand(3, 699)}, 4)
	assert.True(logex.Equal(err, ErrRefSpan), "a stale slot the modulus ranks newer")

	_, err = PickNor([]Candidate{cand(0, 10), cand(1, 14)}, 4)
	assert.True(logex.Equal(err, ErrRefSpan), "more generations apart than the ring holds")

	_, err = PickNor([]Candidate{cand(0, 8), cand(1, 8)}, 4)
	assert.True(logex.Equal(err, ErrRefSpan), "equal references")

	_, err = PickNor(nil, 4)
	assert.True(logex.Equal(err, ErrNoDescriptor))
}
