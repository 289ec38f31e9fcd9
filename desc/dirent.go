package desc

import (
	"bytes"
	"encoding/binary"

	"github.com/go-restruct/restruct"
)

const DirEntrySize = 32

const (
	AttrFile     uint8 = 0x20
	AttrReadOnly uint8 = 0x01
)

// DirEntry is one slot of the flat directory.
type DirEntry struct {
	Name     [16]byte
	Attr     uint8
	Secure   uint8
	Sector   uint16
	Len      uint32
	CTime    uint16
	CDate    uint16
	Reserved uint32
}

func (de *DirEntry) InUse() bool {
	return de.Attr != 0
}

func (de *DirEntry) SetName(name string) {
	de.Name = [16]byte{}
	copy(de.Name[:], name)
}

func (de *DirEntry) NameString() string {
	return string(bytes.TrimRight(de.Name[:], "\x00"))
}

func (de *DirEntry) Pack() []byte {
	b, err := restruct.Pack(binary.LittleEndian, de)
	if err != nil {
		panic(err)
	}
	return b
}

func UnpackDirEntry(b []byte) (DirEntry, error) {
	var de DirEntry
	err := restruct.Unpack(b[:DirEntrySize], binary.LittleEndian, &de)
	return de, err
}

// DirBytes packs every entry in table order.
func DirBytes(dir []DirEntry) []byte {
	buf := make([]byte, 0, len(dir)*DirEntrySize)
	for i := range dir {
		buf = append(buf, dir[i].Pack()...)
	}
	return buf
}
