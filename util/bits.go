package util

// Bits is a fixed-size bitmap of per-sector flags.
type Bits []uint32

func MkBits(n int) Bits {
	return make(Bits, n/32+1)
}

func (b Bits) Set(i int) {
	b[uint(i)>>5] |= 1 << (uint(i) & 31)
}

func (b Bits) Clear(i int) {
	b[uint(i)>>5] &^= 1 << (uint(i) & 31)
}

func (b Bits) Test(i int) bool {
	return b[uint(i)>>5]&(1<<(uint(i)&31)) != 0
}

func (b Bits) Reset() {
	for i := range b {
		b[i] = 0
	}
}
