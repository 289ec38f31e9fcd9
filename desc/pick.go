package desc

import (
	"github.com/chzyer/logex"

	"github.com/mit-pdos/go-safeftl/common"
	"github.com/mit-pdos/go-safeftl/util"
)

var (
	ErrNoDescriptor = logex.Define("descriptor: no valid descriptor")
	ErrRefSpan      = logex.Define("descriptor: ring references out of order")
)

// CheckSignature accepts value when it differs from want in at most one bit.
func CheckSignature(value uint32, want uint32) bool {
	v := value ^ want
	return v&(v-1) == 0
}

// Candidate is a descriptor found at a physical block (NAND) or ring
// slot (NOR).
type Candidate struct {
	Loc int
	Img *Image
}

// PickNand returns the valid candidate with the highest reference.
func PickNand(cands []Candidate) (Candidate, error) {
	if len(cands) == 0 {
		return Candidate{}, logex.Trace(ErrNoDescriptor)
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Img.Reference > best.Img.Reference {
			best = c
		}
	}
	return best, nil
}

// NorRef folds a reference into the NOR ring's modulus.
func NorRef(r uint32) uint32 {
	return r % common.NorRefModulus
}

// Behind is how many generations b was written before a.
func Behind(a uint32, b uint32) uint32 {
	return (NorRef(a) + common.NorRefModulus - NorRef(b)) % common.NorRefModulus
}

// PickNor returns the candidate every other one trails by fewer than
// window generations. A ring of window slots can hold nothing older, so
// a set with no such leader (a stale slot, two equal references) is
// refused rather than guessed at.
func PickNor(cands []Candidate, window int) (Candidate, error) {
	if len(cands) == 0 {
		return Candidate{}, logex.Trace(ErrNoDescriptor)
	}
next:
	for _, c := range cands {
		for _, o := range cands {
			if o.Loc == c.Loc {
				continue
			}
			if d := Behind(c.Img.Reference, o.Img.Reference); d == 0 || d >= uint32(window) {
				continue next
			}
		}
		return c, nil
	}
	for _, c := range cands {
		util.DPrintf(1, "PickNor: slot %d ref %d\n", c.Loc, c.Img.Reference)
	}
	return Candidate{}, logex.Trace(ErrRefSpan, len(cands), window)
}
