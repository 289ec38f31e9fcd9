package wcache

import (
	"encoding/binary"

	"github.com/chzyer/logex"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-safeftl/util"
)

var ErrRecord = logex.Define("wcache: malformed record")

func decodeRun(b []byte, size int) ([]Record, error) {
	dec := marshal.NewDec(b[runHdrSize : size-4])
	left := (size - runOverhead) / 4
	var recs []Record
	for left > 0 {
		if left < 3 {
			return nil, logex.Trace(ErrRecord)
		}
		r := Record{Kind: Kind(dec.GetInt32()), Addr: dec.GetInt32()}
		n := int(dec.GetInt32())
		left -= 3
		if n > left || (r.Kind != KindDesc && r.Kind != KindDir) {
			return nil, logex.Trace(ErrRecord)
		}
		r.Value = make([]uint32, n)
		for i := range r.Value {
			r.Value[i] = dec.GetInt32()
		}
		left -= n
		recs = append(recs, r)
	}
	return recs, nil
}

// Replay applies the runs of generation gen found in area, in order. A
// run is applied only after its CRC checks, and replay stops at the
// first run that is erased, out of sequence or damaged. It returns the
// number of runs applied and the byte offset after the last one.
func Replay(area []byte, pageSize int, gen uint32, apply func(Record) error) (int, int, error) {
	pos := 0
	runs := 0
	for pos+runOverhead <= len(area) {
		seq := binary.LittleEndian.Uint32(area[pos:])
		if seq == EndSeq {
			break
		}
		if seq != uint32(runs) || binary.LittleEndian.Uint32(area[pos+4:]) != gen {
			util.DPrintf(1, "wcache: run at %d out of sequence (seq %d)\n", pos, seq)
			break
		}
		size := int(binary.LittleEndian.Uint32(area[pos+8:]))
		if size < runOverhead || size%4 != 0 || pos+size > len(area) {
			util.DPrintf(1, "wcache: run at %d bad size %d\n", pos, size)
			break
		}
		run := area[pos : pos+size]
		if util.Crc32(run[:size-4]) != binary.LittleEndian.Uint32(run[size-4:]) {
			util.DPrintf(1, "wcache: run %d at %d fails crc\n", seq, pos)
			break
		}
		recs, err := decodeRun(run, size)
		if err != nil {
			break
		}
		for _, r := range recs {
			if err := apply(r); err != nil {
				return runs, pos, err
			}
		}
		runs++
		pos += int(util.RoundUp(uint64(size), uint64(pageSize))) * pageSize
	}
	return runs, pos, nil
}

// EntryBytes turns the words of a KindDir record back into entry bytes.
func EntryBytes(r Record) []byte {
	b := make([]byte, 4*len(r.Value))
	for i, v := range r.Value {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return b
}
