package ftl

import (
	"bytes"
	"testing"

	"github.com/chzyer/logex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-safeftl/common"
	"github.com/mit-pdos/go-safeftl/disk"
	"github.com/mit-pdos/go-safeftl/flash"
	"github.com/mit-pdos/go-safeftl/flashsim"
)

type config struct {
	name string
	geo  flash.Geometry
	opts Options
}

var configs = []config{
	{"nand", nandGeo, Options{}},
	{"nand-nojournal", nandGeo, Options{DisableJournal: true}},
	{"nand-sepdir", sepDirGeo(), Options{}},
	{"nor", norGeo, Options{}},
}

// rig is a chip on a memory disk that survives simulated power cuts.
type rig struct {
	t    *testing.T
	cfg  config
	d    disk.Disk
	chip *flashsim.Chip
	v    *Volume
}

func mkRig(t *testing.T, cfg config, factoryBad ...int) *rig {
	r := &rig{t: t, cfg: cfg}
	r.d = disk.NewMemDisk(flashsim.DiskBlocks(cfg.geo))
	chip, err := flashsim.Create(r.d, cfg.geo, factoryBad...)
	require.Nil(t, err)
	r.chip = chip
	r.v, err = MkVolume(device(chip, cfg.geo), cfg.opts)
	require.Nil(t, err)
	require.Nil(t, r.v.Format())
	return r
}

// restart attaches a powered chip to the same cells and mounts.
func (r *rig) restart() {
	chip, err := flashsim.Open(r.d, r.cfg.geo)
	require.Nil(r.t, err)
	r.chip = chip
	r.v, err = MkVolume(device(chip, r.cfg.geo), r.cfg.opts)
	require.Nil(r.t, err)
	require.Nil(r.t, r.v.Mount())
}

func (r *rig) put(name string, mode Mode, b []byte) error {
	f, err := r.v.Open(name, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Abort()
		return err
	}
	return f.Close()
}

// get returns nil for a missing file.
func (r *rig) get(name string) []byte {
	f, err := r.v.Open(name, ModeRead)
	if logex.Equal(err, ErrNotFound) {
		return nil
	}
	require.Nil(r.t, err)
	var out bytes.Buffer
	_, err = out.ReadFrom(f)
	require.Nil(r.t, err)
	require.Nil(r.t, f.Close())
	return append([]byte{}, out.Bytes()...)
}

func TestVerifyFailureMovesBlock(t *testing.T) {
	for _, cfg := range configs {
		t.Run(cfg.name, func(t *testing.T) {
			assert := assert.New(t)
			r := mkRig(t, cfg)
			ss := cfg.geo.SectorSize
			b := data(3 * ss)

			f, err := r.v.Open("a", ModeWrite)
			require.Nil(t, err)
			require.Nil(t, r.v.StoreSector(f, b[:ss]))
			bad := r.v.physical(r.v.fatbitsblock)
			r.chip.FailVerify(bad)
			require.Nil(t, r.v.StoreSector(f, b[ss:2*ss]))
			require.Nil(t, r.v.StoreSector(f, b[2*ss:]))
			require.Nil(t, f.Close())

			assert.NotEqual(bad, r.v.physical(r.v.fatbitsblock))
			l, ok := r.v.holder(bad)
			require.True(t, ok)
			assert.True(r.v.SectorBad(l * cfg.geo.SectorPerBlock))
			assert.Equal(uint64(1), r.v.Stats().BadBlockSwaps)
			assert.Equal(b, r.get("a"))
			checkVolume(t, r.v)

			r.restart()
			assert.Equal(b, r.get("a"))
			for i := 0; i < 6; i++ {
				require.Nil(t, r.put("b", ModeWrite, data(2*ss)))
			}
			assert.Equal(uint64(0), r.chip.EraseCount(bad))
			l, ok = r.v.holder(bad)
			require.True(t, ok)
			assert.True(r.v.SectorBad(l * cfg.geo.SectorPerBlock))
			checkVolume(t, r.v)
		})
	}
}

func TestEraseFailureQuarantines(t *testing.T) {
	for _, cfg := range configs {
		t.Run(cfg.name, func(t *testing.T) {
			assert := assert.New(t)
			r := mkRig(t, cfg)
			bad := r.v.physical(r.v.maxblock)
			r.chip.FailErase(bad)

			b := data(cfg.geo.SectorSize + 10)
			require.Nil(t, r.put("a", ModeWrite, b))
			assert.NotEqual(bad, r.v.physical(r.v.maxblock))
			l, ok := r.v.holder(bad)
			require.True(t, ok)
			assert.True(r.v.SectorBad(l * cfg.geo.SectorPerBlock))

			r.restart()
			assert.Equal(b, r.get("a"))
			sp, err := r.v.FreeSpace()
			require.Nil(t, err)
			assert.Equal(uint64(cfg.geo.SectorPerBlock*cfg.geo.SectorSize), sp.Bad)
			checkVolume(t, r.v)
		})
	}
}

func TestFactoryBadBlocks(t *testing.T) {
	for _, cfg := range configs {
		t.Run(cfg.name, func(t *testing.T) {
			assert := assert.New(t)
			r := mkRig(t, cfg, 3, 7)
			spb := cfg.geo.SectorPerBlock
			img := r.v.Image()
			good := cfg.geo.Blocks - 2
			assert.Equal(uint16(3), img.Index[good-1])
			assert.Equal(uint16(7), img.Index[good])
			for s := (good - 1) * spb; s < (good+1)*spb; s++ {
				assert.Equal(common.NotUsed, img.Fat[s])
				assert.True(r.v.SectorBad(s))
			}

			for i := 0; i < 5; i++ {
				require.Nil(t, r.put("a", ModeWrite, data(3*cfg.geo.SectorSize)))
			}
			assert.Equal(uint64(0), r.chip.EraseCount(3))
			assert.Equal(uint64(0), r.chip.EraseCount(7))
			sp, err := r.v.FreeSpace()
			require.Nil(t, err)
			assert.Equal(uint64(2*spb*cfg.geo.SectorSize), sp.Bad)
		})
	}
}

type snapshot struct {
	index []uint16
	fat   []common.Entry
	wear  []uint32
	ref   uint32
	dir   [][]byte
}

func snap(v *Volume) snapshot {
	img := v.Image()
	s := snapshot{index: img.Index, fat: img.Fat, wear: img.Wear, ref: img.Reference}
	for i := range img.Dir {
		s.dir = append(s.dir, img.Dir[i].Pack())
	}
	return s
}

// A power cut right after the descriptor slot is erased leaves the state
// of the previous commit.
func TestPowerLossInDescriptorWrite(t *testing.T) {
	cfgs := []config{
		{"nand", nandGeo, Options{}},
		{"nand-nojournal", nandGeo, Options{DisableJournal: true}},
		{"nor", norGeo, Options{}},
	}
	for _, cfg := range cfgs {
		t.Run(cfg.name, func(t *testing.T) {
			assert := assert.New(t)
			r := mkRig(t, cfg)
			a := data(2*cfg.geo.SectorSize + 1)
			require.Nil(t, r.put("a", ModeWrite, a))
			before := snap(r.v)

			var target int
			if cfg.geo.Kind == flash.NOR {
				target = cfg.geo.Blocks + (r.v.slot+1)%cfg.geo.MaxFat
			} else {
				target = r.v.desc[r.v.next]
			}
			if r.v.cache != nil {
				// skip the journal so the commit rewrites a slot
				r.v.mu.Lock()
				r.v.cache.MarkFull()
				r.v.mu.Unlock()
			}
			chip := r.chip
			chip.OnErase(func(block int) {
				if block == target {
					chip.PowerOff()
				}
			})
			err := r.put("b", ModeWrite, data(cfg.geo.SectorSize))
			assert.True(flash.IsPowerLoss(err), "err %v", err)

			r.restart()
			assert.Equal(before, snap(r.v))
			assert.Equal(a, r.get("a"))
			assert.Nil(r.get("b"))
			checkVolume(t, r.v)
		})
	}
}

// A descriptor slot that will not erase is invalidated and left out of
// the ring; commits go on in the others and the reference survives the
// counter wrapping.
func TestRingSlotEraseFailure(t *testing.T) {
	assert := assert.New(t)
	r := mkRig(t, config{"nor", norGeo, Options{}})
	bad := (r.v.slot + 1) % norGeo.MaxFat
	r.chip.FailErase(norGeo.Blocks + bad)

	last := data(norGeo.SectorSize + 3)
	wrap := uint64(common.NorRefModulus) + 8
	for i := 0; r.v.Stats().FullCommits < wrap; i++ {
		require.True(t, i < int(wrap), "no commit in put %d", i)
		require.Nil(t, r.put("a", ModeWrite, data(i%50+1)))
	}
	require.Nil(t, r.put("a", ModeWrite, last))
	assert.True(r.v.dead[bad])
	assert.NotEqual(bad, r.v.slot)
	st := r.v.Stats()

	_, err := r.v.readImage(norGeo.Blocks + bad)
	assert.NotNil(err, "failed slot still decodes")

	r.restart()
	assert.Equal(st.Reference, r.v.Stats().Reference)
	assert.Equal(last, r.get("a"))
	checkVolume(t, r.v)
	require.Nil(t, r.put("b", ModeWrite, data(10)))
}

// A slot that can neither be erased nor overwritten keeps an old
// generation. Mount refuses the ring rather than guess.
func TestRingStaleSlotRefused(t *testing.T) {
	r := mkRig(t, config{"nor", norGeo, Options{}})
	for i := 0; i < norGeo.MaxFat; i++ {
		require.Nil(t, r.put("a", ModeWrite, data(10)))
	}
	stale := norGeo.Blocks + (r.v.slot+1)%norGeo.MaxFat
	r.chip.FailErase(stale)
	r.chip.FailVerify(stale)
	for i := 0; i < 10; i++ {
		require.Nil(t, r.put("a", ModeWrite, data(20)))
	}

	chip, err := flashsim.Open(r.d, norGeo)
	require.Nil(t, err)
	v, err := MkVolume(device(chip, norGeo), Options{})
	require.Nil(t, err)
	err = v.Mount()
	assert.True(t, logex.Equal(err, ErrNotFormatted), "err %v", err)
}

// A file created but never closed has no directory entry after a power
// cut, and is invisible while it is open.
func TestUncommittedCreateLost(t *testing.T) {
	for _, cfg := range configs {
		t.Run(cfg.name, func(t *testing.T) {
			assert := assert.New(t)
			r := mkRig(t, cfg)
			a := data(cfg.geo.SectorSize + 5)
			require.Nil(t, r.put("a", ModeWrite, a))

			f, err := r.v.Open("c", ModeWrite)
			require.Nil(t, err)
			_, err = f.Write(data(3 * cfg.geo.SectorPerBlock * cfg.geo.SectorSize))
			require.Nil(t, err)

			fis, err := r.v.List()
			require.Nil(t, err)
			require.Equal(t, 1, len(fis))
			assert.Equal("a", fis[0].Name)
			_, err = r.v.Open("c", ModeRead)
			assert.True(logex.Equal(err, ErrNotFound), "err %v", err)
			_, err = r.v.Open("c", ModeWrite)
			assert.True(logex.Equal(err, ErrLocked), "err %v", err)

			r.restart()
			assert.Nil(r.get("c"))
			assert.Equal(a, r.get("a"))
			checkVolume(t, r.v)
			require.Nil(t, r.put("c", ModeWrite, data(7)))
			assert.Equal(data(7), r.get("c"))
		})
	}
}

func TestJournalReplay(t *testing.T) {
	assert := assert.New(t)
	r := mkRig(t, config{"nand", nandGeo, Options{}})
	names := []string{"f0", "f1", "f2", "f3", "f4"}
	for _, n := range names {
		require.Nil(t, r.put(n, ModeWrite, nil))
	}
	st := r.v.Stats()
	assert.Equal(uint64(5), st.JournalRuns)
	assert.Equal(uint64(2), st.FullCommits)

	r.chip.SetBudget(0)
	err := r.put("f5", ModeWrite, nil)
	assert.True(flash.IsPowerLoss(err), "err %v", err)

	r.restart()
	assert.Equal(5, r.v.Stats().ReplayedRuns)
	fis, err := r.v.List()
	require.Nil(t, err)
	var got []string
	for _, fi := range fis {
		got = append(got, fi.Name)
	}
	assert.Equal(names, got)
	checkVolume(t, r.v)

	// the replayed changes reach a full descriptor on the next commit
	require.Nil(t, r.v.storeFat(true))
	r.restart()
	assert.Equal(0, r.v.Stats().ReplayedRuns)
	fis, err = r.v.List()
	require.Nil(t, err)
	assert.Equal(5, len(fis))
}

// A torn run at the append point forces the next commit to be a full
// one.
func TestTornJournalRun(t *testing.T) {
	assert := assert.New(t)
	r := mkRig(t, config{"nand", nandGeo, Options{}})
	require.Nil(t, r.put("a", ModeWrite, nil))

	r.chip.SetBudget(8)
	err := r.put("b", ModeWrite, nil)
	assert.True(flash.IsPowerLoss(err), "err %v", err)

	r.restart()
	assert.Equal(1, r.v.Stats().ReplayedRuns)
	assert.True(r.v.cache.Full())
	require.Nil(t, r.put("c", ModeWrite, nil))
	st := r.v.Stats()
	assert.Equal(uint64(0), st.JournalRuns)
	assert.Equal(uint64(1), st.FullCommits)
	assert.NotNil(r.get("a"))
	assert.Nil(r.get("b"))
}

// crashOps is a short workload whose every prefix leaves a recognizable state.
func crashOps(r *rig, a2 []byte, c []byte) error {
	if err := r.put("a", ModeWrite, a2); err != nil {
		return err
	}
	if err := r.v.Remove("b"); err != nil {
		return err
	}
	if err := r.put("c", ModeAppend, c); err != nil {
		return err
	}
	return r.put("c", ModeAppend, c)
}

func TestCrashSweep(t *testing.T) {
	for _, cfg := range configs {
		t.Run(cfg.name, func(t *testing.T) {
			ss := cfg.geo.SectorSize
			a1, a2 := data(3*ss+7), data(2*ss+300)
			b1, c := data(ss), data(ss/2)
			cc := append(append([]byte{}, c...), c...)

			setup := func() *rig {
				r := mkRig(t, cfg)
				require.Nil(t, r.put("a", ModeWrite, a1))
				require.Nil(t, r.put("b", ModeWrite, b1))
				return r
			}

			r := setup()
			start := r.chip.Programmed()
			require.Nil(t, crashOps(r, a2, c))
			total := r.chip.Programmed() - start
			stride := total/80 + 1

			for cut := int64(0); cut <= total; cut += stride {
				r := setup()
				r.chip.SetBudget(cut)
				err := crashOps(r, a2, c)
				r.restart()
				checkVolume(t, r.v)

				a, b, got := r.get("a"), r.get("b"), r.get("c")
				stage := 0
				switch {
				case bytes.Equal(a, a1):
				case bytes.Equal(a, a2):
					stage = 1
				default:
					t.Fatalf("cut %d: a holds %d bytes of neither version", cut, len(a))
				}
				if b == nil {
					assert.Equal(t, 1, stage, "cut %d: b removed before a committed", cut)
					stage = 2
				} else {
					assert.Equal(t, b1, b, "cut %d", cut)
				}
				switch {
				case got == nil:
				case bytes.Equal(got, c):
					assert.Equal(t, 2, stage, "cut %d: c before b removed", cut)
					stage = 3
				case bytes.Equal(got, cc):
					assert.Equal(t, 2, stage, "cut %d: c before b removed", cut)
					stage = 4
				default:
					t.Fatalf("cut %d: c holds %d bytes", cut, len(got))
				}
				if err == nil {
					assert.Equal(t, 4, stage, "cut %d: workload finished", cut)
				}

				// the volume keeps working after the cut
				require.Nil(t, r.put("d", ModeWrite, data(ss+1)))
				checkVolume(t, r.v)
			}
		})
	}
}

func TestStoppedAfterCommitFailure(t *testing.T) {
	assert := assert.New(t)
	r := mkRig(t, config{"nor", norGeo, Options{}})
	for s := 0; s < norGeo.MaxFat; s++ {
		r.chip.FailErase(norGeo.Blocks + s)
	}
	err := r.put("a", ModeWrite, data(10))
	assert.True(logex.Equal(err, ErrNoDescSlot), "err %v", err)
	_, err = r.v.Open("b", ModeWrite)
	assert.True(logex.Equal(err, ErrStopped), "err %v", err)
	assert.True(logex.Equal(r.v.Flush(), ErrStopped))

	r.restart()
	assert.Nil(r.get("a"))
	require.Nil(t, r.put("a", ModeWrite, data(10)))
}
