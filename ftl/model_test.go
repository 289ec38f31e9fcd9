package ftl

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/chzyer/logex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-safeftl/common"
)

// modelConfigs give NOR room for the blocks its in-place fill strands.
func modelConfigs() []config {
	nor := norGeo
	nor.Blocks = 24
	return []config{
		{"nand", nandGeo, Options{}},
		{"nand-nojournal", nandGeo, Options{DisableJournal: true}},
		{"nand-sepdir", sepDirGeo(), Options{}},
		{"nor", nor, Options{}},
	}
}

func TestRandomOps(t *testing.T) {
	for _, cfg := range modelConfigs() {
		t.Run(cfg.name, func(t *testing.T) {
			assert := assert.New(t)
			rnd := rand.New(rand.NewSource(1))
			r := mkRig(t, cfg)
			names := []string{"x", "y", "z"}
			maxLen := 2*cfg.geo.SectorSize + cfg.geo.SectorSize/2
			model := make(map[string][]byte)

			payload := func(n int) []byte {
				b := make([]byte, n)
				rnd.Read(b)
				return b
			}
			verify := func(step int) {
				for _, n := range names {
					want, ok := model[n]
					got := r.get(n)
					if !ok {
						assert.Nil(got, "step %d: %s should not exist", step, n)
						continue
					}
					assert.Equal(want, got, "step %d: %s", step, n)
				}
				fis, err := r.v.List()
				require.Nil(t, err)
				assert.Equal(len(model), len(fis), "step %d", step)
			}

			for step := 0; step < 300; step++ {
				name := names[rnd.Intn(len(names))]
				cur, exists := model[name]
				switch op := rnd.Intn(10); {
				case op < 3:
					b := payload(rnd.Intn(maxLen + 1))
					require.Nil(t, r.put(name, ModeWrite, b), "step %d", step)
					model[name] = b
				case op < 5:
					add := rnd.Intn(cfg.geo.SectorSize)
					if len(cur)+add > maxLen {
						break
					}
					b := payload(add)
					require.Nil(t, r.put(name, ModeAppend, b), "step %d", step)
					model[name] = append(append([]byte{}, cur...), b...)
				case op < 6:
					err := r.v.Remove(name)
					if !exists {
						assert.True(logex.Equal(err, ErrNotFound), "step %d: %v", step, err)
						break
					}
					require.Nil(t, err, "step %d", step)
					delete(model, name)
				case op < 7:
					if !exists {
						break
					}
					f, err := r.v.Open(name, ModeWrite)
					require.Nil(t, err)
					_, err = f.Write(payload(rnd.Intn(maxLen)))
					require.Nil(t, err)
					f.Abort()
				case op < 9:
					verify(step)
				default:
					r.restart()
					checkVolume(t, r.v)
					verify(step)
				}
			}
			checkVolume(t, r.v)
			r.restart()
			checkVolume(t, r.v)
			verify(-1)
		})
	}
}

// Every block of staged sectors costs at least one erase, and the erases
// spread over the whole data area.
func TestWearSpread(t *testing.T) {
	assert := assert.New(t)
	r := mkRig(t, config{"nand", nandGeo, Options{}})
	const puts = 300
	for i := 0; i < puts; i++ {
		require.Nil(t, r.put("hot", ModeWrite, data(100)))
	}
	img := r.v.Image()
	lo, hi := ^uint32(0), uint32(0)
	var total uint64
	for p, w := range img.Wear {
		if p == r.v.desc[0] || p == r.v.desc[1] {
			continue
		}
		total += uint64(w)
		if w < lo {
			lo = w
		}
		if w > hi {
			hi = w
		}
	}
	assert.True(total >= uint64(puts/nandGeo.SectorPerBlock), "total %d", total)
	assert.True(hi-lo <= 4, "wear from %d to %d", lo, hi)
}

// agedExcept adds d to the wear of every physical block but keep and
// commits the result.
func agedExcept(t *testing.T, v *Volume, keep int, d uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for p := range v.img.Wear {
		if p != keep {
			v.img.Wear[p] += d
		}
	}
	require.Nil(t, v.storeFat(true))
}

func TestStaticWearLevel(t *testing.T) {
	assert := assert.New(t)
	cfg := config{"nand", nandGeo, Options{StaticPeriod: 4}}
	r := mkRig(t, cfg)
	cold := data(nandGeo.SectorPerBlock * nandGeo.SectorSize)
	require.Nil(t, r.put("cold", ModeWrite, cold))
	i, ok := r.v.lookup("cold")
	require.True(t, ok)
	l := int(r.v.Image().Dir[i].Sector) / nandGeo.SectorPerBlock
	before := r.v.physical(l)
	agedExcept(t, r.v, before, common.StaticWearDistance)

	for n := 0; n < 100 && r.v.Stats().StaticMoves == 0; n++ {
		require.Nil(t, r.put("hot", ModeWrite, data(100)))
	}
	require.Equal(t, uint64(1), r.v.Stats().StaticMoves)
	moved := r.v.physical(l)
	assert.NotEqual(before, moved)
	assert.Equal(cold, r.get("cold"))
	checkVolume(t, r.v)

	r.restart()
	assert.Equal(moved, r.v.physical(l))
	assert.Equal(cold, r.get("cold"))
	checkVolume(t, r.v)
}

func TestConcurrentWriters(t *testing.T) {
	r := mkRig(t, config{"nand", nandGeo, Options{}})
	var wg sync.WaitGroup
	final := make([][]byte, 4)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			name := fmt.Sprintf("w%d", g)
			for n := 0; n < 10; n++ {
				b := data(700 + g)
				if err := r.put(name, ModeWrite, b); err != nil {
					t.Errorf("%s: %v", name, err)
					return
				}
				final[g] = b
			}
		}(g)
	}
	wg.Wait()
	for g := 0; g < 4; g++ {
		assert.Equal(t, final[g], r.get(fmt.Sprintf("w%d", g)))
	}
	checkVolume(t, r.v)
}
