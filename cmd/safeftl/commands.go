package main

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-safeftl/ftl"
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Lay down an empty volume, creating the image if needed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := attach(true)
		if err != nil {
			return err
		}
		if err := s.v.Mount(); err == nil {
			fmt.Println("existing volume found, keeping its wear counts")
		}
		if err := s.v.Format(); err != nil {
			s.chip.Close()
			return err
		}
		id := uuid.UUID(s.v.Image().VolumeID)
		fmt.Printf("formatted %s volume %s\n", s.v.Geometry().Kind, id)
		return s.detach()
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show geometry, identity and usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := attach(false)
		if err != nil {
			return err
		}
		g := s.v.Geometry()
		img := s.v.Image()
		st := s.v.Stats()
		sp, err := s.v.FreeSpace()
		if err != nil {
			s.chip.Close()
			return err
		}
		fmt.Printf("volume     %s\n", uuid.UUID(img.VolumeID))
		fmt.Printf("kind       %s, %d blocks of %d x %d bytes\n",
			g.Kind, g.Blocks, g.SectorPerBlock, g.SectorSize)
		fmt.Printf("reference  %d (%d journal runs replayed)\n", st.Reference, st.ReplayedRuns)
		fmt.Printf("space      %d total, %d free, %d used, %d bad\n", sp.Total, sp.Free, sp.Used, sp.Bad)
		fmt.Printf("free       %d blocks\n", st.FreeBlocks)
		lo, hi := img.Wear[0], img.Wear[0]
		for _, w := range img.Wear {
			if w < lo {
				lo = w
			}
			if w > hi {
				hi = w
			}
		}
		fmt.Printf("wear       %d..%d\n", lo, hi)
		return s.detach()
	},
}

var putAppend bool

var putCmd = &cobra.Command{
	Use:   "put <name> [local-file]",
	Short: "Store a file, reading stdin when no local file is given",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var b []byte
		var err error
		if len(args) == 2 {
			b, err = os.ReadFile(args[1])
		} else {
			b, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return err
		}
		s, err := attach(false)
		if err != nil {
			return err
		}
		mode := ftl.ModeWrite
		if putAppend {
			mode = ftl.ModeAppend
		}
		f, err := s.v.Open(args[0], mode)
		if err != nil {
			s.detach()
			return err
		}
		if _, err := f.Write(b); err != nil {
			f.Abort()
			s.detach()
			return err
		}
		if err := f.Close(); err != nil {
			s.detach()
			return err
		}
		return s.detach()
	},
}

var getCmd = &cobra.Command{
	Use:   "get <name> [local-file]",
	Short: "Print a file, or save it when a local file is given",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := attach(false)
		if err != nil {
			return err
		}
		defer s.detach()
		f, err := s.v.Open(args[0], ftl.ModeRead)
		if err != nil {
			return err
		}
		b, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return err
		}
		if len(args) == 2 {
			return os.WriteFile(args[1], b, 0644)
		}
		_, err = os.Stdout.Write(b)
		return err
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := attach(false)
		if err != nil {
			return err
		}
		defer s.detach()
		fis, err := s.v.List()
		if err != nil {
			return err
		}
		for _, fi := range fis {
			fmt.Printf("%-16s %10d  %s\n", fi.Name, fi.Len, fi.Modified.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Remove a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := attach(false)
		if err != nil {
			return err
		}
		if err := s.v.Remove(args[0]); err != nil {
			s.detach()
			return err
		}
		return s.detach()
	},
}

var (
	stressFiles  int
	stressRounds int
	stressSize   int
	stressSeed   int64
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Rewrite files in a loop and check every copy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := attach(false)
		if err != nil {
			return err
		}
		defer s.detach()
		rnd := rand.New(rand.NewSource(stressSeed))
		want := make(map[string][]byte)
		for round := 0; round < stressRounds; round++ {
			name := fmt.Sprintf("stress%d", rnd.Intn(stressFiles))
			b := make([]byte, rnd.Intn(stressSize+1))
			rnd.Read(b)
			f, err := s.v.Open(name, ftl.ModeWrite)
			if err != nil {
				return err
			}
			if _, err := f.Write(b); err != nil {
				f.Abort()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			want[name] = b
			if s.nand != nil {
				if _, err := s.nand.BackgroundErase(); err != nil {
					return err
				}
			}
		}
		for name, b := range want {
			f, err := s.v.Open(name, ftl.ModeRead)
			if err != nil {
				return err
			}
			got, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return err
			}
			if !bytes.Equal(got, b) {
				return fmt.Errorf("%s: read back %d bytes differing from the %d written", name, len(got), len(b))
			}
		}
		st := s.v.Stats()
		fmt.Printf("%d rounds over %d files ok: %d full commits, %d journal runs, %d bad block swaps, %d static moves\n",
			stressRounds, len(want), st.FullCommits, st.JournalRuns, st.BadBlockSwaps, st.StaticMoves)
		return nil
	},
}

func init() {
	putCmd.Flags().BoolVarP(&putAppend, "append", "a", false, "append instead of replacing")

	stressCmd.Flags().IntVar(&stressFiles, "files", 4, "number of files rewritten")
	stressCmd.Flags().IntVar(&stressRounds, "rounds", 200, "number of rewrites")
	stressCmd.Flags().IntVar(&stressSize, "size", 4096, "largest file written")
	stressCmd.Flags().Int64Var(&stressSeed, "seed", 1, "random seed")
}
