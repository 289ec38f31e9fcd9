package main

import (
	"fmt"
	"os"

	"github.com/chzyer/logex"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mit-pdos/go-safeftl/disk"
	"github.com/mit-pdos/go-safeftl/flash"
	"github.com/mit-pdos/go-safeftl/flashsim"
	"github.com/mit-pdos/go-safeftl/ftl"
	"github.com/mit-pdos/go-safeftl/util"
)

var cfg *Config

var rootCmd = &cobra.Command{
	Use:   "safeftl",
	Short: "Power-fail-safe flash volume on a simulated chip image",
	Long: `safeftl formats and uses a Safe flash volume kept in a chip image file.

Every write is staged and committed atomically, so an interrupted command
leaves the volume as it was after the last completed one.

Commands:
  format    Lay down an empty volume
  info      Show geometry, identity and usage
  put       Store a file
  get       Print or save a file
  ls        List files
  rm        Remove a file
  stress    Rewrite files in a loop and check them`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = c
		util.Debug = cfg.Debug
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("image", "safeftl.img", "chip image file")
	flags.String("kind", "nand", "flash kind (nand, nor)")
	flags.Bool("journal", true, "journal small commits in the descriptor block (nand)")
	flags.Uint64("debug", 0, "trace level")
	for _, name := range []string{"image", "kind", "journal", "debug"} {
		viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(formatCmd, infoCmd, putCmd, getCmd, lsCmd, rmCmd, stressCmd)
}

// session is an attached chip image and the volume on it.
type session struct {
	d    disk.Disk
	chip *flashsim.Chip
	nand *flashsim.NandChip
	v    *ftl.Volume
}

// attach opens the image, creating a factory-fresh chip when create is set
// and the image holds none, and mounts unless create is set.
func attach(create bool) (*session, error) {
	g, err := cfg.Geometry()
	if err != nil {
		return nil, err
	}
	d, err := disk.NewFileDisk(cfg.Image, flashsim.DiskBlocks(g))
	if err != nil {
		return nil, logex.Trace(err)
	}
	chip, err := flashsim.Open(d, g)
	if create && logex.Equal(err, flashsim.ErrNoChip) {
		chip, err = flashsim.Create(d, g)
	}
	if err != nil {
		d.Close()
		return nil, err
	}
	s := &session{d: d, chip: chip}
	var dev flash.Device = chip
	if g.Kind == flash.NAND {
		s.nand = chip.Nand()
		dev = s.nand
	}
	s.v, err = ftl.MkVolume(dev, cfg.Options())
	if err != nil {
		d.Close()
		return nil, err
	}
	if !create {
		if err := s.v.Mount(); err != nil {
			d.Close()
			return nil, err
		}
	}
	return s, nil
}

// detach unmounts and syncs the image.
func (s *session) detach() error {
	err := s.v.Unmount()
	if serr := s.chip.Sync(); err == nil {
		err = serr
	}
	if cerr := s.chip.Close(); err == nil {
		err = cerr
	}
	return err
}

func main() {
	Execute()
}
