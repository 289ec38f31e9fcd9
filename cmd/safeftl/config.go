package main

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/mit-pdos/go-safeftl/flash"
	"github.com/mit-pdos/go-safeftl/ftl"
)

// Config is the chip image and volume layout the commands work on.
type Config struct {
	Image string `mapstructure:"image"`
	Debug uint64 `mapstructure:"debug"`

	Kind            string `mapstructure:"kind"`
	BlockSize       int    `mapstructure:"block_size"`
	SectorSize      int    `mapstructure:"sector_size"`
	SectorsPerBlock int    `mapstructure:"sectors_per_block"`
	Blocks          int    `mapstructure:"blocks"`
	DescSize        int    `mapstructure:"desc_size"`
	MaxFat          int    `mapstructure:"max_fat"`
	PageSize        int    `mapstructure:"page_size"`
	SeparateDir     int    `mapstructure:"separate_dir"`
	DirEntries      int    `mapstructure:"dir_entries"`

	Journal      bool `mapstructure:"journal"`
	ResetWear    bool `mapstructure:"reset_wear"`
	StaticPeriod int  `mapstructure:"static_period"`
}

func setDefaults() {
	viper.SetDefault("image", "safeftl.img")
	viper.SetDefault("debug", 0)
	viper.SetDefault("kind", "nand")
	viper.SetDefault("block_size", 16384)
	viper.SetDefault("sector_size", 512)
	viper.SetDefault("sectors_per_block", 32)
	viper.SetDefault("blocks", 64)
	viper.SetDefault("desc_size", 0)
	viper.SetDefault("max_fat", 4)
	viper.SetDefault("page_size", 512)
	viper.SetDefault("separate_dir", 0)
	viper.SetDefault("dir_entries", 32)
	viper.SetDefault("journal", true)
	viper.SetDefault("reset_wear", false)
	viper.SetDefault("static_period", 0)
}

// loadConfig reads safeftl.yaml from . or $HOME/.safeftl when present,
// then SAFEFTL_* variables and the bound flags on top.
func loadConfig() (*Config, error) {
	viper.SetConfigName("safeftl")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.safeftl")
	setDefaults()

	viper.SetEnvPrefix("SAFEFTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Geometry() (flash.Geometry, error) {
	kind, err := flash.ParseKind(c.Kind)
	if err != nil {
		return flash.Geometry{}, err
	}
	g := flash.Geometry{
		Kind:           kind,
		BlockSize:      c.BlockSize,
		SectorSize:     c.SectorSize,
		SectorPerBlock: c.SectorsPerBlock,
		Blocks:         c.Blocks,
		DescSize:       c.DescSize,
		MaxFat:         c.MaxFat,
		PageSize:       c.PageSize,
		SeparateDir:    c.SeparateDir,
		DirEntries:     c.DirEntries,
	}
	if kind == flash.NOR {
		g.PageSize = 0
	} else {
		g.MaxFat = 0
	}
	return g, g.Validate()
}

func (c *Config) Options() ftl.Options {
	return ftl.Options{
		DisableJournal: !c.Journal,
		ResetWear:      c.ResetWear,
		StaticPeriod:   c.StaticPeriod,
	}
}
