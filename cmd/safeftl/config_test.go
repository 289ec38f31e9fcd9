package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-safeftl/flash"
)

func freshConfig(t *testing.T) *Config {
	viper.Reset()
	t.Setenv("HOME", t.TempDir())
	c, err := loadConfig()
	require.Nil(t, err)
	return c
}

func TestDefaultGeometry(t *testing.T) {
	assert := assert.New(t)
	c := freshConfig(t)
	assert.Equal("safeftl.img", c.Image)
	assert.True(c.Journal)

	g, err := c.Geometry()
	require.Nil(t, err)
	assert.Equal(flash.NAND, g.Kind)
	assert.Equal(0, g.MaxFat)
	assert.Equal(512, g.PageSize)
	assert.False(c.Options().DisableJournal)
}

func TestEnvOverrides(t *testing.T) {
	assert := assert.New(t)
	t.Setenv("SAFEFTL_KIND", "nor")
	t.Setenv("SAFEFTL_JOURNAL", "false")
	t.Setenv("SAFEFTL_STATIC_PERIOD", "8")
	c := freshConfig(t)

	g, err := c.Geometry()
	require.Nil(t, err)
	assert.Equal(flash.NOR, g.Kind)
	assert.Equal(0, g.PageSize, "nor has no write cache pages")
	assert.Equal(4, g.MaxFat)

	opts := c.Options()
	assert.True(opts.DisableJournal)
	assert.Equal(8, opts.StaticPeriod)
}

func TestBadGeometry(t *testing.T) {
	c := freshConfig(t)
	c.SectorsPerBlock = 64
	_, err := c.Geometry()
	assert.NotNil(t, err, "64 sectors of 512 bytes overflow a 16k block")

	c = freshConfig(t)
	c.Kind = "emmc"
	_, err = c.Geometry()
	assert.NotNil(t, err)
}
