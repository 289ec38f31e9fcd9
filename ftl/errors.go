package ftl

import (
	"github.com/chzyer/logex"
)

var (
	ErrNoSpace      = logex.Define("ftl: no free block")
	ErrNotFormatted = logex.Define("ftl: volume not formatted")
	ErrStopped      = logex.Define("ftl: volume stopped after a failed commit")
	ErrChain        = logex.Define("ftl: broken sector chain")
	ErrAborted      = logex.Define("ftl: file handle aborted")
	ErrClosed       = logex.Define("ftl: file already closed")
	ErrLocked       = logex.Define("ftl: file is locked")
	ErrNotFound     = logex.Define("ftl: no such file")
	ErrBadGeometry  = logex.Define("ftl: geometry does not fit the device")
	ErrBusy         = logex.Define("ftl: files are open")
	ErrDirFull      = logex.Define("ftl: directory full")
	ErrName         = logex.Define("ftl: bad file name")
	ErrMode         = logex.Define("ftl: operation not allowed in this mode")
	ErrNoDescSlot   = logex.Define("ftl: every descriptor slot failed")
	ErrCorrupt      = logex.Define("ftl: volume metadata inconsistent")
)
