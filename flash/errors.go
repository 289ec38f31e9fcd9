package flash

import (
	"github.com/chzyer/logex"
)

var (
	ErrErased    = logex.Define("flash: erased")
	ErrProgram   = logex.Define("flash: program failed")
	ErrVerify    = logex.Define("flash: verify failed")
	ErrErase     = logex.Define("flash: erase failed")
	ErrPowerLoss = logex.Define("flash: power lost")
	ErrRange     = logex.Define("flash: address out of range")
)

func IsErased(err error) bool {
	return err != nil && logex.Equal(err, ErrErased)
}

// IsPowerLoss reports a device that stopped answering; nothing can be
// recovered by trying another block.
func IsPowerLoss(err error) bool {
	return err != nil && logex.Equal(err, ErrPowerLoss)
}
