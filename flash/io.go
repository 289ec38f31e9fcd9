package flash

import (
	"github.com/chzyer/logex"

	"github.com/mit-pdos/go-safeftl/common"
	"github.com/mit-pdos/go-safeftl/util"
)

// Retry runs op up to attempts times. An erased result is final.
func Retry(attempts int, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = op()
		if err == nil || IsErased(err) {
			return err
		}
		util.DPrintf(5, "retry: attempt %d: %v\n", i, err)
	}
	return err
}

func Read(d Device, data []byte, block int, offset int) error {
	return Retry(common.Retries, func() error {
		return d.ReadFlash(data, block, offset)
	})
}

// WriteVerify programs once and verifies up to common.Retries times.
// A verify that reads back erased means the program did not take.
func WriteVerify(d Device, data []byte, block int, relsector int, sig uint32) error {
	if err := d.WriteFlash(data, block, relsector, sig); err != nil {
		return logex.Trace(err)
	}
	err := Retry(common.Retries, func() error {
		return d.VerifyFlash(data, block, relsector, sig)
	})
	if IsErased(err) {
		return logex.Trace(ErrVerify)
	}
	if err != nil {
		return logex.Trace(err)
	}
	return nil
}
