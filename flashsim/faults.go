package flashsim

// MarkBad sets the persistent bad-block mark the way a factory or a
// worn-out block would.
func (c *Chip) MarkBad(block int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeAt(c.badOff+int64(block), []byte{0})
}

// FailVerify makes every later program of block leave the cells untouched,
// so its verify fails.
func (c *Chip) FailVerify(block int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failVerify[block] = true
}

func (c *Chip) FailErase(block int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failErase[block] = true
}

// SetBudget cuts power once n more bytes have been programmed; an erase
// counts as one unit. A negative n disables the cut.
func (c *Chip) SetBudget(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budget = n
}

// OnErase runs fn after each successful erase.
func (c *Chip) OnErase(fn func(block int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onErase = fn
}

// OnProgram runs fn before each program; fn may arm further faults.
func (c *Chip) OnProgram(fn func(block int, relsector int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProgram = fn
}

func (c *Chip) PowerOff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.off = true
}

// PowerOn restores power and clears every armed fault except bad marks.
func (c *Chip) PowerOn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.off = false
	c.budget = -1
	c.onErase = nil
	c.onProgram = nil
	c.failVerify = make(map[int]bool)
	c.failErase = make(map[int]bool)
}

func (c *Chip) Powered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.off
}

// Programmed is the number of bytes programmed since the chip was attached.
func (c *Chip) Programmed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.programmed
}

func (c *Chip) EraseCount(block int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.erases[block]
}
