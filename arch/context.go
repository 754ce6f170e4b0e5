// Package arch isolates the architecture-specific parts of scheduling and
// address-space switching behind a narrow surface: saving and restoring a
// register file, loading the translation-root register, and masking
// interrupt delivery. Everything above this package is
// architecture-agnostic and works in terms of frame indices.
package arch

// Context is the callee-visible register file saved across a context
// switch. Only valid while its owning process is not running.
type Context struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP    uint64
	RFLAGS uint64
}

// CPU models a single execution unit: its live register file, the
// translation-root register (the frame holding the top-level page table),
// a local translation cache, and the interrupt mask flag.
type CPU struct {
	Regs Context

	root   uint64
	masked bool

	tlb        map[uint64]uint64
	tlbLoads   uint64
	tlbFlushes uint64
}

func NewCPU() *CPU {
	return &CPU{
		tlb: make(map[uint64]uint64),
	}
}

// SaveContext copies the live register file into ctx.
func (c *CPU) SaveContext(ctx *Context) {
	*ctx = c.Regs
}

// RestoreContext loads ctx into the live register file.
func (c *CPU) RestoreContext(ctx *Context) {
	c.Regs = *ctx
}

// Root returns the current translation-root frame.
func (c *CPU) Root() uint64 {
	return c.root
}

// SwitchAddressSpace loads root into the translation-root register. A
// reload with the current value is a no-op so the translation cache
// survives switches between a process and itself.
func (c *CPU) SwitchAddressSpace(root uint64) {
	if c.root == root {
		return
	}

	c.root = root
	c.FlushTLB()
}

// CacheTranslation records a virtual-page to frame translation in the
// local cache. page is the page-aligned virtual address.
func (c *CPU) CacheTranslation(page, frame uint64) {
	c.tlb[page] = frame
	c.tlbLoads++
}

// CachedTranslation consults the local cache only; it never walks tables.
func (c *CPU) CachedTranslation(page uint64) (uint64, bool) {
	frame, ok := c.tlb[page]
	return frame, ok
}

// Invlpg drops the cached translation for a single page.
func (c *CPU) Invlpg(page uint64) {
	delete(c.tlb, page)
}

func (c *CPU) FlushTLB() {
	c.tlb = make(map[uint64]uint64)
	c.tlbFlushes++
}

// TLBFlushes counts full translation-cache invalidations, exposed so the
// switch-to-same-space no-op stays observable.
func (c *CPU) TLBFlushes() uint64 {
	return c.tlbFlushes
}

// MaskInterrupts disables local interrupt delivery and returns the
// previous mask state for RestoreInterrupts.
func (c *CPU) MaskInterrupts() bool {
	prev := c.masked
	c.masked = true
	return prev
}

func (c *CPU) RestoreInterrupts(prev bool) {
	c.masked = prev
}

// InterruptsMasked reports whether local delivery is currently disabled.
func (c *CPU) InterruptsMasked() bool {
	return c.masked
}
