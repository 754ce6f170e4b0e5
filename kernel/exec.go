package kernel

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/cascadia-os/cascadia/abi"
	"github.com/cascadia-os/cascadia/arch"
	"github.com/cascadia-os/cascadia/loader"
	"github.com/cascadia-os/cascadia/log"
	"github.com/cascadia-os/cascadia/mm/pmm"
	"github.com/cascadia-os/cascadia/mm/vmm"
)

const (
	// UserStackTop is one past the highest stack byte of every process.
	UserStackTop  = uint64(0x0000_7FFF_FFFF_F000)
	UserStackSize = uint64(8 << 20)

	// StackCommit is the head of the stack that gets frames up front; the
	// rest demand-pages downward.
	StackCommit = uint64(64 << 10)

	interpBase = uint64(0x0000_7F00_0000_0000)
)

// Exec replaces p's program with the executable at path. The old address
// space stays fully intact until the new one is built, so a failed exec
// leaves the process exactly as it was.
func (k *Kernel) Exec(p *Process, path string, argv, envp []string) error {
	if k.ResolveImage == nil {
		return ErrNoImageResolver
	}

	data, err := k.ResolveImage(path)
	if err != nil {
		return errors.Wrapf(err, "resolving %s", path)
	}

	img, err := k.Loader.Load(data)
	if err != nil {
		return err
	}

	return k.execImage(p, img, path, argv, envp)
}

func (k *Kernel) execImage(p *Process, img *loader.Image, path string, argv, envp []string) error {
	space, err := vmm.NewUserSpace(k.PMM, k.KernelSpace)
	if err != nil {
		return errors.Wrap(err, "building exec address space")
	}

	base := img.Base()

	top, err := k.mapImage(space, img, base)
	if err != nil {
		space.Release()
		return err
	}

	entry := base + img.Entry
	auxBase := base

	// A dynamic binary starts in its interpreter; the interpreter finds
	// the main image through the aux vector.
	if img.Interp != "" {
		interp, ierr := k.loadInterp(img.Interp)
		if ierr != nil {
			space.Release()
			return ierr
		}

		ibase := uint64(0)
		if interp.PIE {
			ibase = interpBase
		}

		if _, ierr := k.mapImage(space, interp, ibase); ierr != nil {
			space.Release()
			return ierr
		}

		entry = ibase + interp.Entry
		auxBase = ibase
	}

	space.SetBrk(alignUp(top, pmm.PageSize))

	stackLow := UserStackTop - UserStackSize

	err = space.Map(nil, vmm.VMA{
		Start: stackLow,
		End:   UserStackTop - StackCommit,
		Flags: vmm.VMARead | vmm.VMAWrite | vmm.VMAAnonymous | vmm.VMAGrowsDown,
	})
	if err == nil {
		err = space.Map(nil, vmm.VMA{
			Start: UserStackTop - StackCommit,
			End:   UserStackTop,
			Flags: vmm.VMARead | vmm.VMAWrite | vmm.VMAAnonymous | vmm.VMAEager,
		})
	}
	if err != nil {
		space.Release()
		return errors.Wrap(err, "mapping user stack")
	}

	sp, err := k.buildStack(space, img, base, auxBase, path, argv, envp)
	if err != nil {
		space.Release()
		return err
	}

	p.mu.Lock()
	old := p.Space
	p.Space = space
	p.context = arch.Context{RIP: entry, RSP: sp, RFLAGS: 0x202}
	p.contextValid = true
	p.Args = append([]string(nil), argv...)
	p.mu.Unlock()

	if k.Current() == p {
		k.CPU.SwitchAddressSpace(space.Root())
		k.CPU.RestoreContext(&arch.Context{RIP: entry, RSP: sp, RFLAGS: 0x202})
	}

	if old != nil {
		old.Release()
	}

	log.L.Debug("process-exec", "pid", p.Pid, "path", path, "entry", entry, "sp", sp)

	return nil
}

func (k *Kernel) loadInterp(path string) (*loader.Image, error) {
	if k.ResolveImage == nil {
		return nil, ErrNoImageResolver
	}

	data, err := k.ResolveImage(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving interpreter %s", path)
	}

	return k.Loader.Load(data)
}

// mapImage installs every loadable segment at base and copies its file
// bytes in. Returns the highest mapped address, which seeds the program
// break. Segments come ordered by address; a boundary page shared with
// the previous segment is not remapped.
func (k *Kernel) mapImage(space *vmm.Space, img *loader.Image, base uint64) (uint64, error) {
	var mapped, top uint64

	for _, seg := range img.Segments {
		start := alignDown(base+seg.Vaddr, pmm.PageSize)
		end := alignUp(base+seg.Vaddr+seg.MemSize, pmm.PageSize)

		if end > top {
			top = end
		}

		if start < mapped {
			start = mapped
		}

		if start < end {
			flags := vmm.VMARead | vmm.VMAEager
			if seg.Writable() {
				flags |= vmm.VMAWrite
			}
			if seg.Executable() {
				flags |= vmm.VMAExec
			}

			if err := space.Map(nil, vmm.VMA{Start: start, End: end, Flags: flags}); err != nil {
				return 0, errors.Wrapf(err, "mapping segment at %#x", base+seg.Vaddr)
			}

			mapped = end
		}

		if seg.FileSize > 0 {
			data := img.Data[seg.Offset : seg.Offset+seg.FileSize]
			if err := k.pokeBytes(space, base+seg.Vaddr, data); err != nil {
				return 0, err
			}
		}
	}

	return top, nil
}

// buildStack lays out the initial user stack: strings and the random
// bytes high, then the aux vector, environment and argument pointers, and
// argc at the final stack pointer, which comes out 16-byte aligned.
func (k *Kernel) buildStack(space *vmm.Space, img *loader.Image, base, auxBase uint64, path string, argv, envp []string) (uint64, error) {
	sp := UserStackTop

	push := func(b []byte) (uint64, error) {
		sp -= uint64(len(b))
		if err := k.pokeBytes(space, sp, b); err != nil {
			return 0, err
		}
		return sp, nil
	}

	execfn, err := push(append([]byte(path), 0))
	if err != nil {
		return 0, err
	}

	envAddrs := make([]uint64, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		addr, err := push(append([]byte(envp[i]), 0))
		if err != nil {
			return 0, err
		}
		envAddrs[i] = addr
	}

	argAddrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		addr, err := push(append([]byte(argv[i]), 0))
		if err != nil {
			return 0, err
		}
		argAddrs[i] = addr
	}

	var rnd [16]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return 0, errors.Wrap(err, "seeding stack randomness")
	}

	random, err := push(rnd[:])
	if err != nil {
		return 0, err
	}

	sp &^= 15

	auxv := [][2]uint64{
		{abi.AuxPhdr, base + phdrVaddr(img)},
		{abi.AuxPhent, uint64(img.PhEntSize)},
		{abi.AuxPhnum, uint64(img.PhNum)},
		{abi.AuxPagesz, pmm.PageSize},
		{abi.AuxBase, auxBase},
		{abi.AuxFlags, 0},
		{abi.AuxEntry, base + img.Entry},
		{abi.AuxRandom, random},
		{abi.AuxExecfn, execfn},
		{abi.AuxNull, 0},
	}

	words := 1 + len(argAddrs) + 1 + len(envAddrs) + 1 + 2*len(auxv)
	if words%2 == 1 {
		// Keep the final stack pointer 16-byte aligned.
		sp -= 8
	}

	block := make([]byte, 0, words*8)
	word := func(w uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], w)
		block = append(block, b[:]...)
	}

	word(uint64(len(argAddrs)))
	for _, a := range argAddrs {
		word(a)
	}
	word(0)
	for _, a := range envAddrs {
		word(a)
	}
	word(0)
	for _, kv := range auxv {
		word(kv[0])
		word(kv[1])
	}

	sp -= uint64(len(block))
	if err := k.pokeBytes(space, sp, block); err != nil {
		return 0, err
	}

	return sp, nil
}

// phdrVaddr finds the unslid virtual address of the program header table.
func phdrVaddr(img *loader.Image) uint64 {
	for _, seg := range img.Segments {
		if img.PhOff >= seg.Offset && img.PhOff < seg.Offset+seg.FileSize {
			return seg.Vaddr + (img.PhOff - seg.Offset)
		}
	}

	return img.PhOff
}

// pokeBytes writes into a space that is not necessarily the active one,
// going through the tables directly. Only used on pages exec has already
// committed.
func (k *Kernel) pokeBytes(space *vmm.Space, addr uint64, b []byte) error {
	for len(b) > 0 {
		phys, ok := space.Translate(addr)
		if !ok {
			return errors.Wrapf(vmm.ErrSegmentationFault, "no backing at %#x while loading", addr)
		}

		frame := phys >> pmm.PageShift
		off := phys & (pmm.PageSize - 1)

		chunk := pmm.PageSize - int(off)
		if chunk > len(b) {
			chunk = len(b)
		}

		copy(k.PMM.FrameBytes(frame)[off:off+uint64(chunk)], b[:chunk])

		addr += uint64(chunk)
		b = b[chunk:]
	}

	return nil
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

func alignDown(v, a uint64) uint64 {
	return v &^ (a - 1)
}
