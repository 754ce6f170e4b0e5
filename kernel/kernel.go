// Package kernel ties the machine state together: the process table, the
// scheduler, address spaces, and the exec path. One Kernel owns one
// simulated CPU.
package kernel

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/cascadia-os/cascadia/arch"
	"github.com/cascadia-os/cascadia/boot"
	"github.com/cascadia-os/cascadia/loader"
	"github.com/cascadia-os/cascadia/log"
	"github.com/cascadia-os/cascadia/mm/heap"
	"github.com/cascadia-os/cascadia/mm/pmm"
	"github.com/cascadia-os/cascadia/mm/vmm"
)

// KernelStackSize is the per-process kernel stack, drawn from the heap.
const KernelStackSize = 16 * 1024

// DefaultTimeSlice is the tick budget a process gets per dispatch.
const DefaultTimeSlice = 4

var ErrNoImageResolver = errors.New("no image resolver configured")

type Kernel struct {
	CPU         *arch.CPU
	PMM         *pmm.Allocator
	KernelSpace *vmm.Space
	Heap        *heap.Allocator

	Procs *Table
	Run   *RunQueue

	Loader *loader.Loader

	// ResolveImage turns an execve path into raw image bytes. The embedder
	// wires it to whatever holds binaries; nil fails every path.
	ResolveImage func(path string) ([]byte, error)

	mu      sync.Mutex
	current *Process
}

// New brings the memory side of the kernel up from the boot memory map.
func New(mm boot.MemoryMap) (*Kernel, error) {
	p := pmm.New(mm)

	cpu := arch.NewCPU()
	p.AttachCPU(cpu)

	ks, err := vmm.NewKernelSpace(p)
	if err != nil {
		return nil, errors.Wrap(err, "building kernel address space")
	}

	cpu.SwitchAddressSpace(ks.Root())

	k := &Kernel{
		CPU:         cpu,
		PMM:         p,
		KernelSpace: ks,
		Heap:        heap.New(p, ks, cpu),
		Procs:       NewTable(),
		Run:         NewRunQueue(),
		Loader:      loader.NewLoader(loader.NewLoaderCache()),
	}

	stats := p.Stats()
	log.L.Info("kernel-up", "total-pages", stats.TotalPages, "free-pages", stats.FreePages)

	return k, nil
}

// NewProcess allocates a control block with a fresh kernel stack. The
// caller fills in the address space and context before the process is
// made runnable.
func (k *Kernel) NewProcess(parent int) (*Process, error) {
	stack, err := k.Heap.Alloc(KernelStackSize)
	if err != nil {
		return nil, errors.Wrap(err, "allocating kernel stack")
	}

	p := &Process{
		Kernel:      k,
		Parent:      parent,
		Priority:    DefaultPriority,
		BaseSlice:   DefaultTimeSlice,
		slice:       DefaultTimeSlice,
		KernelStack: stack,
		status:      Ready,
	}

	k.Procs.assign(p)

	return p, nil
}

// StartInit creates pid 1 from an executable image and queues it. The
// first Schedule dispatches it.
func (k *Kernel) StartInit(data []byte, argv, envp []string) (*Process, error) {
	p, err := k.NewProcess(0)
	if err != nil {
		return nil, err
	}

	if p.Pid != InitPid {
		log.L.Error("init-pid-mismatch", "pid", p.Pid)
		return nil, errors.Errorf("init got pid %d", p.Pid)
	}

	img, err := k.Loader.Load(data)
	if err != nil {
		k.Procs.release(p.Pid)
		return nil, err
	}

	path := "/sbin/init"
	if len(argv) > 0 {
		path = argv[0]
	}

	if err := k.execImage(p, img, path, argv, envp); err != nil {
		k.Procs.release(p.Pid)
		return nil, err
	}

	k.Run.Enqueue(k.CPU, p.Pid, p.Priority)

	return p, nil
}

// Current returns the process holding the CPU, nil when idle.
func (k *Kernel) Current() *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

func (k *Kernel) setCurrent(p *Process) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.current = p
}
