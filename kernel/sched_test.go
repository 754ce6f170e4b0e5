package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/cascadia-os/cascadia/arch"
)

func readyProcess(t *testing.T, k *Kernel, priority int) *Process {
	p, err := k.NewProcess(0)
	require.NoError(t, err)

	p.Priority = priority
	k.Run.Enqueue(k.CPU, p.Pid, priority)

	return p
}

func TestScheduler(t *testing.T) {
	n := neko.Modern(t)

	n.It("round-robins processes of equal priority", func(t *testing.T) {
		k := testKernel(t)

		a := readyProcess(t, k, DefaultPriority)
		b := readyProcess(t, k, DefaultPriority)
		c := readyProcess(t, k, DefaultPriority)

		var order []int
		for i := 0; i < 6; i++ {
			k.Schedule()
			order = append(order, k.Current().Pid)
		}

		require.Equal(t, []int{a.Pid, b.Pid, c.Pid, a.Pid, b.Pid, c.Pid}, order)
	})

	n.It("always prefers the higher priority level", func(t *testing.T) {
		k := testKernel(t)

		low := readyProcess(t, k, DefaultPriority)
		high := readyProcess(t, k, 0)

		for i := 0; i < 3; i++ {
			k.Schedule()
			require.Equal(t, high.Pid, k.Current().Pid)
		}

		high.Exit(0)
		k.Schedule()
		require.Equal(t, low.Pid, k.Current().Pid)
	})

	n.It("preempts only when the slice is spent", func(t *testing.T) {
		k := testKernel(t)

		a := readyProcess(t, k, DefaultPriority)
		b := readyProcess(t, k, DefaultPriority)

		a.BaseSlice = 2
		b.BaseSlice = 2

		k.Schedule()
		require.Equal(t, a.Pid, k.Current().Pid)

		k.Tick()
		require.Equal(t, a.Pid, k.Current().Pid)

		k.Tick()
		require.Equal(t, b.Pid, k.Current().Pid)
	})

	n.It("restores the exact register file on the way back", func(t *testing.T) {
		k := testKernel(t)

		a := readyProcess(t, k, DefaultPriority)
		b := readyProcess(t, k, DefaultPriority)

		k.Schedule()
		require.Equal(t, a.Pid, k.Current().Pid)

		want := arch.Context{
			RAX: 1, RBX: 2, RCX: 3, RDX: 4,
			RSI: 5, RDI: 6, RBP: 7, RSP: 8,
			R8: 9, R9: 10, R10: 11, R11: 12,
			R12: 13, R13: 14, R14: 15, R15: 16,
			RIP: 0x401000, RFLAGS: 0x202,
		}
		k.CPU.Regs = want

		k.Schedule()
		require.Equal(t, b.Pid, k.Current().Pid)

		k.CPU.Regs = arch.Context{RAX: 0xFFFF, RIP: 0x999}

		k.Schedule()
		require.Equal(t, a.Pid, k.Current().Pid)
		require.Equal(t, want, k.CPU.Regs)
	})

	n.It("skips the root reload when a process follows itself", func(t *testing.T) {
		k := testKernel(t)

		readyProcess(t, k, DefaultPriority)

		k.Schedule()
		flushes := k.CPU.TLBFlushes()

		k.Schedule()
		k.Schedule()

		require.Equal(t, flushes, k.CPU.TLBFlushes(),
			"rescheduling the sole process flushed the translation cache")
	})

	n.It("goes idle when nothing is runnable", func(t *testing.T) {
		k := testKernel(t)

		p := readyProcess(t, k, DefaultPriority)

		k.Schedule()
		require.Equal(t, p.Pid, k.Current().Pid)

		p.Exit(0)
		k.Schedule()

		require.Nil(t, k.Current())
		require.Equal(t, k.KernelSpace.Root(), k.CPU.Root())
	})

	n.It("blocked processes do not run until woken", func(t *testing.T) {
		k := testKernel(t)

		a := readyProcess(t, k, DefaultPriority)
		b := readyProcess(t, k, DefaultPriority)

		k.Schedule()
		require.Equal(t, a.Pid, k.Current().Pid)

		k.Block(a)
		require.Equal(t, b.Pid, k.Current().Pid)

		k.Schedule()
		require.Equal(t, b.Pid, k.Current().Pid)

		k.Wake(a)
		k.Schedule()
		require.Equal(t, a.Pid, k.Current().Pid)
	})

	n.Meow()
}
