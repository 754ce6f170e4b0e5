package heap

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/cascadia-os/cascadia/arch"
	"github.com/cascadia-os/cascadia/boot"
	"github.com/cascadia-os/cascadia/mm/pmm"
	"github.com/cascadia-os/cascadia/mm/vmm"
)

func testHeap(t *testing.T) *Allocator {
	p := pmm.New(boot.Synthetic(32 << 20))
	cpu := arch.NewCPU()
	p.AttachCPU(cpu)

	kernel, err := vmm.NewKernelSpace(p)
	require.NoError(t, err)

	cpu.SwitchAddressSpace(kernel.Root())

	return New(p, kernel, cpu)
}

func TestHeap(t *testing.T) {
	n := neko.Modern(t)

	n.It("hands out distinct addresses within a class", func(t *testing.T) {
		h := testHeap(t)

		seen := make(map[uint64]bool)

		for i := 0; i < 100; i++ {
			addr, err := h.Alloc(64)
			require.NoError(t, err)
			require.False(t, seen[addr], "address %#x handed out twice", addr)
			seen[addr] = true
		}
	})

	n.It("reuses a freed block before growing", func(t *testing.T) {
		h := testHeap(t)

		a, err := h.Alloc(128)
		require.NoError(t, err)

		h.Free(a, 128)

		b, err := h.Alloc(128)
		require.NoError(t, err)

		require.Equal(t, a, b)
	})

	n.It("rounds odd sizes up to their class", func(t *testing.T) {
		h := testHeap(t)

		a, err := h.Alloc(65)
		require.NoError(t, err)

		h.Free(a, 65)

		b, err := h.Alloc(128)
		require.NoError(t, err)

		require.Equal(t, a, b, "65 bytes did not land in the 128 class")
	})

	n.It("backs blocks with usable kernel memory", func(t *testing.T) {
		h := testHeap(t)

		addr, err := h.Alloc(256)
		require.NoError(t, err)

		b, err := h.Bytes(addr, 256)
		require.NoError(t, err)

		copy(b, []byte("heap contents"))

		again, err := h.Bytes(addr, 256)
		require.NoError(t, err)
		require.Equal(t, []byte("heap contents"), again[:13])
	})

	n.It("serves large requests with whole pages", func(t *testing.T) {
		h := testHeap(t)

		addr, err := h.Alloc(3*pmm.PageSize + 100)
		require.NoError(t, err)
		require.Zero(t, addr%pmm.PageSize)

		// Every page of the span is mapped.
		for off := 0; off < 4; off++ {
			b, err := h.Bytes(addr+uint64(off)*pmm.PageSize, 8)
			require.NoError(t, err)
			b[0] = byte(off + 1)
		}

		h.Free(addr, 3*pmm.PageSize+100)

		_, err = h.Bytes(addr, 8)
		require.Error(t, err)
	})

	n.It("rejects non-positive sizes", func(t *testing.T) {
		h := testHeap(t)

		_, err := h.Alloc(0)
		require.Error(t, err)
	})

	n.Meow()
}
