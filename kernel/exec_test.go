package kernel

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/cascadia-os/cascadia/loader"
	"github.com/cascadia-os/cascadia/mm/vmm"
)

const (
	testVaddr   = uint64(0x400000)
	testCodeOff = uint64(120) // ehdr + one phdr
)

// buildTestELF assembles a single-segment executable whose entry points
// at the start of code. etype 2 is ET_EXEC, 3 is ET_DYN.
func buildTestELF(etype uint16, code []byte) []byte {
	buf := make([]byte, int(testCodeOff)+len(code))

	copy(buf, []byte{0x7F, 'E', 'L', 'F', 2, 1, 1})
	binary.LittleEndian.PutUint16(buf[16:], etype)
	binary.LittleEndian.PutUint16(buf[18:], 62)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint64(buf[24:], testVaddr+testCodeOff)
	binary.LittleEndian.PutUint64(buf[32:], 64)
	binary.LittleEndian.PutUint16(buf[52:], 64)
	binary.LittleEndian.PutUint16(buf[54:], 56)
	binary.LittleEndian.PutUint16(buf[56:], 1)

	// One PT_LOAD, rwx, with a page of zero fill past the file contents.
	ph := buf[64:]
	binary.LittleEndian.PutUint32(ph[0:], 1)
	binary.LittleEndian.PutUint32(ph[4:], 7)
	binary.LittleEndian.PutUint64(ph[16:], testVaddr)
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(buf)))
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(buf))+4096)
	binary.LittleEndian.PutUint64(ph[48:], 0x1000)

	copy(buf[testCodeOff:], code)

	return buf
}

func TestExec(t *testing.T) {
	n := neko.Modern(t)

	code := []byte{0x48, 0x31, 0xC0, 0xC3}

	n.It("loads the image and starts at its entry", func(t *testing.T) {
		k := testKernel(t)

		p, err := k.NewProcess(0)
		require.NoError(t, err)

		img, err := k.Loader.Load(buildTestELF(2, code))
		require.NoError(t, err)

		err = k.execImage(p, img, "/bin/demo", []string{"demo", "one"}, []string{"TERM=dumb"})
		require.NoError(t, err)

		require.Equal(t, testVaddr+testCodeOff, p.context.RIP)
		require.Zero(t, p.context.RSP%16, "initial stack pointer not aligned")

		task := &Task{Process: p}

		// The code bytes landed at their virtual address.
		got := make([]byte, len(code))
		_, err = task.ReadAt(got, int64(testVaddr+testCodeOff))
		require.NoError(t, err)
		require.Equal(t, code, got)

		// Memory past the file contents is zero-filled.
		var bss [16]byte
		_, err = task.ReadAt(bss[:], int64(testVaddr)+int64(len(buildTestELF(2, code))))
		require.NoError(t, err)
		require.Equal(t, [16]byte{}, bss)
	})

	n.It("lays out argc, argv, envp and the aux vector", func(t *testing.T) {
		k := testKernel(t)

		p, err := k.NewProcess(0)
		require.NoError(t, err)

		img, err := k.Loader.Load(buildTestELF(2, code))
		require.NoError(t, err)

		err = k.execImage(p, img, "/bin/demo", []string{"demo", "one", "two"}, []string{"A=1", "B=2"})
		require.NoError(t, err)

		task := &Task{Process: p}
		sp := p.context.RSP

		var argc uint64
		require.NoError(t, task.CopyIn(sp, &argc))
		require.Equal(t, uint64(3), argc)

		readVec := func(addr uint64) []string {
			var out []string
			for {
				var ptr uint64
				require.NoError(t, task.CopyIn(addr, &ptr))
				if ptr == 0 {
					return out
				}
				s, err := task.ReadCString(ptr)
				require.NoError(t, err)
				out = append(out, string(s))
				addr += 8
			}
		}

		argv := readVec(sp + 8)
		require.Equal(t, []string{"demo", "one", "two"}, argv)

		envp := readVec(sp + 8 + 4*8)
		require.Equal(t, []string{"A=1", "B=2"}, envp)
	})

	n.It("slides a position-independent image", func(t *testing.T) {
		k := testKernel(t)

		p, err := k.NewProcess(0)
		require.NoError(t, err)

		img, err := k.Loader.Load(buildTestELF(3, code))
		require.NoError(t, err)
		require.True(t, img.PIE)

		err = k.execImage(p, img, "/bin/pie", []string{"pie"}, nil)
		require.NoError(t, err)

		require.Equal(t, img.Base()+testVaddr+testCodeOff, p.context.RIP)

		got := make([]byte, len(code))
		_, err = (&Task{Process: p}).ReadAt(got, int64(img.Base()+testVaddr+testCodeOff))
		require.NoError(t, err)
		require.Equal(t, code, got)
	})

	n.It("a failed exec leaves the old program untouched", func(t *testing.T) {
		k := testKernel(t)

		p, err := k.NewProcess(0)
		require.NoError(t, err)

		img, err := k.Loader.Load(buildTestELF(2, code))
		require.NoError(t, err)

		require.NoError(t, k.execImage(p, img, "/bin/demo", []string{"demo"}, nil))

		task := &Task{Process: p}
		_, err = task.WriteAt([]byte("precious state"), int64(testVaddr+0x800))
		require.NoError(t, err)

		vmasBefore := p.Space.VMAs()
		brkBefore := p.Space.Brk()
		rip := p.context.RIP

		k.ResolveImage = func(string) ([]byte, error) {
			return []byte("this is not an executable at all"), nil
		}

		err = k.Exec(p, "/bin/broken", []string{"broken"}, nil)
		require.Error(t, err)
		require.Equal(t, loader.ErrInvalidExecutable, errors.Cause(err))

		require.Equal(t, vmasBefore, p.Space.VMAs())
		require.Equal(t, brkBefore, p.Space.Brk())
		require.Equal(t, rip, p.context.RIP)

		got := make([]byte, 14)
		_, err = task.ReadAt(got, int64(testVaddr+0x800))
		require.NoError(t, err)
		require.Equal(t, []byte("precious state"), got)
	})

	n.It("exec through the resolver replaces the address space", func(t *testing.T) {
		k := testKernel(t)

		p, err := k.NewProcess(0)
		require.NoError(t, err)

		img, err := k.Loader.Load(buildTestELF(2, code))
		require.NoError(t, err)
		require.NoError(t, k.execImage(p, img, "/bin/old", []string{"old"}, nil))

		oldSpace := p.Space

		free := k.PMM.Stats().FreePages

		k.ResolveImage = func(path string) ([]byte, error) {
			require.Equal(t, "/bin/new", path)
			return buildTestELF(2, code), nil
		}

		require.NoError(t, k.Exec(p, "/bin/new", []string{"new"}, nil))

		require.NotSame(t, oldSpace, p.Space)
		require.Equal(t, []string{"new"}, p.Args)

		// The old space's frames came back; the new one consumed about as
		// many. Free pages stay in the same ballpark rather than leaking a
		// whole image per exec.
		after := k.PMM.Stats().FreePages
		require.InDelta(t, float64(free), float64(after), 8)
	})

	n.Meow()
}

func TestFaultEntry(t *testing.T) {
	n := neko.Modern(t)

	n.It("kills a process on an unresolvable fault", func(t *testing.T) {
		k := testKernel(t)

		p := userProcess(t, k, "doomed....")
		k.Run.Enqueue(k.CPU, p.Pid, p.Priority)
		k.Schedule()
		require.Equal(t, p.Pid, k.Current().Pid)

		err := k.HandleFault(p, 0xdeadbeef000, vmm.AccessWrite)
		require.Error(t, err)

		require.Equal(t, Zombie, p.Status())
		require.Equal(t, int32(11), p.ExitStatus().Status())
		require.Nil(t, k.Current())
	})

	n.It("panics on a fault with no process", func(t *testing.T) {
		k := testKernel(t)

		require.Panics(t, func() {
			k.HandleFault(nil, 0x1000, vmm.AccessRead)
		})
	})

	n.Meow()
}
