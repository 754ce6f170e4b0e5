package syscalls

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/cascadia-os/cascadia/abi"
	"github.com/cascadia-os/cascadia/boot"
	"github.com/cascadia-os/cascadia/kernel"
	"github.com/cascadia-os/cascadia/mm/pmm"
	"github.com/cascadia-os/cascadia/mm/vmm"
)

const scratch = uint64(0x400000)

func testTask(t *testing.T) (*Invoker, *kernel.Task, context.Context) {
	k, err := kernel.New(boot.Synthetic(64 << 20))
	require.NoError(t, err)

	p, err := k.NewProcess(0)
	require.NoError(t, err)

	space, err := vmm.NewUserSpace(k.PMM, k.KernelSpace)
	require.NoError(t, err)
	p.Space = space

	err = space.Map(k.CPU, vmm.VMA{
		Start: scratch,
		End:   scratch + 4*pmm.PageSize,
		Flags: vmm.VMARead | vmm.VMAWrite | vmm.VMAAnonymous,
	})
	require.NoError(t, err)

	space.SetBrk(scratch + 4*pmm.PageSize)

	task := &kernel.Task{Process: p}

	return &Invoker{Kernel: k}, task, kernel.SetTask(context.Background(), task)
}

func TestDispatch(t *testing.T) {
	n := neko.Modern(t)

	n.It("routes getpid and getppid", func(t *testing.T) {
		inv, task, ctx := testTask(t)

		require.Equal(t, int64(task.Pid), inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysGetpid}))
		require.Equal(t, int64(task.Parent), inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysGetppid}))
	})

	n.It("rejects unknown syscall numbers", func(t *testing.T) {
		inv, _, ctx := testTask(t)

		require.Equal(t, int64(-abi.ENOSYS), inv.InvokeSyscall(ctx, SysArgs{Index: 512}))
		require.Equal(t, int64(-abi.ENOSYS), inv.InvokeSyscall(ctx, SysArgs{Index: -1}))
		require.Equal(t, int64(-abi.ENOSYS), inv.InvokeSyscall(ctx, SysArgs{Index: 100000}))
	})

	n.It("rejects a context with no task", func(t *testing.T) {
		inv, _, _ := testTask(t)

		ret := inv.InvokeSyscall(context.Background(), SysArgs{Index: abi.SysGetpid})
		require.Equal(t, int64(-abi.ENOSYS), ret)
	})

	n.Meow()
}

func TestMemorySyscalls(t *testing.T) {
	n := neko.Modern(t)

	n.It("mmap hands out usable anonymous memory", func(t *testing.T) {
		inv, task, ctx := testTask(t)

		ret := inv.InvokeSyscall(ctx, SysArgs{
			Index: abi.SysMmap,
			Args: SyscallRequest{
				R1: 2 * pmm.PageSize,
				R2: abi.ProtRead | abi.ProtWrite,
				R3: abi.MapPrivate | abi.MapAnonymous,
			},
		})
		require.Greater(t, ret, int64(0))

		addr := uint64(ret)
		require.Zero(t, addr%pmm.PageSize)

		_, err := task.WriteAt([]byte("mapped"), int64(addr))
		require.NoError(t, err)

		buf := make([]byte, 6)
		_, err = task.ReadAt(buf, int64(addr))
		require.NoError(t, err)
		require.Equal(t, []byte("mapped"), buf)
	})

	n.It("mmap validates its arguments", func(t *testing.T) {
		inv, _, ctx := testTask(t)

		// Zero length.
		ret := inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysMmap, Args: SyscallRequest{
			R2: abi.ProtRead, R3: abi.MapPrivate | abi.MapAnonymous,
		}})
		require.Equal(t, int64(-abi.EINVAL), ret)

		// Shared and private together.
		ret = inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysMmap, Args: SyscallRequest{
			R1: pmm.PageSize, R2: abi.ProtRead,
			R3: abi.MapShared | abi.MapPrivate | abi.MapAnonymous,
		}})
		require.Equal(t, int64(-abi.EINVAL), ret)

		// File-backed mappings are not available.
		ret = inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysMmap, Args: SyscallRequest{
			R1: pmm.PageSize, R2: abi.ProtRead, R3: abi.MapPrivate,
		}})
		require.Equal(t, int64(-abi.ENOSYS), ret)
	})

	n.It("munmap drops the mapping", func(t *testing.T) {
		inv, task, ctx := testTask(t)

		ret := inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysMmap, Args: SyscallRequest{
			R1: pmm.PageSize,
			R2: abi.ProtRead | abi.ProtWrite,
			R3: abi.MapPrivate | abi.MapAnonymous,
		}})
		require.Greater(t, ret, int64(0))

		addr := uint64(ret)
		_, err := task.WriteAt([]byte("x"), int64(addr))
		require.NoError(t, err)

		ret = inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysMunmap, Args: SyscallRequest{
			R0: addr, R1: pmm.PageSize,
		}})
		require.Zero(t, ret)

		var b [1]byte
		_, err = task.ReadAt(b[:], int64(addr))
		require.Error(t, err)
	})

	n.It("brk queries, grows and shrinks", func(t *testing.T) {
		inv, task, ctx := testTask(t)

		start := uint64(inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysBrk}))
		require.Equal(t, scratch+4*pmm.PageSize, start)

		grown := start + 2*pmm.PageSize
		ret := inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysBrk, Args: SyscallRequest{R0: grown}})
		require.Equal(t, int64(grown), ret)

		_, err := task.WriteAt([]byte("heap!"), int64(start))
		require.NoError(t, err)

		ret = inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysBrk, Args: SyscallRequest{R0: start}})
		require.Equal(t, int64(start), ret)

		_, ok := task.Space.Translate(start)
		require.False(t, ok, "shrunk brk pages still mapped")
	})

	n.Meow()
}

func TestProcessSyscalls(t *testing.T) {
	n := neko.Modern(t)

	n.It("fork then wait4 reaps the child status", func(t *testing.T) {
		inv, task, ctx := testTask(t)

		ret := inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysFork})
		require.Greater(t, ret, int64(0))

		child := inv.Kernel.Procs.Lookup(int(ret))
		require.NotNil(t, child)

		child.Exit(2)

		ret2 := inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysWait4, Args: SyscallRequest{
			R0: ^uint64(0), // -1
			R1: scratch,
			R2: abi.WNOHANG,
		}})
		require.Equal(t, ret, ret2)

		var status int32
		require.NoError(t, task.CopyIn(scratch, &status))
		require.Equal(t, int32(2<<8), status)
	})

	n.It("wait4 reports ECHILD with no children", func(t *testing.T) {
		inv, _, ctx := testTask(t)

		ret := inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysWait4, Args: SyscallRequest{
			R0: ^uint64(0),
			R2: abi.WNOHANG,
		}})
		require.Equal(t, int64(-abi.ECHILD), ret)
	})

	n.It("a cancelled blocking wait4 returns EINTR", func(t *testing.T) {
		inv, _, ctx := testTask(t)

		forked := inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysFork})
		require.Greater(t, forked, int64(0))

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		ret := inv.InvokeSyscall(cctx, SysArgs{Index: abi.SysWait4, Args: SyscallRequest{
			R0: ^uint64(0),
		}})
		require.Equal(t, int64(-abi.EINTR), ret)
	})

	n.It("exit turns the caller into a zombie", func(t *testing.T) {
		inv, task, ctx := testTask(t)

		ret := inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysExit, Args: SyscallRequest{R0: 5}})
		require.Zero(t, ret)

		require.Equal(t, kernel.Zombie, task.Status())
		require.Equal(t, 5, task.Process.ExitStatus().Code)
	})

	n.It("execve resolves through the kernel image hook", func(t *testing.T) {
		inv, task, ctx := testTask(t)

		// No resolver wired: every path fails with ENOENT.
		_, err := task.WriteAt(append([]byte("/bin/nope"), 0), int64(scratch))
		require.NoError(t, err)

		ret := inv.InvokeSyscall(ctx, SysArgs{Index: abi.SysExecve, Args: SyscallRequest{
			R0: scratch,
		}})
		require.Equal(t, int64(-abi.ENOENT), ret)
	})

	n.Meow()
}
