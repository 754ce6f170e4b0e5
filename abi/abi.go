// Package abi holds the user-visible constants of the kernel: errno
// values, syscall numbers, and the wait-status encoding. The values follow
// the x86_64 Linux ABI so userland expectations hold.
package abi

const (
	EPERM   = 1
	ENOENT  = 2
	ESRCH   = 3
	EINTR   = 4
	ENOEXEC = 8
	ECHILD  = 10
	EAGAIN  = 11
	ENOMEM  = 12
	EACCES  = 13
	EFAULT  = 14
	EEXIST  = 17
	EINVAL  = 22
	ENOSYS  = 38
)

const (
	SIGSEGV = 11
	SIGCHLD = 17
)

// Syscall numbers (x86_64).
const (
	SysMmap      = 9
	SysMunmap    = 11
	SysBrk       = 12
	SysGetpid    = 39
	SysFork      = 57
	SysExecve    = 59
	SysExit      = 60
	SysWait4     = 61
	SysGetppid   = 110
	SysExitGroup = 231
)

// mmap protection and flag bits.
const (
	ProtRead  = 0x1
	ProtWrite = 0x2
	ProtExec  = 0x4

	MapShared    = 0x01
	MapPrivate   = 0x02
	MapFixed     = 0x10
	MapAnonymous = 0x20
)

// wait4 options.
const (
	WNOHANG = 1
)

// Auxiliary vector keys passed on the initial user stack.
const (
	AuxNull   = 0
	AuxPhdr   = 3
	AuxPhent  = 4
	AuxPhnum  = 5
	AuxPagesz = 6
	AuxBase   = 7
	AuxFlags  = 8
	AuxEntry  = 9
	AuxRandom = 25
	AuxExecfn = 31
)
