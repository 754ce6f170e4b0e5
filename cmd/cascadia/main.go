package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/cascadia-os/cascadia/abi"
	"github.com/cascadia-os/cascadia/boot"
	"github.com/cascadia-os/cascadia/kernel"
	"github.com/cascadia-os/cascadia/syscalls"
)

var (
	fMemory = pflag.Uint64P("memory", "m", 256, "physical memory size in MiB")
	fRoot   = pflag.StringP("root", "r", "", "directory execve paths resolve under")
	fTicks  = pflag.IntP("ticks", "t", 0, "timer ticks to simulate after boot")
)

func main() {
	pflag.Parse()

	if pflag.NArg() == 0 {
		log.Fatal("usage: cascadia [flags] <elf> [args...]")
	}

	k, err := kernel.New(boot.Synthetic(*fMemory << 20))
	if err != nil {
		log.Fatal(err)
	}

	root := *fRoot
	k.ResolveImage = func(path string) ([]byte, error) {
		return os.ReadFile(filepath.Join(root, path))
	}

	inputArgs := pflag.Args()

	cmd := inputArgs[0]

	data, err := k.ResolveImage(cmd)
	if err != nil {
		log.Fatal(err)
	}

	args := append([]string{filepath.Base(cmd)}, inputArgs[1:]...)

	proc, err := k.StartInit(data, args, os.Environ())
	if err != nil {
		log.Fatal(err)
	}

	k.Schedule()

	inv := &syscalls.Invoker{Kernel: k}

	ctx := kernel.SetTask(context.Background(), &kernel.Task{Process: proc})
	pid := inv.InvokeSyscall(ctx, syscalls.SysArgs{Index: abi.SysGetpid})

	fmt.Printf("init pid=%d entry=%#x\n\n", pid, k.CPU.Regs.RIP)

	fmt.Println("[mappings]")
	for _, v := range proc.Space.VMAs() {
		fmt.Printf("  %#016x-%#016x flags=%#x\n", v.Start, v.End, v.Flags)
	}

	for i := 0; i < *fTicks; i++ {
		k.Tick()
	}

	stats := k.PMM.Stats()
	fmt.Printf("\n[memory] total=%d pages free=%d pages used=%d pages\n",
		stats.TotalPages, stats.FreePages, stats.UsedPages)
}
