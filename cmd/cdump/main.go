// cdump prints the load view of an ELF binary the way the kernel's exec
// path will see it.
package main

import (
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"

	"github.com/cascadia-os/cascadia/loader"
)

var fVerbose = pflag.BoolP("verbose", "v", false, "dump the full parsed image")

func main() {
	pflag.Parse()

	if pflag.NArg() != 1 {
		log.Fatal("usage: cdump [flags] <elf>")
	}

	data, err := os.ReadFile(pflag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}

	img, err := loader.NewLoader(nil).Load(data)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("entry=%#x pie=%v base=%#x interp=%q\n", img.Entry, img.PIE, img.Base(), img.Interp)

	fmt.Printf("\n[segments]\n")
	tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	for i, seg := range img.Segments {
		perms := [3]byte{'-', '-', '-'}
		if seg.Readable() {
			perms[0] = 'r'
		}
		if seg.Writable() {
			perms[1] = 'w'
		}
		if seg.Executable() {
			perms[2] = 'x'
		}

		fmt.Fprintf(tr, "%d\t%s\tvaddr=%#x\toff=%#x\tfilesz=%#x\tmemsz=%#x\talign=%#x\n",
			i, perms, seg.Vaddr, seg.Offset, seg.FileSize, seg.MemSize, seg.Align)
	}
	tr.Flush()

	if *fVerbose {
		hdr := *img
		hdr.Data = nil
		spew.Dump(hdr)
	}
}
