package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"peforge.dev/rewire/disasm"
	"peforge.dev/rewire/image"
)

func mainE() error {
	var dump bool
	flag.BoolVar(&dump, "dump", false, "print the full disassembled block list")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		return fmt.Errorf("got %d arguments, expected 1 (path to a PE32+ image)", len(args))
	}
	path := args[0]

	img, err := image.Open(path)
	if err != nil {
		return wrapError(err, path)
	}

	list, stats, err := disasm.Run(img)
	if err != nil {
		return wrapError(err, path)
	}

	fmt.Printf("%s: %d code block(s), %d data block(s)\n", path, len(list.Code), len(list.Data))
	fmt.Printf("  seeds walked:   %d\n", stats.Seeds)
	fmt.Printf("  walks aborted:  %d\n", stats.WalksAborted)
	fmt.Printf("  entry point:    0x%x\n", img.EntryPoint)
	fmt.Printf("  import modules: %d\n", len(img.Imports))

	if dump {
		w := bufio.NewWriter(os.Stdout)
		list.DumpText(w)
		return w.Flush()
	}
	return nil
}

func main() {
	if err := mainE(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// wrapError attaches path as context to err, the teacher's
// wrappedError/wrapError idiom narrowed to this CLI's single use site.
func wrapError(err error, path string) error {
	return fmt.Errorf("%s: %w", path, err)
}
