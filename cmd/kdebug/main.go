// Command kdebug boots the VM system in a host process and runs the kernel
// debugger commands read from stdin.
//
// Usage:
//
//	kdebug [-pages n] [-cmdline args] [-demo] [-v]
//
// With -demo a user team is populated with anonymous, cloned, copied and
// file backed areas before the prompt is shown.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"kernvm/kernel/kmain"
	"kernvm/kernel/vfs"
	"kernvm/kernel/vm"

	"gvisor.dev/gvisor/pkg/log"
)

const prompt = "kdebug> "

func main() {
	pages := flag.Uint("pages", 1024, "number of physical pages")
	cmdLine := flag.String("cmdline", "", "boot command line")
	demo := flag.Bool("demo", false, "create a demo team before starting the prompt")
	verbose := flag.Bool("v", false, "enable debug traces")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.Debug)
	} else {
		log.SetLevel(log.Warning)
	}

	files := vfs.NewMemoryFileSystem()
	cfg := kmain.Config{Console: os.Stdout}
	cfg.VM = vm.DefaultConfig()
	cfg.VM.PageCount = uint32(*pages)
	cfg.VM.FileSystem = files
	cfg.BootInfo.CmdLine = *cmdLine

	sys, err := kmain.Boot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot failed: %s\n", err)
		os.Exit(1)
	}
	defer func() { _ = kmain.Shutdown() }()

	if *demo {
		if err = populateDemo(sys, files); err != nil {
			fmt.Fprintf(os.Stderr, "demo setup failed: %s\n", err)
			return
		}
	}

	repl(sys, os.Stdin, os.Stdout)
}

// repl runs debugger command lines until in is exhausted or the user quits.
func repl(sys *vm.System, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, prompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "quit", "exit":
			return
		}

		if err := sys.DebugCommand(out, line); err != nil {
			fmt.Fprintf(out, "error: %s\n", err.Message)
		}
	}
}
