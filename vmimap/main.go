// Command vmimap loads kernel symbols, refines them with the types learned
// from the kernel sources and builds the memory map of a snapshot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slices"

	"github.com/allewwaly/insight-vmi-sub004/config"
	"github.com/allewwaly/insight-vmi-sub004/memmap"
)

var commonFlags = []cli.Flag{
	&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file"},
	&cli.IntFlag{Name: "debuglevel", Usage: "debug verbosity level"},
	&cli.StringFlag{Name: "symbols", Usage: "symbol feed (YAML) or vmlinux with DWARF info"},
	&cli.StringFlag{Name: "symbol-cache", Usage: "symbol cache to read, or to write after loading the feed"},
	&cli.StringFlag{Name: "memspecs", Usage: "memory specifications (INI)"},
	&cli.StringFlag{Name: "arch", Usage: "guest architecture if no memspecs are given"},
	&cli.StringSliceFlag{Name: "source", Usage: "preprocessed kernel source file to evaluate"},
	&cli.IntFlag{Name: "workers", Usage: "number of parallel workers (0: one per CPU)"},
}

var buildFlags = []cli.Flag{
	&cli.StringFlag{Name: "image", Usage: "memory snapshot (raw, .xz or .zst)"},
	&cli.StringFlag{Name: "image-base", Usage: "virtual address the snapshot is mapped at"},
	&cli.Float64Flag{Name: "min-probability", Usage: "stop at nodes below this probability"},
	&cli.StringSliceFlag{Name: "addr", Usage: "print the nodes containing this address after building"},
}

func main() {
	app := cli.NewApp()
	app.Name = "vmimap"
	app.Usage = "Build the memory map of a kernel snapshot"
	app.Commands = []*cli.Command{
		{
			Name:   "symbols",
			Usage:  "Load the symbols, evaluate the sources and write the symbol cache",
			Flags:  commonFlags,
			Action: runSymbols,
		},
		{
			Name:   "build",
			Usage:  "Build the memory map of a snapshot",
			Flags:  append(append([]cli.Flag{}, commonFlags...), buildFlags...),
			Action: runBuild,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "vmimap: %v\n", err)
		os.Exit(1)
	}
}

// options merges the configuration file, the environment and the flags
// that were set, in that order.
func options(c *cli.Context) (config.Options, logr.Logger, error) {
	o, err := config.Load(c.String("config"))
	if err != nil {
		return o, logr.Discard(), err
	}
	set := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	set("symbols", &o.Symbols)
	set("symbol-cache", &o.SymbolCache)
	set("memspecs", &o.MemSpecsFile)
	set("arch", &o.Arch)
	set("image", &o.Image)
	if c.IsSet("source") {
		o.Sources = c.StringSlice("source")
	}
	if c.IsSet("workers") {
		o.Workers = c.Int("workers")
	}
	if c.IsSet("min-probability") {
		o.MinProbability = c.Float64("min-probability")
	}
	if c.IsSet("image-base") {
		if o.ImageBase, err = parseAddr(c.String("image-base")); err != nil {
			return o, logr.Discard(), err
		}
	}
	if c.IsSet("debuglevel") {
		o.LogLevel = strconv.Itoa(c.Int("debuglevel"))
	}
	if err := o.Validate(); err != nil {
		return o, logr.Discard(), err
	}
	log, err := o.Logger()
	return o, log, err
}

func parseAddr(s string) (uint64, error) {
	a, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	return a, errors.Wrapf(err, "bad address %q", s)
}

// installSignals returns a context that is cancelled on SIGINT or SIGTERM.
func installSignals() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runSymbols(c *cli.Context) error {
	o, log, err := options(c)
	if err != nil {
		return err
	}
	ctx, cancel := installSignals()
	defer cancel()
	s, err := config.Open(ctx, o, log)
	if err != nil {
		return err
	}
	defer s.Close()
	st := s.Factory.Stats()
	fmt.Printf("%s types, %s variables, %s alternative types\n",
		humanize.Comma(int64(st.Types)), humanize.Comma(int64(st.Vars)), humanize.Comma(int64(st.TypesChanged)))
	return nil
}

func runBuild(c *cli.Context) error {
	o, log, err := options(c)
	if err != nil {
		return err
	}
	var addrs []uint64
	for _, a := range c.StringSlice("addr") {
		addr, err := parseAddr(a)
		if err != nil {
			return err
		}
		addrs = append(addrs, addr)
	}

	ctx, cancel := installSignals()
	defer cancel()
	s, err := config.Open(ctx, o, log)
	if err != nil {
		return err
	}
	defer s.Close()
	m, err := s.NewMap()
	if err != nil {
		return err
	}

	fmt.Println("Building...")
	st, err := m.Build(ctx, o.BuildOptions())
	if errors.Is(err, memmap.ErrInterrupted) {
		fmt.Println("Interrupted, the map is incomplete.")
	} else if err != nil {
		return err
	}
	fmt.Println(st)

	for _, addr := range addrs {
		nodes := m.NodesContaining(addr)
		slices.SortFunc(nodes, func(a, b *memmap.Node) int {
			switch pa, pb := a.Probability(), b.Probability(); {
			case pa > pb:
				return -1
			case pa < pb:
				return 1
			}
			return int(a.Size()) - int(b.Size())
		})
		fmt.Printf("0x%x: %d nodes\n", addr, len(nodes))
		for _, n := range nodes {
			fmt.Printf("  %-40s %s @ 0x%x+%d  p=%.4f\n", n.FullName(), n.Type(), n.Address(), addr-n.Address(), n.Probability())
		}
	}
	return nil
}
