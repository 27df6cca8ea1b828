// Command vmiview builds the memory map of a kernel snapshot and serves it
// over HTTP while it grows.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/allewwaly/insight-vmi-sub004/config"
)

var (
	serverPort  = flag.Int("port", 8092, "Port to run HTTP server")
	debugLevel  = flag.Int("debuglevel", 0, "debug verbosity level")
	configFile  = flag.StringP("config", "c", "", "YAML configuration file")
	symbolsFile = flag.String("symbols", "", "symbol feed (YAML) or vmlinux with DWARF info")
	imageBase   = flag.Uint64("image-base", 0, "virtual address the snapshot is mapped at")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: vmiview [flags] [image]\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	o, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	switch flag.NArg() {
	case 0:
	case 1:
		o.Image = flag.Arg(0)
	default:
		usage()
	}
	if flag.CommandLine.Changed("symbols") {
		o.Symbols = *symbolsFile
	}
	if flag.CommandLine.Changed("image-base") {
		o.ImageBase = *imageBase
	}
	if *debugLevel > 0 {
		o.LogLevel = strconv.Itoa(*debugLevel)
	}
	log, err := o.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Println("Loading...")
	sess, err := config.Open(ctx, o, log)
	if err != nil {
		log.Error(err, "loading")
		os.Exit(1)
	}
	defer sess.Close()
	m, err := sess.NewMap()
	if err != nil {
		log.Error(err, "loading")
		os.Exit(1)
	}
	s, err := newServer(sess.Factory, m, log)
	if err != nil {
		log.Error(err, "registering metrics")
		os.Exit(1)
	}
	go s.build(ctx, o.BuildOptions())

	http.Handle("/", s.handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", *serverPort)}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	fmt.Printf("Ready. Point your browser to localhost:%d\n", *serverPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error(err, "serving")
		os.Exit(1)
	}
}
