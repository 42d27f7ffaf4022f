package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/weir-proxy/weir/internal/buildinfo"
)

// cliOptions carries the parsed command line. An empty Mode serves the
// leasing API; every other mode runs one batch and exits.
type cliOptions struct {
	Mode     string
	Input    string
	Protocol string
	MinScore int
	Resume   string
}

func main() {
	var opts cliOptions
	flag.StringVar(&opts.Mode, "mode", "", "serve (default), validate, existing, security, browser, import-mirror, export-mirror")
	flag.StringVar(&opts.Input, "input", "", "candidate lists for -mode validate: comma-separated local files and http(s) URLs")
	flag.StringVar(&opts.Protocol, "protocol", "auto", "protocol hint for -mode validate: auto, http, socks5, socks4")
	flag.IntVar(&opts.MinScore, "min-score", 0, "only revalidate records at or above this score (refinement modes)")
	flag.StringVar(&opts.Resume, "resume", "ask", "checkpoint policy: ask, yes, no")
	flag.Parse()

	log.Printf("weir %s (%s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
