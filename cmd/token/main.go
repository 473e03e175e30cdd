package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/stwalsh4118/parcelledger/internal/tools/tokengen"
)

func main() {
	cfg, err := tokengen.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse flags: %v\n", err)
		os.Exit(2)
	}
	if err := tokengen.Run(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
}
