package main

import (
	"fmt"
	"os"

	"github.com/luckysmithlee/im-next/cmd/internal/app"

	flag "github.com/spf13/pflag"
)

func main() {
	var opts app.Options
	flag.StringVarP(&opts.ConfigFile, "config", "c", "", "path to a TOML config file")
	flag.StringVar(&opts.EnvFile, "env-file", "", "path to a .env file (default: ./.env if present)")
	flag.StringVar(&opts.Addr, "addr", "", "listen address, overrides IMNEXT_HTTP_ADDR")
	flag.Parse()

	if err := app.Run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "imnext:", err)
		os.Exit(1)
	}
}
