package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Options are the command-line inputs to Run.
type Options struct {
	ConfigFile string
	EnvFile    string
	Addr       string // overrides the configured listen address when set
}

// Run is the CLI entrypoint used by cmd/imnext.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(opts Options) error {
	if err := LoadDotEnv(opts.EnvFile); err != nil {
		return err
	}
	cfg, err := LoadConfig(opts.ConfigFile)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.HTTP.Addr = opts.Addr
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}
