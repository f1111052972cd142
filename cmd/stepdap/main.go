// Package main is the entry point for the stepdap debug server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dshills/stepdap/internal/config"
	"github.com/dshills/stepdap/internal/debug"
	"github.com/dshills/stepdap/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// options are the command-line settings. Config fields are only
// overridden by flags that were given.
type options struct {
	configPath  string
	showVersion bool
	flags       *pflag.FlagSet
	cfg         config.Config
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{cfg: config.Default()}
	fs := pflag.NewFlagSet("stepdap", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "stepdap.toml", "path to the configuration file")
	fs.StringVar(&opts.cfg.Host, "host", opts.cfg.Host, "address to listen on")
	fs.IntVarP(&opts.cfg.Port, "port", "p", 0, "port to listen on (0 picks a free port)")
	fs.StringVar(&opts.cfg.PortFile, "port-file", opts.cfg.PortFile, "file the bound port is written to")
	fs.BoolVar(&opts.cfg.KeepAlive, "keep-alive", false, "keep listening after the client disconnects")
	fs.StringVar(&opts.cfg.LogLevel, "log-level", opts.cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&opts.cfg.LogFormat, "log-format", opts.cfg.LogFormat, "log format (text, json)")
	fs.BoolVarP(&opts.showVersion, "version", "v", false, "print version information and exit")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "stepdap - debug adapter server for feature-file scenarios\n\n")
		fmt.Fprintf(stderr, "Usage: stepdap [options]\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nEnvironment variables %s<KEY> override the configuration file.\n", config.EnvPrefix)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.flags = fs
	return opts, nil
}

// loadConfig layers the file and environment under the given flags.
func (o *options) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	override := map[string]func(){
		"host":       func() { cfg.Host = o.cfg.Host },
		"port":       func() { cfg.Port = o.cfg.Port },
		"port-file":  func() { cfg.PortFile = o.cfg.PortFile },
		"keep-alive": func() { cfg.KeepAlive = o.cfg.KeepAlive },
		"log-level":  func() { cfg.LogLevel = o.cfg.LogLevel },
		"log-format": func() { cfg.LogFormat = o.cfg.LogFormat },
	}
	for name, apply := range override {
		if o.flags.Changed(name) {
			apply()
		}
	}
	return cfg, cfg.Validate()
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		return 2
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "stepdap %s\n", version)
		fmt.Fprintf(stdout, "Commit: %s\n", commit)
		fmt.Fprintf(stdout, "Built: %s\n", date)
		return 0
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: logging.Format(cfg.LogFormat),
		Output: stderr,
	})

	srv, err := debug.Listen(cfg, logging.Component(logger, "debug"))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
