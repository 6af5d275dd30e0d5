package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-notes/internal/config"
)

var version = "0.1.0-dev"

const defaultConfigPath = "loqa-notes.yaml"

const usage = `usage: loqa-notes [--config path] <command> [flags]

commands:
  serve                 run the daemon (HTTP API, worker, bus, scheduler)
  process [--id ID]     transcribe and annotate pending recordings
  add --file F --coords "lat,lon"
                        register a recording
  list [--status S]     list recordings
  show ID               print one recording
  auth status|save|clear
                        manage the annotation credential
  version               print the version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// env carries the process streams and the loaded config into commands.
type env struct {
	cfg    config.Config
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("loqa-notes", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := global.String("config", defaultConfigPath, "Path to configuration file")
	showVersion := global.Bool("version", false, "Print version and exit")
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, version)
		return 0
	}

	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return 2
	}
	name, cmdArgs := rest[0], rest[1:]

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		global.Usage()
		return 2
	}
	if name == "version" {
		fmt.Fprintln(stdout, version)
		return 0
	}
	explicit := false
	global.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	cfg, err := loadConfig(*configPath, explicit)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, closeLog := newLogger(cfg.Telemetry, stderr, name == "serve")
	defer closeLog()

	e := &env{cfg: cfg, stdin: stdin, stdout: stdout, stderr: stderr, logger: logger}
	if err := cmd(ctx, e, cmdArgs); err != nil {
		if errors.Is(err, errUsage) {
			return 2
		}
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 1
	}
	return 0
}

// loadConfig falls back to defaults plus environment overrides when the
// default config file is absent.
func loadConfig(path string, explicit bool) (config.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}
