// Command bux is the host-side CLI front end over the runtime control
// plane. Behavior here is a thin wrapper: the CLI layer is explicitly out
// of scope for this module's core semantics, but the ambient flag/config
// surface follows cmd/sand's kong-based structure-of-subcommands pattern.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/gofrs/flock"
	completion "github.com/jotaen/kong-completion"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/banksean/bux/internal/extbuilder"
	"github.com/banksean/bux/internal/imagestore"
	"github.com/banksean/bux/internal/runtime"
)

type Context struct {
	DataDir  string
	ShimPath string
	rt       *runtime.Runtime
	images   *imagestore.Store
}

type CLI struct {
	DataDir  string `default:"" placeholder:"<data-dir>" help:"root directory for bux state (default: ~/Library/Application Support/bux or $XDG_DATA_HOME/bux)"`
	ShimPath string `default:"bux-shim" placeholder:"<path>" help:"path to the bux-shim binary"`
	LogFile  string `default:"" placeholder:"<log-file-path>" help:"location of log file (leave empty for a random tmp/ path)"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level (debug, info, warn, error)"`

	Run                RunCmd                        `cmd:"" help:"spawn a new VM sandbox"`
	Ls                 LsCmd                         `cmd:"" help:"list VM sandboxes"`
	Rm                 RmCmd                         `cmd:"" help:"remove stopped VM sandboxes"`
	Stop               StopCmd                       `cmd:"" help:"stop running VM sandboxes"`
	Exec               ExecCmd                       `cmd:"" help:"execute a command inside a VM sandbox"`
	InstallCompletions completion.InstallCompletions `cmd:"" help:"install shell completions for bux"`
}

func (c *CLI) initSlog() {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logFile := c.LogFile
	if logFile == "" {
		f, err := os.CreateTemp("", "bux-log")
		if err != nil {
			panic(err)
		}
		logFile = f.Name()
		f.Close()
	} else if dir := filepath.Dir(logFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			panic(err)
		}
	}

	sink := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     28,
	}
	logger := slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	slog.Info("slog initialized", "log_file", logFile)
}

func defaultDataDir() (string, error) {
	if dir := os.Getenv("BUX_DATA_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("bux: get home directory: %w", err)
	}
	dir := filepath.Join(home, "Library", "Application Support", "bux")
	if goruntime.GOOS != "darwin" {
		dir = filepath.Join(home, ".local", "share", "bux")
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			dir = filepath.Join(xdg, "bux")
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("bux: create data directory: %w", err)
	}
	return dir, nil
}

func main() {
	var cli CLI

	parser := kong.Must(&cli,
		kong.Configuration(kongyaml.Loader, ".bux.yaml", "~/.bux.yaml"),
		kong.Description("Manage micro-VM sandboxes."))
	completion.Register(parser)

	kongCtx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if kongCtx.Command() == "install-completions" {
		kongCtx.FatalIfErrorf(kongCtx.Run())
		return
	}

	cli.initSlog()

	shutdownTracing := initTracing(context.Background())
	defer shutdownTracing(context.Background())

	if cli.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cli.DataDir = dir
	}
	slog.Info("main", "data_dir", cli.DataDir)

	// A single advisory lock file guards the data dir against concurrent
	// writers racing the socks/ directory cleanup performed by list/remove.
	lockPath := filepath.Join(cli.DataDir, ".bux.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bux: acquire lock %s: %v\n", lockPath, err)
		os.Exit(1)
	}
	if !locked {
		fmt.Fprintf(os.Stderr, "bux: another bux process holds %s\n", lockPath)
		os.Exit(1)
	}
	defer lock.Unlock()

	rt, err := runtime.Open(cli.DataDir, cli.ShimPath, extbuilder.Build, extbuilder.EstimateSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bux: open runtime: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	images, err := imagestore.Open(filepath.Join(cli.DataDir, "images"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bux: open image store: %v\n", err)
		os.Exit(1)
	}
	defer images.Close()

	err = kongCtx.Run(&Context{
		DataDir:  cli.DataDir,
		ShimPath: cli.ShimPath,
		rt:       rt,
		images:   images,
	})
	kongCtx.FatalIfErrorf(err)
}
