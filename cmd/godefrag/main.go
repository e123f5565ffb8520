package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/elee1766/godefrag/pkg/config"
)

// CLI is the root command structure
type CLI struct {
	// Global flags
	LogLevel string `short:"l" default:"info" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)"`
	LogJSON  bool   `help:"Log as JSON instead of text"`

	// Subcommands
	Analyze AnalyzeCmd `cmd:"" help:"Scan a volume and report fragmentation without moving anything"`
	Run     RunCmd     `cmd:"" help:"Defragment a volume"`
	Serve   ServeCmd   `cmd:"" help:"Run the HTTP API server"`
	History HistoryCmd `cmd:"" help:"Inspect recorded sessions"`
}

// config returns the environment configuration with global flags applied.
func (cli *CLI) config() *config.Config {
	cfg := config.New()
	cfg.LogLevel = cli.LogLevel
	return cfg
}

func (cli *CLI) logger() *slog.Logger {
	return makeLogger(cli.LogLevel, cli.LogJSON)
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("godefrag"),
		kong.Description("NTFS defragmentation engine"),
		kong.UsageOnError(),
	)
	err := ctx.Run(cli)
	ctx.FatalIfErrorf(err)
}

func makeLogger(level string, json bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	// stdout belongs to tables and progress bars
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if json {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
