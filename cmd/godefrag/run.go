package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/ctrlc"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/elee1766/godefrag/pkg/config"
	"github.com/elee1766/godefrag/pkg/db"
	"github.com/elee1766/godefrag/pkg/defrag"
	"github.com/elee1766/godefrag/pkg/history"
	"github.com/elee1766/godefrag/pkg/volume"
)

// RunCmd runs one defragmentation session in the foreground
type RunCmd struct {
	Target      string        `arg:"" help:"Image file or block device, or sim options with --simulate"`
	Simulate    bool          `help:"Generate a fragmented volume in memory; the target holds seed=,clusters=,files=,delay= options"`
	Write       bool          `help:"Relocate clusters on the image (default is a read-only dry run)"`
	Squares     int           `help:"Filtered view bucket count (default from GODEFRAG_SQUARES)"`
	StopTimeout time.Duration `help:"How long Ctrl-C waits for the current move before abandoning it"`
	NoProgress  bool          `help:"Do not draw a progress bar"`
}

func (c *RunCmd) target() string {
	if c.Simulate && !strings.HasPrefix(c.Target, volume.SimulatePrefix) {
		return volume.SimulatePrefix + c.Target
	}
	return c.Target
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg := cli.config()
	cfg.Writable = c.Write
	if c.Squares > 0 {
		cfg.NumFilteredClusters = c.Squares
	}
	if c.StopTimeout > 0 {
		cfg.StopTimeout = c.StopTimeout
	}
	logger := cli.logger()

	var recorder *history.Recorder
	app := newApp(cfg, logger,
		db.Module,
		volume.Module,
		defrag.Module,
		history.Module,
		fx.Populate(&recorder),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		// the session stop below already waited; this covers db and journal
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout+fx.DefaultTimeout)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	var bar *progressBar
	if !c.NoProgress {
		bar = newProgressBar(os.Stdout)
		unsubscribe := recorder.Subscribe(bar.observe)
		defer unsubscribe()
	}

	if err := recorder.Start(c.target()); err != nil {
		if bar != nil {
			bar.finish()
		}
		return err
	}
	h, ok := recorder.Current()
	if !ok {
		return errors.New("session ended before it could be watched")
	}

	err := ctrlc.Default.Run(context.Background(), func() error {
		<-h.Done()
		return nil
	})
	if errors.As(err, &ctrlc.ErrorCtrlC{}) {
		logger.Warn("interrupted, stopping session", "timeout", cfg.StopTimeout)
		if err := recorder.Stop(cfg.StopTimeout); err != nil && !errors.Is(err, defrag.ErrNotRunning) {
			logger.Warn("stop", "error", err)
		}
		<-h.Done()
	} else if err != nil {
		return err
	}

	if bar != nil {
		bar.finish()
	}
	res := h.Result()
	printResult(os.Stdout, res)
	if res.Error != "" {
		return fmt.Errorf("session %s failed: %s", res.ID, res.Error)
	}
	return nil
}

func printResult(out io.Writer, res *defrag.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Session " + res.ID)
	t.AppendRow(table.Row{"Target", res.Target})
	t.AppendRow(table.Row{"Outcome", history.Status(res)})
	t.AppendRow(table.Row{"Duration", res.Duration().Round(time.Millisecond)})
	t.AppendSeparator()
	t.AppendRow(table.Row{"MFT records", humanize.Comma(int64(res.Records))})
	t.AppendRow(table.Row{"Files scanned", humanize.Comma(res.FilesScanned)})
	t.AppendRow(table.Row{"Fragmented", humanize.Comma(res.FilesFragmented)})
	t.AppendRow(table.Row{"Defragmented", humanize.Comma(res.FilesDefragmented)})
	t.AppendRow(table.Row{"Skipped (no space)", humanize.Comma(res.FilesSkipped)})
	t.AppendRow(table.Row{"Move failures", res.MoveFailures})
	t.AppendRow(table.Row{"Malformed records", res.MalformedRecords})
	t.AppendRow(table.Row{"Clusters moved", humanize.Comma(int64(res.ClustersMoved))})
	if res.Stats.TotalClusters > 0 {
		t.AppendRow(table.Row{"Still fragmented", fmt.Sprintf("%.1f%% of used", res.Stats.FragmentedPercent())})
	}
	if res.Error != "" {
		t.AppendRow(table.Row{"Error", res.Error})
	}
	t.Render()
}

// newApp assembles an fx app around cfg and logger.
func newApp(cfg *config.Config, logger *slog.Logger, opts ...fx.Option) *fx.App {
	return fx.New(append([]fx.Option{
		fx.Supply(cfg, logger),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: log}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
	}, opts...)...)
}
