package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/elee1766/godefrag/pkg/defrag"
	"github.com/elee1766/godefrag/pkg/diskmap"
	"github.com/elee1766/godefrag/pkg/volume"
)

// AnalyzeCmd scans a volume read-only
type AnalyzeCmd struct {
	Target        string `arg:"" help:"Image file, block device, or sim:key=value,... target"`
	Top           int    `short:"n" default:"20" help:"Show top N most fragmented files"`
	SpaceHogBytes string `name:"spacehog" help:"Contiguous files above this size count as space hogs (e.g. 50MiB)"`
}

func (c *AnalyzeCmd) Run(cli *CLI) error {
	cfg := cli.config()
	logger := cli.logger()
	if c.SpaceHogBytes != "" {
		n, err := humanize.ParseBytes(c.SpaceHogBytes)
		if err != nil {
			return fmt.Errorf("parse --spacehog: %w", err)
		}
		cfg.SpaceHogBytes = n
	}

	ctx := context.Background()
	backend, err := volume.NewOpener(logger, nil, false)(ctx, c.Target)
	if err != nil {
		return fmt.Errorf("open volume: %w", err)
	}
	defer backend.Close()

	sc := defrag.NewScanner(backend, logger, defrag.ScanOptions{
		SpaceHogBytes: cfg.SpaceHogBytes,
		ReadRetries:   cfg.ReadRetries,
	})
	analysis, err := sc.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan volume: %w", err)
	}

	m, err := diskmap.New(analysis.Boot.TotalClusters(), cfg.NumFilteredClusters)
	if err != nil {
		return err
	}
	if err := analysis.Apply(m); err != nil {
		return fmt.Errorf("build cluster map: %w", err)
	}
	printAnalysis(analysis, m.CalculateStats(), c.Top)
	return nil
}

func printAnalysis(a *defrag.Analysis, stats diskmap.Stats, topN int) {
	cs := a.Boot.ClusterSize()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Volume")
	t.AppendRow(table.Row{"Cluster size", humanize.IBytes(cs)})
	t.AppendRow(table.Row{"Total size", humanize.IBytes(stats.TotalClusters * cs)})
	t.AppendRow(table.Row{"Used", fmt.Sprintf("%s (%.1f%%)",
		humanize.IBytes(stats.UsedClusters()*cs),
		percent(stats.UsedClusters(), stats.TotalClusters))})
	t.AppendRow(table.Row{"MFT records", humanize.Comma(int64(a.Records))})
	t.AppendRow(table.Row{"Files", humanize.Comma(int64(len(a.Files)))})
	t.AppendRow(table.Row{"Malformed records", a.Malformed})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Free regions", stats.NumFreeRegions})
	t.AppendRow(table.Row{"Largest free", humanize.IBytes(stats.LargestFree * cs)})
	t.AppendRow(table.Row{"Avg free region", humanize.IBytes(stats.AvgFreeSize * cs)})
	t.AppendRow(table.Row{"Fragmented", fmt.Sprintf("%.1f%% of used", stats.FragmentedPercent())})
	t.Render()
	fmt.Println()

	st := table.NewWriter()
	st.SetOutputMirror(os.Stdout)
	st.SetStyle(table.StyleRounded)
	st.SetTitle("Clusters by State")
	st.AppendHeader(table.Row{"State", "Clusters", "Size", "Share"})
	st.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
	})
	for _, s := range diskmap.States() {
		n := stats.ByState[s]
		if n == 0 {
			continue
		}
		st.AppendRow(table.Row{s, humanize.Comma(int64(n)), humanize.IBytes(n * cs),
			fmt.Sprintf("%.1f%%", percent(n, stats.TotalClusters))})
	}
	st.Render()
	fmt.Println()

	var fragmented []*defrag.File
	for _, f := range a.Files {
		if f.State == diskmap.Fragmented {
			fragmented = append(fragmented, f)
		}
	}
	if len(fragmented) == 0 {
		fmt.Println("No fragmented files found")
		return
	}
	sort.Slice(fragmented, func(i, j int) bool {
		if fragmented[i].Fragments != fragmented[j].Fragments {
			return fragmented[i].Fragments > fragmented[j].Fragments
		}
		return fragmented[i].Clusters > fragmented[j].Clusters
	})

	top := table.NewWriter()
	top.SetOutputMirror(os.Stdout)
	top.SetStyle(table.StyleRounded)
	top.SetTitle(fmt.Sprintf("Top %d Most Fragmented Files", min(topN, len(fragmented))))
	top.AppendHeader(table.Row{"Record", "Fragments", "Size", "Movable", "Name"})
	top.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
	})
	for i, f := range fragmented {
		if i >= topN {
			break
		}
		movable := "yes"
		switch {
		case f.Compressed:
			movable = "compressed"
		case f.System:
			movable = "system"
		}
		top.AppendRow(table.Row{f.Record, f.Fragments + 1, humanize.IBytes(f.Clusters * cs), movable, f.Name})
	}
	top.Render()
}

func percent(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
