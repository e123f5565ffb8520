package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/elee1766/godefrag/pkg/db"
	"github.com/elee1766/godefrag/pkg/db/queries"
	"github.com/elee1766/godefrag/pkg/defrag"
)

// HistoryCmd contains session history subcommands
type HistoryCmd struct {
	List  HistoryListCmd  `cmd:"" default:"withargs" help:"List recorded sessions"`
	Show  HistoryShowCmd  `cmd:"" help:"Show one session and its status lines"`
	Prune HistoryPruneCmd `cmd:"" help:"Delete finished sessions older than a cutoff"`
	Reset HistoryResetCmd `cmd:"" help:"Drop all recorded history"`
}

func openHistory(cli *CLI) (*db.DB, error) {
	return db.Open(cli.config().DBPath, cli.logger())
}

// HistoryListCmd lists sessions
type HistoryListCmd struct {
	Target string `help:"Only sessions of this target"`
	Limit  int    `short:"n" default:"20" help:"Show at most N sessions"`
}

func (c *HistoryListCmd) Run(cli *CLI) error {
	database, err := openHistory(cli)
	if err != nil {
		return err
	}
	defer database.Close()

	sessions, err := queries.ListSessions(database.Conn(), c.Target, c.Limit)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Started", "Duration", "Status", "Defragmented", "Moved", "Failures", "Target"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
	})
	for _, s := range sessions {
		duration := "-"
		if s.FinishedAt.Valid {
			duration = s.Duration().String()
		}
		t.AppendRow(table.Row{
			shortID(s.ID),
			humanize.Time(s.StartedAt),
			duration,
			s.Status,
			fmt.Sprintf("%d/%d", s.FilesDefragmented, s.FilesFragmented),
			humanize.Comma(s.ClustersMoved),
			s.MoveFailures,
			s.Target,
		})
	}
	t.Render()
	return nil
}

// HistoryShowCmd shows a session
type HistoryShowCmd struct {
	ID    string `arg:"" help:"Session ID or unique prefix"`
	Level string `default:"info" enum:"debug,info,warn,error" help:"Lowest status line level to show"`
}

func (c *HistoryShowCmd) Run(cli *CLI) error {
	database, err := openHistory(cli)
	if err != nil {
		return err
	}
	defer database.Close()

	s, err := findSession(database.Conn(), c.ID)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Session " + s.ID)
	t.AppendRow(table.Row{"Target", s.Target})
	t.AppendRow(table.Row{"Status", s.Status})
	t.AppendRow(table.Row{"Started", s.StartedAt.Format("2006-01-02 15:04:05")})
	if s.FinishedAt.Valid {
		t.AppendRow(table.Row{"Finished", s.FinishedAt.Time.Format("2006-01-02 15:04:05")})
		t.AppendRow(table.Row{"Duration", s.Duration()})
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{"MFT records", humanize.Comma(s.Records)})
	t.AppendRow(table.Row{"Files scanned", humanize.Comma(s.FilesScanned)})
	t.AppendRow(table.Row{"Defragmented", fmt.Sprintf("%d of %d", s.FilesDefragmented, s.FilesFragmented)})
	t.AppendRow(table.Row{"Skipped", s.FilesSkipped})
	t.AppendRow(table.Row{"Move failures", s.MoveFailures})
	t.AppendRow(table.Row{"Malformed records", s.MalformedRecords})
	t.AppendRow(table.Row{"Clusters moved", humanize.Comma(s.ClustersMoved)})
	if s.FragmentedPercent.Valid {
		t.AppendRow(table.Row{"Still fragmented", fmt.Sprintf("%.1f%% of used", s.FragmentedPercent.Float64)})
	}
	if s.Error.Valid {
		t.AppendRow(table.Row{"Error", s.Error.String})
	}
	t.Render()

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Level))); err != nil {
		return err
	}
	logs, err := queries.ListSessionLogs(database.Conn(), s.ID, level)
	if err != nil {
		return fmt.Errorf("list status lines: %w", err)
	}
	if len(logs) == 0 {
		return nil
	}
	fmt.Println()

	lt := table.NewWriter()
	lt.SetOutputMirror(os.Stdout)
	lt.SetStyle(table.StyleRounded)
	lt.AppendHeader(table.Row{"Time", "Level", "Row", "Message"})
	for _, l := range logs {
		lt.AppendRow(table.Row{l.Timestamp.Format("15:04:05.000"), l.Level, defrag.SlotName(l.Slot), l.Message})
	}
	lt.Render()
	return nil
}

// findSession resolves an exact ID or a unique prefix of one.
func findSession(conn *sql.DB, id string) (*queries.SessionHistory, error) {
	s, err := queries.GetSession(conn, id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	all, err := queries.ListSessions(conn, "", 0)
	if err != nil {
		return nil, err
	}
	var match *queries.SessionHistory
	for _, s := range all {
		if !strings.HasPrefix(s.ID, id) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("session prefix %q is ambiguous", id)
		}
		match = s
	}
	if match == nil {
		return nil, fmt.Errorf("no session matches %q", id)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// HistoryPruneCmd deletes old sessions
type HistoryPruneCmd struct {
	OlderThan time.Duration `default:"720h" help:"Delete sessions started longer ago than this"`
}

func (c *HistoryPruneCmd) Run(cli *CLI) error {
	database, err := openHistory(cli)
	if err != nil {
		return err
	}
	defer database.Close()

	n, err := queries.DeleteSessionsBefore(database.Conn(), time.Now().Add(-c.OlderThan))
	if err != nil {
		return fmt.Errorf("prune sessions: %w", err)
	}
	fmt.Printf("Deleted %d sessions\n", n)
	return nil
}

// HistoryResetCmd drops all history
type HistoryResetCmd struct {
	Yes bool `help:"Confirm that all history should be deleted"`
}

func (c *HistoryResetCmd) Run(cli *CLI) error {
	if !c.Yes {
		return errors.New("refusing to reset history without --yes")
	}
	database, err := openHistory(cli)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.ResetDatabase(); err != nil {
		return fmt.Errorf("reset database: %w", err)
	}
	version, err := database.GetMigrationVersion()
	if err != nil {
		return err
	}
	fmt.Printf("History reset (schema version %d)\n", version)
	return nil
}
