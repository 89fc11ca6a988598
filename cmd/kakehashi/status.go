package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/okanishi/kakehashi/internal/cursor"
	"github.com/okanishi/kakehashi/internal/store"
	"github.com/okanishi/kakehashi/internal/subscription"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted synchronization state",
	Long:  `Reads the state directory and prints the stored poll cursors and subscription snapshots. Works whether or not the daemon is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		stateDir, err := store.ResolveStateDir(cfg.State.Dir)
		if err != nil {
			return fmt.Errorf("resolve state dir: %w", err)
		}

		out := cmd.OutOrStdout()
		titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))

		fmt.Fprintln(out, titleStyle.Render("State directory"), stateDir)
		fmt.Fprintln(out)

		fmt.Fprintln(out, titleStyle.Render("Poll cursors"))
		if err := printCursors(out, stateDir); err != nil {
			return err
		}
		fmt.Fprintln(out)

		fmt.Fprintln(out, titleStyle.Render("Graph subscriptions"))
		return printSubscriptions(out, stateDir)
	},
}

func printCursors(out io.Writer, stateDir string) error {
	cursors, err := cursor.NewStore(store.CursorsPath(stateDir))
	if err != nil {
		return fmt.Errorf("load cursors: %w", err)
	}

	positions := cursors.All()
	if len(positions) == 0 {
		fmt.Fprintln(out, "  no cursors recorded")
		return nil
	}

	keys := make([]string, 0, len(positions))
	for key := range positions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	t := newStatusTable("Resource", "Kind", "Position")
	for _, key := range keys {
		pos := positions[key]
		t.Row(key, string(pos.Kind), pos.Value)
	}
	fmt.Fprintln(out, t.String())
	return nil
}

func printSubscriptions(out io.Writer, stateDir string) error {
	subs, err := subscription.LoadSnapshot(store.SubscriptionsPath(stateDir, "graph"))
	if err != nil {
		return fmt.Errorf("load subscription snapshot: %w", err)
	}
	if len(subs) == 0 {
		fmt.Fprintln(out, "  no subscriptions recorded")
		return nil
	}

	sort.Slice(subs, func(i, j int) bool { return subs[i].Resource < subs[j].Resource })

	t := newStatusTable("Resource", "Subscription", "Change Types", "Expires")
	now := time.Now()
	for _, sub := range subs {
		expires := sub.ExpiresAt.Format(time.RFC3339)
		if sub.ExpiresAt.Before(now) {
			expires += " (expired)"
		}
		t.Row(sub.Resource, sub.ID, strings.Join(sub.ChangeTypes, ","), expires)
	}
	fmt.Fprintln(out, t.String())
	return nil
}

func newStatusTable(headers ...string) *table.Table {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")

	headerStyle := lipgloss.NewStyle().
		Foreground(purple).
		Bold(true).
		Padding(0, 1)
	rowStyle := lipgloss.NewStyle().
		Foreground(gray).
		Padding(0, 1)

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(purple)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		}).
		Headers(headers...)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
