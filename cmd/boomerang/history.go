package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/martinemde/boomerang/agentloop"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			items, err := st.ListHistoryItems(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(a.stdout, "No tasks yet.")
				return nil
			}
			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWHEN\tMODE\tTOKENS\tCOST\tTASK")
			for _, item := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.4f\t%s\n",
					item.ID,
					humanize.Time(time.UnixMilli(item.Ts)),
					item.Mode,
					humanize.Comma(int64(item.TokensIn+item.TokensOut)),
					item.TotalCost,
					summarize(item),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of tasks (0 for all)")
	return cmd
}

func newTreeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tree <task-id>",
		Short: "Show the chain of parent tasks leading to a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()
			leaf, err := st.GetHistoryItem(ctx, args[0])
			if err != nil {
				return err
			}
			// The hierarchy walk only needs the loader; nothing is resumed.
			stack := agentloop.NewTaskStack(st.GetHistoryItem, nil, nil, a.logger)
			chain, err := stack.BuildHierarchy(ctx, leaf)
			if err != nil {
				return err
			}
			for depth, item := range chain {
				fmt.Fprintf(a.stdout, "%s#%d %s [%s] %s\n", strings.Repeat("  ", depth), item.Number, item.ID, item.Mode, summarize(*item))
			}
			return nil
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and its logs from history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.DeleteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.logger.Info("task deleted", "task_id", args[0])
			return nil
		},
	}
}

func newModesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List available modes",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SLUG\tNAME\tTOOL GROUPS")
			for _, m := range a.cfg.Modes().All() {
				groups := make([]string, len(m.Groups))
				for i, g := range m.Groups {
					groups[i] = string(g)
				}
				marker := ""
				if m.Slug == a.cfg.Mode {
					marker = " (default)"
				}
				fmt.Fprintf(w, "%s%s\t%s\t%s\n", m.Slug, marker, m.Name, strings.Join(groups, ", "))
			}
			return w.Flush()
		},
	}
}

// summarize returns the first line of the task text, shortened.
func summarize(item agentloop.HistoryItem) string {
	text := strings.TrimSpace(item.Task)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if r := []rune(text); len(r) > 60 {
		text = string(r[:57]) + "..."
	}
	return text
}
