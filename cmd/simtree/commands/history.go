package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/simtree/simtree/pkg/journal"
)

func newHistoryCommand() *cobra.Command {
	var (
		session string
		prefix  string
		op      string
		since   time.Duration
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded changes",
		Long: `Show the journal of writes, deletes, renames and command runs made
through simtree, newest first. Calls the authority rejected are recorded
with their error; calls refused by a write policy never leave the client
and are not recorded.`,
		Example: `  # Last changes
  simtree history

  # Changes below one object in the last hour
  simtree history --path /contour:pressure --since 1h

  # Only renames, as JSON
  simtree history --op rename --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return fmt.Errorf("the journal is disabled")
			}

			j, err := journal.Open(cmd.Context(), journal.Config{Path: cfg.Journal.Path})
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer j.Close()

			f := journal.Filter{
				SessionID:  session,
				PathPrefix: prefix,
				Op:         op,
				Limit:      limit,
			}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			entries, err := j.List(cmd.Context(), f)
			if err != nil {
				return err
			}

			if jsonOutput {
				if entries == nil {
					entries = []*journal.Entry{}
				}
				return printJSON(cmd.OutOrStdout(), entries)
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "filter by session id")
	cmd.Flags().StringVar(&prefix, "path", "", "filter by path and everything below it")
	cmd.Flags().StringVar(&op, "op", "", "filter by operation (write, delete, rename, execute)")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this")
	cmd.Flags().IntVarP(&limit, "limit", "n", journal.DefaultLimit, "maximum number of entries")

	return cmd
}

func printEntries(w io.Writer, entries []*journal.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOP\tPATH\tSTATUS\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.RecordedAt.Local().Format(time.DateTime), e.Op, e.Path, e.Status, entryDetail(e))
	}
	return tw.Flush()
}

func entryDetail(e *journal.Entry) string {
	switch {
	case e.Error != nil:
		return *e.Error
	case e.NewName != nil:
		return "-> " + *e.NewName
	case e.Value != nil:
		return *e.Value
	case e.Args != nil:
		return *e.Args
	}
	return ""
}
