package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/simtree/simtree/pkg/telemetry"
)

func newExecCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "exec <path> [args]",
		Short: "Run a command",
		Long: `Run a command declared in the schema. Arguments are a JSON object; they
are checked against the declared arguments and defaults are filled in
before the call is sent.

Progress reported by the authority is printed to stderr.`,
		Example: `  # Run with default arguments
  simtree exec /contour:pressure/display

  # Pass arguments
  simtree exec /contour:pressure/display '{"window": 2}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseTreePath(args[0])
			if err != nil {
				return err
			}
			var cmdArgs string
			if len(args) > 1 {
				cmdArgs = args[1]
			}
			parsed, err := parseArgs(cmdArgs)
			if err != nil {
				return err
			}

			return withWorkspace(cmd, func(ctx context.Context, ws *workspace) error {
				command, err := ws.root.ResolveCommand(p)
				if err != nil {
					return err
				}
				if !quiet {
					stderr := cmd.ErrOrStderr()
					ws.tel.Events.Subscribe(func(e telemetry.Event) {
						fmt.Fprintf(stderr, "%s: %s (%.0f%%)\n", e.Path, e.Message, progressOf(e)*100)
					}, telemetry.FilterByType(telemetry.EventTypeCommandProgress))
				}

				log.Debug().Str("path", p.String()).Interface("args", parsed).Msg("executing command")
				out, err := command.Execute(ctx, parsed)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), out)
			})
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")

	return cmd
}

func progressOf(e telemetry.Event) float64 {
	f, _ := e.Data["progress"].(float64)
	return f
}
