package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <path> <value>",
		Short: "Write the state at a path",
		Long: `Write a property or an object. The value is JSON; anything that does not
parse as JSON is written as a string.

Writing to <collection>:<name> creates the member when it does not exist.
Writes are checked against the schema and the write policies before they
are sent, and every write is recorded in the journal.`,
		Example: `  # Set one property
  simtree set /contour:pressure/iso_value 12.5

  # Create a member with initial state
  simtree set /contour:pressure '{"field": "pressure"}'

  # Strings need no quoting
  simtree set /title demo`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseTreePath(args[0])
			if err != nil {
				return err
			}
			v := parseValue(args[1])

			return withWorkspace(cmd, func(ctx context.Context, ws *workspace) error {
				log.Debug().Str("path", p.String()).Interface("value", v).Msg("writing state")
				if last, ok := p.Last(); ok && last.Named() {
					collPath, name, _ := memberPath(p)
					coll, err := ws.root.ResolveCollection(collPath)
					if err != nil {
						return err
					}
					return coll.Set(ctx, name, v)
				}
				n, err := ws.root.Resolve(p)
				if err != nil {
					return err
				}
				return n.Write(ctx, v)
			})
		},
	}
	return cmd
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <collection>:<name>",
		Short: "Delete a collection member",
		Example: `  # Delete a contour
  simtree delete /contour:pressure`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseTreePath(args[0])
			if err != nil {
				return err
			}
			collPath, name, err := memberPath(p)
			if err != nil {
				return err
			}
			return withWorkspace(cmd, func(ctx context.Context, ws *workspace) error {
				coll, err := ws.root.ResolveCollection(collPath)
				if err != nil {
					return err
				}
				if err := coll.Delete(ctx, name); err != nil {
					return err
				}
				log.Info().Str("path", p.String()).Msg("Member deleted")
				return nil
			})
		},
	}
	return cmd
}

func newRenameCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rename <collection>:<name> <new-name>",
		Short: "Rename a collection member",
		Example: `  # Rename a contour
  simtree rename /contour:pressure pressure-iso`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseTreePath(args[0])
			if err != nil {
				return err
			}
			collPath, name, err := memberPath(p)
			if err != nil {
				return err
			}
			newName := args[1]
			if newName == name {
				return fmt.Errorf("%s is already named %q", p, newName)
			}
			return withWorkspace(cmd, func(ctx context.Context, ws *workspace) error {
				coll, err := ws.root.ResolveCollection(collPath)
				if err != nil {
					return err
				}
				if err := coll.Rename(ctx, name, newName); err != nil {
					return err
				}
				log.Info().Str("from", p.String()).Str("to", newName).Msg("Member renamed")
				return nil
			})
		},
	}
	return cmd
}
