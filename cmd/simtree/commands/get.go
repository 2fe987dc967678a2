package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/tree"
)

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Read the state at a path",
		Long: `Read the state of a property, an object or a whole collection.

Values are checked against the schema on the way in: reals arrive as
reals, integers as integers, and objects carry only declared children.`,
		Example: `  # Read one property
  simtree get /contour:pressure/iso_value

  # Read a whole object as JSON
  simtree get /contour:pressure --json

  # Read every member of a collection
  simtree get /contour`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseTreePath(args[0])
			if err != nil {
				return err
			}
			return withWorkspace(cmd, func(ctx context.Context, ws *workspace) error {
				log.Debug().Str("path", p.String()).Msg("reading state")
				v, err := readAt(ctx, ws.root, p)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), v)
			})
		},
	}
	return cmd
}

func newLsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List the children of a path",
		Long: `List the children the authority reports at a path.

For an object these are its properties, objects, collections and commands
that are currently available. For a collection they are the member names.`,
		Example: `  # List the top of the tree
  simtree ls

  # List contour names
  simtree ls /contour`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := path.Root()
			if len(args) > 0 {
				var err error
				if p, err = parseTreePath(args[0]); err != nil {
					return err
				}
			}
			return withWorkspace(cmd, func(ctx context.Context, ws *workspace) error {
				names, err := namesAt(ctx, ws.root, p)
				if err != nil {
					return err
				}
				return printNames(cmd.OutOrStdout(), names)
			})
		},
	}
	return cmd
}

// collectionAt returns the collection p names, or nil when p names
// something else.
func collectionAt(root *tree.Node, p path.Path) *tree.NamedProxy {
	last, ok := p.Last()
	if !ok || last.Named() {
		return nil
	}
	coll, err := root.ResolveCollection(p)
	if err != nil {
		return nil
	}
	return coll
}

func readAt(ctx context.Context, root *tree.Node, p path.Path) (tree.Value, error) {
	if coll := collectionAt(root, p); coll != nil {
		return coll.Read(ctx)
	}
	n, err := root.Resolve(p)
	if err != nil {
		return nil, err
	}
	return n.Read(ctx)
}

func namesAt(ctx context.Context, root *tree.Node, p path.Path) ([]string, error) {
	if coll := collectionAt(root, p); coll != nil {
		return coll.Names(ctx)
	}
	n, err := root.Resolve(p)
	if err != nil {
		return nil, err
	}
	return n.ChildNames(ctx)
}
