package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/simtree/simtree/pkg/schema"
)

func newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Schema document tools",
		Long: `Work with schema documents.

Schemas describe the classes of the tree in YAML or CUE: properties with
their types, defaults and constraints, objects, collections and commands.`,
	}

	cmd.AddCommand(newSchemaValidateCommand())

	return cmd
}

// schemaReport summarizes a loaded registry.
type schemaReport struct {
	Valid   bool     `json:"valid"`
	Root    string   `json:"root,omitempty"`
	Classes []string `json:"classes,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func newSchemaValidateCommand() *cobra.Command {
	var (
		root  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "validate [paths...]",
		Short: "Validate schema documents",
		Long: `Load schema documents and check them.

This command checks:
  - YAML syntax or CUE evaluation
  - Document structure (kinds, types, required fields)
  - Class references and the root class
  - Defaults against their own constraints
  - Rule expressions compile

Without paths the schema paths from the configuration are used.`,
		Example: `  # Validate the configured schema
  simtree schema validate

  # Validate a directory and a single file
  simtree schema validate ./schemas extra.cue

  # Re-validate on every change
  simtree schema validate --watch ./schemas`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				paths = cfg.Schema.Paths
				if root == "" {
					root = cfg.Schema.Root
				}
			}

			loader, err := schema.NewLoader(log.Logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			reg, err := loader.LoadPaths(cmd.Context(), paths)
			report := reportFor(reg, root, err)
			if err := printReport(out, report); err != nil {
				return err
			}
			if !watch {
				if !report.Valid {
					return fmt.Errorf("schema is invalid")
				}
				return nil
			}

			return watchSchema(cmd.Context(), loader, paths, func(reg *schema.Registry) {
				_ = printReport(out, reportFor(reg, root, nil))
			})
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "root class (overrides the documents)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when a document changes")

	return cmd
}

func reportFor(reg *schema.Registry, root string, err error) schemaReport {
	if err != nil {
		return schemaReport{Error: err.Error()}
	}
	class, err := rootOf(reg, root)
	if err != nil {
		return schemaReport{Classes: reg.Names(), Error: err.Error()}
	}
	return schemaReport{Valid: true, Root: class.Name, Classes: reg.Names()}
}

func printReport(w io.Writer, r schemaReport) error {
	if jsonOutput {
		return printJSON(w, r)
	}
	if !r.Valid {
		_, err := fmt.Fprintf(w, "invalid: %s\n", r.Error)
		return err
	}
	_, err := fmt.Fprintf(w, "ok: %d classes, root %s\n", len(r.Classes), r.Root)
	return err
}

// watchSchema reports every successful reload until ctx is done. The
// loader logs reloads that fail.
func watchSchema(ctx context.Context, loader *schema.Loader, paths []string, report func(*schema.Registry)) error {
	log.Info().Strs("paths", paths).Msg("Watching schema documents")
	err := loader.Watch(ctx, paths, func(reg *schema.Registry) error {
		report(reg)
		return nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = loader.StopWatching() }()
	<-ctx.Done()
	return nil
}
