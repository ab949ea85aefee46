package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Output string
	Author string
	Limit  int
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the history to a portable, still-encrypted bundle",
		Long: `Export the history as a JSON bundle. Payloads stay encrypted and the key
salt is included, so the same passphrase unlocks an imported copy.
Filtering with --author or --limit produces a partial bundle that can be
inspected but not imported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				f, err := parseFilter(opts.Author, opts.Limit)
				if err != nil {
					return err
				}
				blob, err := s.svc.ExportHistory(ctx, f)
				if err != nil {
					return s.fail("failed to export", err)
				}
				if opts.Output == "" {
					_, err := cmd.OutOrStdout().Write(append(blob, '\n'))
					return err
				}
				if err := os.WriteFile(opts.Output, blob, 0o600); err != nil {
					return WrapExitError(ExitCommandError, "failed to write bundle", err)
				}
				return s.out.Success(map[string]any{"path": opts.Output, "bytes": len(blob)}, func(w io.Writer) {
					fmt.Fprintf(w, "Exported history to %s\n", opts.Output)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the bundle to this file instead of stdout")
	cmd.Flags().StringVar(&opts.Author, "author", "", "only commits by this author (partial bundle)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "only the newest N commits (partial bundle)")

	return cmd
}

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Inspect bool
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <bundle>",
		Short: "Load an exported bundle into an empty history",
		Long: `Import a bundle written by export. The bundle is verified before anything
is written, and the target history must be empty. --inspect verifies and
scans the bundle without importing it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read bundle", err)
			}
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				if opts.Inspect {
					rep, err := s.svc.InspectBundle(ctx, blob)
					if err != nil {
						return s.fail("failed to inspect bundle", err)
					}
					return s.out.Success(rep, func(w io.Writer) {
						fmt.Fprintf(w, "bundle %s: %d commits, exported %s\n",
							rep.BundleID, rep.Commits, rep.ExportedAt.Format("2006-01-02 15:04:05Z07:00"))
						if rep.Partial {
							fmt.Fprintln(w, "  partial bundle, cannot be imported")
						}
						if !rep.TipMatches {
							fmt.Fprintln(w, "  last commit does not match the recorded tip")
						}
						writeReport(w, rep.Scan)
					})
				}

				res, err := s.svc.ImportHistory(ctx, blob)
				if err != nil {
					return s.fail("failed to import", err)
				}
				return s.out.Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "Imported %d commits from bundle %s\n", res.Imported, res.BundleID)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Inspect, "inspect", false, "verify and scan the bundle without importing")

	return cmd
}
