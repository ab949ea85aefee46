package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// RestoreOptions holds flags for the restore command.
type RestoreOptions struct {
	*RootOptions
	Output string
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RestoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "restore <commit>",
		Short: "Materialize the budget state as of a commit",
		Long: `Rebuild the budget state right after <commit> and print it as canonical
JSON. History is not modified; use revert to make an old state current.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				p, err := rootOpts.passphrase()
				if err != nil {
					return err
				}
				state, err := s.svc.Restore(ctx, args[0], p)
				if err != nil {
					return s.fail("failed to restore", err)
				}
				data, err := state.MarshalCanonical()
				if err != nil {
					return s.fail("failed to encode state", err)
				}
				if opts.Output != "" {
					if err := os.WriteFile(opts.Output, append(data, '\n'), 0o600); err != nil {
						return WrapExitError(ExitCommandError, "failed to write state", err)
					}
					s.out.VerboseLog("wrote %d entities to %s", state.Len(), opts.Output)
				}
				return s.out.Success(state, func(w io.Writer) {
					if opts.Output == "" {
						fmt.Fprintln(w, string(data))
						return
					}
					fmt.Fprintf(w, "Restored %d entities to %s\n", state.Len(), opts.Output)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the state to this file")

	return cmd
}

// RevertOptions holds flags for the revert command.
type RevertOptions struct {
	*RootOptions
	Message string
}

// NewRevertCommand creates the revert command.
func NewRevertCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RevertOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "revert <commit>",
		Short: "Append a commit that brings the budget back to an earlier state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				key, err := s.key(ctx)
				if err != nil {
					return err
				}
				c, err := s.svc.Revert(ctx, args[0], key, opts.Message)
				if err != nil {
					return s.fail("failed to revert", err)
				}
				return s.out.Success(c, func(w io.Writer) { writeCommit(w, c) })
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "commit message (default \"Revert to <commit>\")")

	return cmd
}
