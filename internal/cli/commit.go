package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
)

// InitResult is the output of init.
type InitResult struct {
	Genesis        record.Commit `json:"genesis"`
	KeyFingerprint string        `json:"key_fingerprint"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new history with its key salt and genesis commit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				p, err := rootOpts.passphrase()
				if err != nil {
					return err
				}
				genesis, key, err := s.svc.Init(ctx, p)
				if err != nil {
					return s.fail("failed to initialize history", err)
				}
				res := InitResult{Genesis: genesis, KeyFingerprint: key.Fingerprint()}
				return s.out.Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "Initialized history at %s\n", s.cfg.Database)
					writeCommit(w, genesis)
					fmt.Fprintf(w, "key fingerprint: %s\n", res.KeyFingerprint)
				})
			})
		},
	}
}

// CommitOptions holds flags for the commit command.
type CommitOptions struct {
	*RootOptions
	Author  string
	Message string
	Changes string
}

// NewCommitCommand creates the commit command.
func NewCommitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CommitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Append a commit with a JSON list of changes",
		Long: `Append a commit. Changes are read as a JSON array from --changes
(use "-" for stdin). Amounts are integers in minor units; floats are rejected.

Example change list:
  [{"type":"modify","entity_type":"envelope","entity_id":"groceries",
    "diff":{"balance":{"from":0,"to":5000}}}]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				return runCommit(ctx, s, opts, cmd)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Author, "author", string(record.AuthorUser), "commit author (user|system)")
	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "commit message (required)")
	cmd.Flags().StringVar(&opts.Changes, "changes", "", "path to a JSON change list, or - for stdin (required)")
	_ = cmd.MarkFlagRequired("message")
	_ = cmd.MarkFlagRequired("changes")

	return cmd
}

func runCommit(ctx context.Context, s *session, opts *CommitOptions, cmd *cobra.Command) error {
	author, err := record.ParseAuthor(opts.Author)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid author", err)
	}

	var data []byte
	if opts.Changes == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(opts.Changes)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read changes", err)
	}
	changes, err := record.UnmarshalChanges(data)
	if err != nil {
		return s.fail("invalid change list", err)
	}

	key, err := s.key(ctx)
	if err != nil {
		return err
	}
	c, err := s.svc.Commit(ctx, author, opts.Message, changes, key)
	if err != nil {
		return s.fail("failed to commit", err)
	}
	return s.out.Success(c, func(w io.Writer) { writeCommit(w, c) })
}
