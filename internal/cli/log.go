package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/history"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Author string
	Limit  int
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "List commits, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				f, err := opts.filter()
				if err != nil {
					return err
				}
				commits, err := s.svc.ListCommits(ctx, f)
				if err != nil {
					return s.fail("failed to list commits", err)
				}
				return s.out.Success(commits, func(w io.Writer) {
					if len(commits) == 0 {
						fmt.Fprintln(w, "No commits.")
					}
					for _, c := range commits {
						writeCommit(w, c)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Author, "author", "", "only commits by this author (user|system)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum number of commits")

	return cmd
}

func (o *LogOptions) filter() (history.Filter, error) {
	return parseFilter(o.Author, o.Limit)
}

func parseFilter(author string, limit int) (history.Filter, error) {
	f := history.Filter{Limit: limit}
	if limit < 0 {
		return f, NewExitError(ExitCommandError, "limit must not be negative")
	}
	if author != "" {
		a, err := record.ParseAuthor(author)
		if err != nil {
			return f, WrapExitError(ExitCommandError, "invalid author", err)
		}
		f.Author = a
	}
	return f, nil
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <commit>",
		Short: "Show a commit and its decrypted changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				key, err := s.key(ctx)
				if err != nil {
					return err
				}
				d, err := s.svc.GetCommitDetail(ctx, args[0], key)
				if err != nil {
					return s.fail("failed to show commit", err)
				}
				return s.out.Success(d, func(w io.Writer) {
					writeCommit(w, d.Commit)
					fmt.Fprintf(w, "hash:   %s\nparent: %s\n", d.Commit.Hash, d.Commit.ParentHash)
					for _, ch := range d.Changes {
						writeChange(w, ch)
					}
				})
			})
		},
	}
}
