package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/integrity"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/tamper"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Audit bool
	From  int64
	To    int64
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute hashes and check parent links",
		Long: `Verify the commit chain. Without --audit verification stops at the first
break; with --audit every break in the range is listed.

Exit codes:
  0 - Chain is valid
  1 - Chain is broken or could not be fully read
  2 - Command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				return runVerify(ctx, s, opts)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Audit, "audit", false, "list every break instead of stopping at the first")
	cmd.Flags().Int64Var(&opts.From, "from", 0, "first commit index to verify")
	cmd.Flags().Int64Var(&opts.To, "to", 0, "stop before this commit index (0 means the tip)")

	return cmd
}

func runVerify(ctx context.Context, s *session, opts *VerifyOptions) error {
	r := integrity.Range{From: opts.From, To: opts.To}
	if r.From < 0 || r.To < 0 {
		return NewExitError(ExitCommandError, "range bounds must not be negative")
	}

	var st integrity.Status
	if opts.Audit {
		rep, err := s.svc.Audit(ctx, r)
		if err != nil {
			return s.fail("audit failed", err)
		}
		st = rep.Status
		if err := s.out.Success(rep, func(w io.Writer) {
			writeStatus(w, rep.Status)
			for _, b := range rep.Breaks {
				fmt.Fprintf(w, "  %s\n", b)
			}
		}); err != nil {
			return err
		}
	} else {
		var err error
		if r == integrity.All {
			st, err = s.svc.Verify(ctx)
		} else {
			st, err = s.svc.VerifyRange(ctx, r)
		}
		if err != nil {
			return s.fail("verification failed", err)
		}
		if err := s.out.Success(st, func(w io.Writer) { writeStatus(w, st) }); err != nil {
			return err
		}
	}

	if !st.Valid {
		return NewExitError(ExitFailure, "chain verification failed")
	}
	return nil
}

// ScanOptions holds flags for the scan command.
type ScanOptions struct {
	*RootOptions
	WithKey bool
}

// NewScanCommand creates the scan command.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run tamper heuristics over the verified history",
		Long: `Scan the history for signs of tampering beyond hash verification:
timestamp regressions, duplicate hashes, orphan commits and system/user
author anomalies. --with-key decrypts payloads to compare the entities
touched by anomalous commits.

Exit codes:
  0 - Clean or warnings only
  1 - Compromised
  2 - Command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				var (
					rep tamper.Report
					err error
				)
				if opts.WithKey {
					key, kerr := s.key(ctx)
					if kerr != nil {
						return kerr
					}
					rep, err = s.svc.ScanWithKey(ctx, key)
				} else {
					rep, err = s.svc.Scan(ctx)
				}
				if err != nil {
					return s.fail("scan failed", err)
				}
				if err := s.out.Success(rep, func(w io.Writer) { writeReport(w, rep) }); err != nil {
					return err
				}
				if rep.OverallStatus == tamper.StatusCompromised {
					return NewExitError(ExitFailure, "history is compromised")
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&opts.WithKey, "with-key", false, "decrypt payloads for sharper author anomaly detection")

	return cmd
}
