package integrity

import (
	"fmt"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
)

// BreakKind distinguishes a modified commit from a broken link.
type BreakKind string

const (
	// BreakContent means a commit's stored hash does not match its fields:
	// the commit was modified after it was written.
	BreakContent BreakKind = "content_mismatch"

	// BreakLinkage means a commit's parent is not the previous commit:
	// something was inserted, removed or reordered.
	BreakLinkage BreakKind = "linkage_mismatch"

	// BreakTruncation means the chain ends before the recorded tip: the
	// newest commits were removed.
	BreakTruncation BreakKind = "truncated"
)

// Break describes one integrity failure.
type Break struct {
	// Index is the commit's position in the chain (its Seq).
	Index int64     `json:"index"`
	Kind  BreakKind `json:"kind"`
	Hash  string    `json:"hash"`

	// For content breaks, Expected is the recomputed hash and Actual the
	// stored one. For linkage breaks, Expected is the previous commit's hash
	// and Actual the stored parent hash. For truncation, Expected is the
	// recorded tip and Actual the hash of the last stored commit.
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (b Break) String() string {
	switch b.Kind {
	case BreakContent:
		return fmt.Sprintf("content hash mismatch at commit %d (%s)", b.Index, record.ShortHash(b.Hash))
	case BreakLinkage:
		return fmt.Sprintf("parent linkage broken at commit %d (%s)", b.Index, record.ShortHash(b.Hash))
	case BreakTruncation:
		return fmt.Sprintf("chain truncated at commit %d: tip %s is missing", b.Index, record.ShortHash(b.Hash))
	default:
		return fmt.Sprintf("break at commit %d", b.Index)
	}
}

// CheckCommit verifies one commit against its predecessor.
// prev is nil when c is the first commit examined. Without a predecessor
// the parent must be empty, so a chain whose genesis was removed breaks at
// its new first commit.
func CheckCommit(c record.Commit, prev *record.Commit) (*Break, error) {
	ok, computed, err := record.VerifyHash(c)
	if err != nil {
		return nil, fmt.Errorf("commit %d: %w", c.Seq, err)
	}
	if !ok {
		return &Break{Index: c.Seq, Kind: BreakContent, Hash: c.Hash, Expected: computed, Actual: c.Hash}, nil
	}

	expected := ""
	if prev != nil {
		expected = prev.Hash
	}
	if c.ParentHash != expected {
		return &Break{Index: c.Seq, Kind: BreakLinkage, Hash: c.Hash, Expected: expected, Actual: c.ParentHash}, nil
	}
	return nil, nil
}

// CheckCommits verifies a contiguous run of commits. prev is the commit
// immediately before commits[0], or nil when commits[0] is genesis.
// With stopAtFirst the walk ends at the first break.
//
// verified is the number of leading commits that passed.
func CheckCommits(commits []record.Commit, prev *record.Commit, stopAtFirst bool) (verified int, breaks []Break, err error) {
	verified = len(commits)
	for i := range commits {
		b, err := CheckCommit(commits[i], prev)
		if err != nil {
			return 0, nil, err
		}
		if b != nil {
			if len(breaks) == 0 {
				verified = i
			}
			breaks = append(breaks, *b)
			if stopAtFirst {
				break
			}
		}
		prev = &commits[i]
	}
	return verified, breaks, nil
}
