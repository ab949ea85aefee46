package tamper

import (
	"fmt"
	"slices"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/cipher"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/integrity"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
)

func chainBreakIndicator(st integrity.Status) Indicator {
	in := Indicator{
		Type:     ChainBreak,
		Severity: SeverityHigh,
		Message:  st.Message,
	}
	if st.BrokenAt != nil {
		in.Index = *st.BrokenAt
	}
	if st.SuspiciousCommit != nil {
		in.CommitHash = st.SuspiciousCommit.Hash
	}
	if st.LastValidCommit != nil {
		in.Related = []string{st.LastValidCommit.Hash}
	}
	return in
}

// timestampRegressions flags commits older than their predecessor.
func timestampRegressions(commits []record.Commit) []Indicator {
	var out []Indicator
	for i := 1; i < len(commits); i++ {
		prev, cur := commits[i-1], commits[i]
		if cur.Timestamp.Before(prev.Timestamp) {
			out = append(out, Indicator{
				Type:     TimestampRegression,
				Severity: SeverityMedium,
				Message: fmt.Sprintf("commit %s is %s older than its parent %s",
					cur.ShortHash(), prev.Timestamp.Sub(cur.Timestamp), prev.ShortHash()),
				Index:      cur.Seq,
				CommitHash: cur.Hash,
				Related:    []string{prev.Hash},
			})
		}
	}
	return out
}

// duplicateHashes flags every hash stored more than once, reported at its
// second occurrence.
func duplicateHashes(commits []record.Commit) []Indicator {
	first := make(map[string]int64, len(commits))
	count := make(map[string]int, len(commits))
	var out []Indicator
	for _, c := range commits {
		count[c.Hash]++
		switch count[c.Hash] {
		case 1:
			first[c.Hash] = c.Seq
		case 2:
			out = append(out, Indicator{
				Type:       DuplicateHash,
				Severity:   SeverityHigh,
				Message:    fmt.Sprintf("hash %s is stored at both commit %d and commit %d", c.ShortHash(), first[c.Hash], c.Seq),
				Index:      c.Seq,
				CommitHash: c.Hash,
			})
		}
	}
	return out
}

// orphans flags commits in candidates that no stored commit names as its
// parent and that are not the tip.
func orphans(candidates, all []record.Commit, tip string) []Indicator {
	referenced := make(map[string]bool, len(all))
	for _, c := range all {
		if c.ParentHash != "" {
			referenced[c.ParentHash] = true
		}
	}
	var out []Indicator
	for _, c := range candidates {
		if c.Hash == tip || referenced[c.Hash] {
			continue
		}
		out = append(out, Indicator{
			Type:       OrphanCommit,
			Severity:   SeverityHigh,
			Message:    fmt.Sprintf("commit %s is not the tip and no commit builds on it", c.ShortHash()),
			Index:      c.Seq,
			CommitHash: c.Hash,
		})
	}
	return out
}

// authorAnomalies flags a system commit immediately followed, within the
// window, by a user commit. With a key the two must touch a common entity.
func (s *Scanner) authorAnomalies(commits []record.Commit, key *cipher.Key) ([]Indicator, []string) {
	var (
		out      []Indicator
		warnings []string
	)
	for i := 1; i < len(commits); i++ {
		sys, usr := commits[i-1], commits[i]
		if sys.Author != record.AuthorSystem || usr.Author != record.AuthorUser {
			continue
		}
		gap := usr.Timestamp.Sub(sys.Timestamp)
		if gap < 0 || gap >= s.window {
			continue
		}

		severity := SeverityLow
		detail := "timing only"
		if key != nil {
			shared, err := sharedEntities(*key, sys, usr)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("author anomaly check at commit %d fell back to timing: %v", usr.Seq, err))
			} else if len(shared) == 0 {
				continue
			} else {
				severity = SeverityMedium
				detail = fmt.Sprintf("both touch %v", shared)
			}
		}

		out = append(out, Indicator{
			Type:     AuthorAnomaly,
			Severity: severity,
			Message: fmt.Sprintf("user commit %s followed system commit %s after %s (%s)",
				usr.ShortHash(), sys.ShortHash(), gap, detail),
			Index:      usr.Seq,
			CommitHash: usr.Hash,
			Related:    []string{sys.Hash},
		})
	}
	return out, warnings
}

// sharedEntities returns "type/id" keys changed by both commits, sorted.
func sharedEntities(key cipher.Key, a, b record.Commit) ([]string, error) {
	ea, err := entities(key, a)
	if err != nil {
		return nil, err
	}
	eb, err := entities(key, b)
	if err != nil {
		return nil, err
	}
	var shared []string
	for k := range ea {
		if eb[k] {
			shared = append(shared, k)
		}
	}
	slices.Sort(shared)
	return shared, nil
}

func entities(key cipher.Key, c record.Commit) (map[string]bool, error) {
	plaintext, err := cipher.Decrypt(key, c.Payload)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", c.ShortHash(), err)
	}
	changes, err := record.UnmarshalChanges(plaintext)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", c.ShortHash(), err)
	}
	out := make(map[string]bool, len(changes))
	for _, ch := range changes {
		out[ch.EntityType+"/"+ch.EntityID] = true
	}
	return out, nil
}
