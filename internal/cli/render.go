package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/integrity"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/tamper"
)

func writeCommit(w io.Writer, c record.Commit) {
	fmt.Fprintf(w, "%s  %4d  %s  %-6s  %s\n",
		c.ShortHash(), c.Seq, c.Timestamp.UTC().Format(time.RFC3339), c.Author, c.Message)
}

func writeChange(w io.Writer, ch record.Change) {
	fmt.Fprintf(w, "  %-6s %s/%s", ch.Type, ch.EntityType, ch.EntityID)
	if ch.Description != "" {
		fmt.Fprintf(w, "  (%s)", ch.Description)
	}
	fmt.Fprintln(w)
	for _, field := range sortedFields(ch) {
		d := ch.Diff[field]
		fmt.Fprintf(w, "      %s: %s -> %s\n", field, valueString(d.From), valueString(d.To))
	}
}

func sortedFields(ch record.Change) []string {
	obj := make(record.Object, len(ch.Diff))
	for k := range ch.Diff {
		obj[k] = record.Null{}
	}
	return obj.SortedKeys()
}

func valueString(v record.Value) string {
	if v == nil {
		return "null"
	}
	data, err := record.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

func writeStatus(w io.Writer, st integrity.Status) {
	verdict := "VALID"
	if !st.Valid {
		verdict = "INVALID"
	}
	fmt.Fprintf(w, "%s: %s\n", verdict, st.Message)
	if st.LastValidCommit != nil {
		fmt.Fprintf(w, "  last valid commit: %s (#%d)\n", st.LastValidCommit.ShortHash(), st.LastValidCommit.Seq)
	}
	if st.SuspiciousCommit != nil {
		fmt.Fprintf(w, "  suspicious commit: %s (#%d)\n", record.ShortHash(st.SuspiciousCommit.Hash), st.SuspiciousCommit.Seq)
	}
}

func writeReport(w io.Writer, rep tamper.Report) {
	fmt.Fprintf(w, "%s (risk: %s)\n", rep.Summary, rep.RiskLevel)
	writeStatus(w, rep.Integrity)
	for _, ind := range rep.TamperDetection.Indicators {
		fmt.Fprintf(w, "  [%s] %s at #%d: %s\n", ind.Severity, ind.Type, ind.Index, ind.Message)
	}
	for _, warn := range rep.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	for _, rec := range rep.TamperDetection.Recommendations {
		fmt.Fprintf(w, "  - %s\n", rec)
	}
}
