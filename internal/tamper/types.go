package tamper

import (
	"time"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/integrity"
)

// Severity grades a single indicator. The set is closed.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// rank orders severities; unknown values rank below low.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// RiskLevel is the highest severity observed in a scan.
type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func riskFor(s Severity) RiskLevel {
	switch s {
	case SeverityLow:
		return RiskLow
	case SeverityMedium:
		return RiskMedium
	case SeverityHigh:
		return RiskHigh
	default:
		return RiskNone
	}
}

// OverallStatus is the headline verdict of a scan.
type OverallStatus string

const (
	StatusClean       OverallStatus = "clean"
	StatusWarnings    OverallStatus = "warnings"
	StatusCompromised OverallStatus = "compromised"
)

// IndicatorType names the heuristic that raised an indicator.
type IndicatorType string

const (
	TimestampRegression IndicatorType = "timestamp_regression"
	DuplicateHash       IndicatorType = "duplicate_hash"
	AuthorAnomaly       IndicatorType = "author_anomaly"
	OrphanCommit        IndicatorType = "orphan_commit"
	ChainBreak          IndicatorType = "chain_break"
)

// Indicator is one suspicious finding.
type Indicator struct {
	Type     IndicatorType `json:"type"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`

	// Index and CommitHash locate the commit that raised the indicator.
	Index      int64  `json:"index"`
	CommitHash string `json:"commit_hash"`

	// Related lists other commits involved, such as the earlier commit of a
	// timestamp regression.
	Related []string `json:"related,omitempty"`
}

// Detection groups indicators with the advice they call for.
type Detection struct {
	Indicators      []Indicator `json:"indicators"`
	Recommendations []string    `json:"recommendations"`
}

// Report is the result of a scan. It is derived on demand and never stored.
type Report struct {
	Integrity       integrity.Status `json:"integrity"`
	Warnings        []string         `json:"warnings"`
	RiskLevel       RiskLevel        `json:"risk_level"`
	OverallStatus   OverallStatus    `json:"overall_status"`
	Summary         string           `json:"summary"`
	TamperDetection Detection        `json:"tamper_detection"`

	// ScannedCommits is the size of the verified prefix the sequential
	// heuristics ran over.
	ScannedCommits int64     `json:"scanned_commits"`
	ScannedAt      time.Time `json:"scanned_at"`
}

var recommendations = map[IndicatorType]string{
	TimestampRegression: "Check the device clock and review commits whose timestamps go backwards.",
	DuplicateHash:       "Treat the store as modified outside the application: export your history and compare it with a backup.",
	AuthorAnomaly:       "Review system changes that were immediately overwritten by manual edits to the same items.",
	OrphanCommit:        "A hidden branch exists: export your history and review the commits that are not on the main chain.",
	ChainBreak:          "Do not trust history past the break: export your data, restore the last valid commit and review changes since.",
}

const highSeverityAdvice = "Export and review your data before making further changes."
