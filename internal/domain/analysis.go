package domain

// Severity ranks an anomaly.
type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Anomaly type codes.
const (
	CodeMissingField     = "S1"
	CodeTotalMismatch    = "A1"
	CodeZeroUnitPrice    = "A2"
	CodePriceAboveMRP    = "A3"
	CodeDuplicateCharge  = "D1"
	CodeCategoryMismatch = "C1"
	CodeUnusualDuration  = "T1"
	CodeHighQuantity     = "Q1"

	// CodeCustom is the default code for operator-defined rules.
	CodeCustom = "X1"
)

// Anomaly is one finding raised by a rule against a single item.
type Anomaly struct {
	Type        string   `json:"type"`
	Item        string   `json:"item"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Explanation string   `json:"explanation"`
	RuleID      string   `json:"rule_id,omitempty"`

	// Excess is the estimated amount billed beyond what the rule expects.
	Excess float64 `json:"excess,omitempty"`
}

// Bill verdicts.
const (
	StatusClean  = "CLEAN"
	StatusReview = "REVIEW"
)

// Analysis is the complete result of one analysis pass.
type Analysis struct {
	ID              string           `json:"analysis_id"`
	BillID          string           `json:"bill_id,omitempty"`
	ClassifiedItems []BillItem       `json:"classified_items"`
	Anomalies       []Anomaly        `json:"anomalies"`
	Summary         AnalysisSummary  `json:"summary"`
	Metadata        AnalysisMetadata `json:"metadata"`
}

// AnalysisSummary aggregates a bill and its anomalies.
type AnalysisSummary struct {
	Status              string               `json:"status"`
	Score               float64              `json:"score"`
	ItemCount           int                  `json:"item_count"`
	TotalBilled         float64              `json:"total_billed"`
	CategoryTotals      map[Category]float64 `json:"category_totals"`
	AnomalyCount        int                  `json:"anomaly_count"`
	BySeverity          map[Severity]int     `json:"by_severity"`
	ByType              map[string]int       `json:"by_type"`
	NeedsReview         int                  `json:"needs_review"`
	PotentialOvercharge float64              `json:"potential_overcharge"`
}

// AnalysisMetadata contains processing information.
type AnalysisMetadata struct {
	TraceID          string `json:"trace_id,omitempty"`
	RulesMs          int64  `json:"rules_ms"`
	TotalMs          int64  `json:"total_ms"`
	RulesEvaluated   int    `json:"rules_evaluated"`
	EngineVersion    string `json:"engine_version"`
	ReferenceVersion string `json:"reference_version,omitempty"`
}

// PriceMatch is the result of resolving an item name against the reference index.
type PriceMatch struct {
	Query     string  `json:"query"`
	Candidate string  `json:"candidate"`
	Price     float64 `json:"price"`
	Tier      string  `json:"tier"`
	Score     float64 `json:"score"`
}

// Match tiers.
const (
	MatchExact  = "exact"
	MatchSubset = "subset"
	MatchFuzzy  = "fuzzy"
)
