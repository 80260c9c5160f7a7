package domain

import "time"

// RuleConfig defines an operator rule evaluated per bill item.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression evaluated against one item; must yield a bool
	Expression string `json:"expression"`

	// Anomaly emitted when the expression is true
	Code        string   `json:"code"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Explanation string   `json:"explanation"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleTiming records how long one rule took over a bill.
type RuleTiming struct {
	RuleID    string `json:"rule_id"`
	Anomalies int    `json:"anomalies"`
	ProcessUs int64  `json:"process_us"`
}
