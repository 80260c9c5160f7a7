// Package rules provides the bill anomaly engine: classification followed by
// the built-in rule evaluators and operator-defined CEL rules.
package rules

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/billwatch/internal/classify"
	"github.com/opensource-finance/billwatch/internal/domain"
)

var tracer = otel.Tracer("billwatch-rules")

// Engine runs one analysis pass per call. Besides the read-only price
// lookup and the RWMutex-guarded custom rules it holds no state, so
// concurrent calls on different bills are safe.
type Engine struct {
	builtins []Rule
	custom   *CustomRules
	mrpRule  *PriceAboveMRPRule
}

// Result is the output of one pass.
type Result struct {
	Items     []domain.BillItem
	Anomalies []domain.Anomaly
	Timings   []domain.RuleTiming
	RulesMs   int64
}

// NewEngine creates an engine. A nil lookup disables Price-Above-MRP.
func NewEngine(lookup PriceLookup, tolerance float64) (*Engine, error) {
	custom, err := NewCustomRules()
	if err != nil {
		return nil, err
	}

	builtins := Builtins(lookup, tolerance)
	return &Engine{
		builtins: builtins,
		custom:   custom,
		mrpRule:  builtins[len(builtins)-1].(*PriceAboveMRPRule),
	}, nil
}

// Classify returns a copy of items where every item without a category
// carries the inferred one. No other field is touched.
func Classify(items []domain.BillItem) []domain.BillItem {
	out := make([]domain.BillItem, len(items))
	copy(out, items)
	for i := range out {
		if strings.TrimSpace(string(out[i].Category)) == "" {
			out[i].Category = classify.InferCategory(out[i].ItemName)
		}
	}
	return out
}

// Analyze classifies items and evaluates every rule. Anomalies are ordered
// by rule, then item, then sub-check. The input slice is never modified.
func (e *Engine) Analyze(ctx context.Context, items []domain.BillItem) *Result {
	ctx, span := tracer.Start(ctx, "rules.Analyze")
	defer span.End()

	start := time.Now()
	classified := Classify(items)

	anomalies := make([]domain.Anomaly, 0)
	timings := make([]domain.RuleTiming, 0, len(e.builtins)+1)

	for _, rule := range e.builtins {
		ruleStart := time.Now()
		found := rule.Evaluate(ctx, classified)
		anomalies = append(anomalies, found...)
		timings = append(timings, domain.RuleTiming{
			RuleID:    rule.ID(),
			Anomalies: len(found),
			ProcessUs: time.Since(ruleStart).Microseconds(),
		})
	}

	if e.custom.Count() > 0 {
		customStart := time.Now()
		found := e.custom.Evaluate(ctx, classified)
		anomalies = append(anomalies, found...)
		timings = append(timings, domain.RuleTiming{
			RuleID:    "custom",
			Anomalies: len(found),
			ProcessUs: time.Since(customStart).Microseconds(),
		})
	}

	span.SetAttributes(
		attribute.Int("bill.items", len(items)),
		attribute.Int("bill.anomalies", len(anomalies)),
	)

	return &Result{
		Items:     classified,
		Anomalies: anomalies,
		Timings:   timings,
		RulesMs:   time.Since(start).Milliseconds(),
	}
}

// RulesCount returns the number of rules evaluated per pass.
func (e *Engine) RulesCount() int {
	return len(e.builtins) + e.custom.Count()
}

// Tolerance returns the Price-Above-MRP multiplier in effect.
func (e *Engine) Tolerance() float64 {
	return e.mrpRule.Tolerance()
}

// BuiltinIDs lists the built-in rules in evaluation order.
func (e *Engine) BuiltinIDs() []string {
	ids := make([]string, len(e.builtins))
	for i, r := range e.builtins {
		ids[i] = r.ID()
	}
	return ids
}

// ValidateRule compiles a custom rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	return e.custom.Validate(cfg)
}

// LoadRule compiles and loads a custom rule.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	return e.custom.Load(cfg)
}

// LoadRules compiles and loads multiple custom rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if err := e.custom.Load(cfg); err != nil {
			return err
		}
	}
	return nil
}

// RemoveRule unloads a custom rule.
func (e *Engine) RemoveRule(id string) {
	e.custom.Remove(id)
}

// ReloadRules replaces all custom rules.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	return e.custom.Reload(configs)
}

// GetLoadedRules returns the loaded custom rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	return e.custom.Loaded()
}

// Close unloads every custom rule.
func (e *Engine) Close() error {
	return e.custom.Reload(nil)
}
