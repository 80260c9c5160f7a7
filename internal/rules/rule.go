package rules

import (
	"context"
	"strconv"
	"strings"

	"github.com/opensource-finance/billwatch/internal/classify"
	"github.com/opensource-finance/billwatch/internal/domain"
)

// Rule evaluates a fully categorized item list. Rules are independent of
// each other and must not modify the items.
type Rule interface {
	ID() string
	Evaluate(ctx context.Context, items []domain.BillItem) []domain.Anomaly
}

// PriceLookup resolves an item name to a reference MRP.
type PriceLookup interface {
	FindMRP(ctx context.Context, name string) (domain.PriceMatch, bool)
}

// Built-in rule IDs, in evaluation order.
const (
	RuleMissingField     = "missing-field"
	RuleArithmetic       = "arithmetic-mismatch"
	RuleZeroPrice        = "zero-price"
	RuleDuplicateCharge  = "duplicate-charge"
	RuleCategoryMismatch = "category-mismatch"
	RuleDuration         = "duration-heuristic"
	RuleQuantity         = "quantity-heuristic"
	RulePriceAboveMRP    = "price-above-mrp"
)

// incomplete reports whether an item lacks a name, quantity or total.
// Such items get a Missing-Field record and no other built-in check.
func incomplete(item domain.BillItem) bool {
	return !item.HasName() || !item.Quantity.Set || !item.TotalPrice.Set
}

func category(item domain.BillItem) domain.Category {
	return classify.Resolve(item)
}

func lowerName(item domain.BillItem) string {
	return strings.ToLower(strings.TrimSpace(item.ItemName))
}

func newAnomaly(code string, item domain.BillItem, sev domain.Severity, title, explanation string) domain.Anomaly {
	return domain.Anomaly{
		Type:        code,
		Item:        item.Label(),
		Severity:    sev,
		Title:       title,
		Explanation: explanation,
	}
}

// formatNumber prints a value without trailing zeros: 5, 2.5, 1234.75.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
