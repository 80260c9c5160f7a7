package rules

import (
	"context"
	"fmt"

	"github.com/opensource-finance/billwatch/internal/classify"
	"github.com/opensource-finance/billwatch/internal/domain"
)

var (
	roomKeywords     = []string{"room", "bed", "ward"}
	dosageKeywords   = []string{"tablet", "capsule", "syrup"}
	durationKeywords = []string{"day", "room"}
)

// Heuristic limits.
const (
	maxBilledDays       = 30
	maxMedicineQuantity = 100
)

// CategoryMismatchRule flags names that contradict their category (C1).
type CategoryMismatchRule struct{}

func (CategoryMismatchRule) ID() string { return RuleCategoryMismatch }

func (CategoryMismatchRule) Evaluate(_ context.Context, items []domain.BillItem) []domain.Anomaly {
	var out []domain.Anomaly
	for _, item := range items {
		if incomplete(item) {
			continue
		}

		name := lowerName(item)
		switch category(item) {
		case domain.CategoryMedicine:
			if classify.ContainsAny(name, roomKeywords) {
				out = append(out, newAnomaly(domain.CodeCategoryMismatch, item, domain.SeverityLow,
					"Category mismatch", "Item appears to be a room or service charge."))
			}
		case domain.CategoryDiagnostic:
			if classify.ContainsAny(name, dosageKeywords) {
				out = append(out, newAnomaly(domain.CodeCategoryMismatch, item, domain.SeverityLow,
					"Category mismatch", "Item appears to be a medicine."))
			}
		}
	}
	return out
}

// DurationRule flags implausible length-of-stay billing (T1).
type DurationRule struct{}

func (DurationRule) ID() string { return RuleDuration }

func (DurationRule) Evaluate(_ context.Context, items []domain.BillItem) []domain.Anomaly {
	var out []domain.Anomaly
	for _, item := range items {
		if incomplete(item) {
			continue
		}
		if classify.ContainsAny(lowerName(item), durationKeywords) && item.Quantity.Value > maxBilledDays {
			out = append(out, newAnomaly(domain.CodeUnusualDuration, item, domain.SeverityMedium,
				"Unusual duration", "Number of billed days appears unusually high."))
		}
	}
	return out
}

// QuantityRule flags implausible medicine unit counts (Q1).
type QuantityRule struct{}

func (QuantityRule) ID() string { return RuleQuantity }

func (QuantityRule) Evaluate(_ context.Context, items []domain.BillItem) []domain.Anomaly {
	var out []domain.Anomaly
	for _, item := range items {
		if incomplete(item) {
			continue
		}
		if category(item) == domain.CategoryMedicine && item.Quantity.Value > maxMedicineQuantity {
			out = append(out, newAnomaly(domain.CodeHighQuantity, item, domain.SeverityHigh,
				"Unusually high quantity", fmt.Sprintf("%s units billed for a medicine item.", formatNumber(item.Quantity.Value))))
		}
	}
	return out
}

// PriceAboveMRPRule flags medicines billed above the reference MRP times
// the tolerance (A3). Items without a reference match are skipped.
type PriceAboveMRPRule struct {
	lookup    PriceLookup
	tolerance float64
}

// NewPriceAboveMRPRule creates the rule. tolerance <= 0 uses domain.DefaultMRPTolerance.
func NewPriceAboveMRPRule(lookup PriceLookup, tolerance float64) *PriceAboveMRPRule {
	if tolerance <= 0 {
		tolerance = domain.DefaultMRPTolerance
	}
	return &PriceAboveMRPRule{lookup: lookup, tolerance: tolerance}
}

func (r *PriceAboveMRPRule) ID() string { return RulePriceAboveMRP }

// Tolerance returns the multiplier in effect.
func (r *PriceAboveMRPRule) Tolerance() float64 { return r.tolerance }

func (r *PriceAboveMRPRule) Evaluate(ctx context.Context, items []domain.BillItem) []domain.Anomaly {
	if r.lookup == nil {
		return nil
	}

	var out []domain.Anomaly
	for _, item := range items {
		if incomplete(item) || category(item) != domain.CategoryMedicine {
			continue
		}
		unit, qty := item.UnitPrice.Value, item.Quantity.Value
		if !item.UnitPrice.Set || unit == 0 || qty == 0 {
			continue
		}

		match, found := r.lookup.FindMRP(ctx, item.ItemName)
		if !found {
			continue
		}

		maxAllowed := match.Price * r.tolerance
		if unit > maxAllowed {
			a := newAnomaly(domain.CodePriceAboveMRP, item, domain.SeverityHigh, "Price above MRP",
				fmt.Sprintf("Unit price ₹%s exceeds allowed ₹%.2f (MRP ₹%s)", formatNumber(unit), maxAllowed, formatNumber(match.Price)))
			a.Excess = (unit - match.Price) * qty
			out = append(out, a)
		}
	}
	return out
}
