package rules

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/billwatch/internal/domain"
)

// Builtins returns the built-in rules in their fixed evaluation order.
// A nil lookup disables Price-Above-MRP; tolerance <= 0 uses the default.
func Builtins(lookup PriceLookup, tolerance float64) []Rule {
	return []Rule{
		MissingFieldRule{},
		ArithmeticRule{},
		ZeroPriceRule{},
		DuplicateRule{},
		CategoryMismatchRule{},
		DurationRule{},
		QuantityRule{},
		NewPriceAboveMRPRule(lookup, tolerance),
	}
}

// MissingFieldRule reports items lacking required billing data (S1).
// An item without name, quantity or total gets exactly one record; an
// otherwise complete item without a unit price gets a separate one.
type MissingFieldRule struct{}

func (MissingFieldRule) ID() string { return RuleMissingField }

func (MissingFieldRule) Evaluate(_ context.Context, items []domain.BillItem) []domain.Anomaly {
	var out []domain.Anomaly
	for _, item := range items {
		if incomplete(item) {
			out = append(out, newAnomaly(domain.CodeMissingField, item, domain.SeverityInfo,
				"Missing billing data", "One or more required fields are missing."))
			continue
		}
		if !item.UnitPrice.Set {
			out = append(out, newAnomaly(domain.CodeMissingField, item, domain.SeverityInfo,
				"Missing unit price", "Unit price is missing, so the billed total cannot be verified."))
		}
	}
	return out
}

// Arithmetic deviation bands. Each bound is exclusive.
const (
	deviationFloor  = 0.05
	deviationMedium = 0.2
	deviationHigh   = 0.5
)

// ArithmeticRule compares quantity × unit price against the billed total (A1).
type ArithmeticRule struct{}

func (ArithmeticRule) ID() string { return RuleArithmetic }

func (ArithmeticRule) Evaluate(_ context.Context, items []domain.BillItem) []domain.Anomaly {
	var out []domain.Anomaly
	for _, item := range items {
		if incomplete(item) || !item.UnitPrice.Set {
			continue
		}

		calculated := item.Quantity.Value * item.UnitPrice.Value
		if calculated <= 0 {
			continue
		}

		total := item.TotalPrice.Value
		deviation := math.Abs(calculated-total) / calculated
		if deviation <= deviationFloor {
			continue
		}

		sev := domain.SeverityLow
		switch {
		case deviation > deviationHigh:
			sev = domain.SeverityHigh
		case deviation > deviationMedium:
			sev = domain.SeverityMedium
		}

		a := newAnomaly(domain.CodeTotalMismatch, item, sev, "Total mismatch",
			fmt.Sprintf("Calculated ₹%.2f, billed ₹%.2f. Possible discount, package pricing, or override.", calculated, total))
		a.Excess = max(total-calculated, 0)
		out = append(out, a)
	}
	return out
}

// ZeroPriceRule flags a zero unit price on a charged item (A2).
type ZeroPriceRule struct{}

func (ZeroPriceRule) ID() string { return RuleZeroPrice }

func (ZeroPriceRule) Evaluate(_ context.Context, items []domain.BillItem) []domain.Anomaly {
	var out []domain.Anomaly
	for _, item := range items {
		if incomplete(item) || !item.UnitPrice.Set {
			continue
		}
		if item.UnitPrice.Value == 0 && item.TotalPrice.Value > 0 {
			out = append(out, newAnomaly(domain.CodeZeroUnitPrice, item, domain.SeverityMedium,
				"Zero unit price", "Unit price is zero but total is non-zero."))
		}
	}
	return out
}

// DuplicateRule flags every repeat of an earlier (name, unit price, total)
// in the same bill (D1). Names compare case-insensitively after trimming.
type DuplicateRule struct{}

type duplicateKey struct {
	name    string
	unit    float64
	unitSet bool
	total   float64
}

func (DuplicateRule) ID() string { return RuleDuplicateCharge }

func (DuplicateRule) Evaluate(_ context.Context, items []domain.BillItem) []domain.Anomaly {
	var out []domain.Anomaly
	seen := make(map[duplicateKey]struct{}, len(items))
	for _, item := range items {
		if incomplete(item) || item.UnitPrice.Malformed {
			continue
		}

		key := duplicateKey{
			name:    lowerName(item),
			unit:    item.UnitPrice.Value,
			unitSet: item.UnitPrice.Set,
			total:   item.TotalPrice.Value,
		}
		if _, dup := seen[key]; dup {
			a := newAnomaly(domain.CodeDuplicateCharge, item, domain.SeverityMedium,
				"Duplicate charge", "Same item appears multiple times with identical pricing.")
			a.Excess = item.TotalPrice.Value
			out = append(out, a)
			continue
		}
		seen[key] = struct{}{}
	}
	return out
}
