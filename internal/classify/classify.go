// Package classify assigns a coarse category to bill items by keyword.
package classify

import (
	"strings"

	"github.com/opensource-finance/billwatch/internal/domain"
)

// Keywords is one entry of the ordered classification table.
type Keywords struct {
	Category domain.Category
	Words    []string
}

// Table is evaluated top to bottom; the first category with a hit wins.
var Table = []Keywords{
	{domain.CategoryMedicine, []string{"tablet", "tab", "capsule", "cap", "syrup", "inj", "injection", "mg", "ml", "ointment", "cream", "drop"}},
	{domain.CategoryDiagnostic, []string{"test", "scan", "x-ray", "xray", "mri", "ct", "ultrasound", "usg", "blood", "urine", "cbc", "lft", "kft", "ecg", "echo"}},
	{domain.CategoryRoom, []string{"room", "ward", "bed", "icu", "nicu", "day care", "stay", "rent"}},
	{domain.CategoryProcedure, []string{"surgery", "operation", "procedure", "stitch", "suturing", "dressing", "catheter"}},
}

// InferCategory classifies an item name. Matching is a case-insensitive
// substring test, so "cap" also hits "capsule" and "ct" hits "doctor".
func InferCategory(name string) domain.Category {
	lower := strings.ToLower(name)
	for _, entry := range Table {
		if ContainsAny(lower, entry.Words) {
			return entry.Category
		}
	}
	return domain.CategoryOther
}

// ContainsAny reports whether lower contains any of the keywords.
func ContainsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Resolve returns the category an item carries into rule evaluation:
// a supplied category trimmed and lowercased, or the inferred one.
func Resolve(item domain.BillItem) domain.Category {
	if c := strings.ToLower(strings.TrimSpace(string(item.Category))); c != "" {
		return domain.Category(c)
	}
	return InferCategory(item.ItemName)
}
