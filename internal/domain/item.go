package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Category is the coarse classification of a bill item.
type Category string

const (
	CategoryMedicine   Category = "medicine"
	CategoryDiagnostic Category = "diagnostic"
	CategoryRoom       Category = "room"
	CategoryProcedure  Category = "procedure"
	CategoryOther      Category = "other"
)

// UnknownItem labels anomalies raised on items without a name.
const UnknownItem = "Unknown"

// BillItem is one line of an itemized bill.
// Items are not assumed unique: the same charge may appear several times.
type BillItem struct {
	ItemName   string   `json:"item_name"`
	Quantity   Amount   `json:"quantity"`
	UnitPrice  Amount   `json:"unit_price"`
	TotalPrice Amount   `json:"total_price"`
	Category   Category `json:"category,omitempty"`
}

// Label returns the item name used in anomaly records.
func (i BillItem) Label() string {
	if strings.TrimSpace(i.ItemName) == "" {
		return UnknownItem
	}
	return i.ItemName
}

// HasName reports whether the item carries a non-blank name.
func (i BillItem) HasName() bool {
	return strings.TrimSpace(i.ItemName) != ""
}

// UnmarshalJSON decodes an item leniently. Unknown shapes never fail:
// a non-string name decodes to "", a non-numeric amount to a malformed Amount,
// and a non-object item to the zero item.
func (i *BillItem) UnmarshalJSON(data []byte) error {
	*i = BillItem{}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}

	if raw, ok := fields["item_name"]; ok {
		var name string
		if json.Unmarshal(raw, &name) == nil {
			i.ItemName = name
		}
	}
	if raw, ok := fields["category"]; ok {
		var cat string
		if json.Unmarshal(raw, &cat) == nil {
			i.Category = Category(cat)
		}
	}

	if raw, ok := fields["quantity"]; ok {
		_ = i.Quantity.UnmarshalJSON(raw)
	}
	if raw, ok := fields["unit_price"]; ok {
		_ = i.UnitPrice.UnmarshalJSON(raw)
	}
	if raw, ok := fields["total_price"]; ok {
		_ = i.TotalPrice.UnmarshalJSON(raw)
	}
	return nil
}

// Amount is an optional numeric bill field.
// The zero value is unset.
type Amount struct {
	Value     float64
	Set       bool
	Malformed bool // present in the input but not a usable number
}

// Num returns a set Amount.
func Num(v float64) Amount {
	return Amount{Value: v, Set: true}
}

// Get returns the value and whether it is set.
func (a Amount) Get() (float64, bool) {
	return a.Value, a.Set
}

// MarshalJSON writes the number, or null when unset.
func (a Amount) MarshalJSON() ([]byte, error) {
	if !a.Set {
		return []byte("null"), nil
	}
	return json.Marshal(a.Value)
}

// UnmarshalJSON accepts a number, a numeric string, or null.
// Any other value is recorded as malformed and left unset.
func (a *Amount) UnmarshalJSON(data []byte) error {
	*a = Amount{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	var v float64
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			a.Malformed = true
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			a.Malformed = true
			return nil
		}
		v = parsed
	default:
		if err := json.Unmarshal(data, &v); err != nil {
			a.Malformed = true
			return nil
		}
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		a.Malformed = true
		return nil
	}
	a.Value = v
	a.Set = true
	return nil
}

// BillRequest is the async submission payload.
type BillRequest struct {
	BillID string     `json:"bill_id,omitempty"`
	Items  []BillItem `json:"items"`
}
