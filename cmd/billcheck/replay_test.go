package main

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opensource-finance/billwatch/internal/domain"
)

func TestParseBill(t *testing.T) {
	t.Run("BareArray", func(t *testing.T) {
		req, err := parseBill([]byte(` [{"item_name":"Paracetamol 500mg","quantity":10,"unit_price":5,"total_price":50}]`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(req.Items) != 1 || req.Items[0].ItemName != "Paracetamol 500mg" {
			t.Errorf("unexpected items: %+v", req.Items)
		}
	})

	t.Run("ItemsObject", func(t *testing.T) {
		req, err := parseBill([]byte(`{"bill_id":"b-1","items":[{"item_name":"CBC","quantity":"1","total_price":"300"}]}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if req.BillID != "b-1" {
			t.Errorf("expected bill_id b-1, got %q", req.BillID)
		}
		if v, ok := req.Items[0].TotalPrice.Get(); !ok || v != 300 {
			t.Errorf("expected total 300, got %v (%v)", v, ok)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if _, err := parseBill([]byte(`[]`)); err == nil {
			t.Error("expected error for empty bill")
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		if _, err := parseBill([]byte(`{not json`)); err == nil {
			t.Error("expected error for invalid JSON")
		}
	})
}

func TestDecodeLabeledBills(t *testing.T) {
	t.Run("JSONL", func(t *testing.T) {
		input := `{"bill_id":"a","items":[],"expect_review":true,"expected":["A3"]}
{"bill_id":"b","items":[]}

{"bill_id":"c","items":[]}
`
		bills, err := decodeLabeledBills(strings.NewReader(input), 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(bills) != 3 {
			t.Fatalf("expected 3 bills, got %d", len(bills))
		}
		if !bills[0].ExpectReview || len(bills[0].Expected) != 1 {
			t.Errorf("unexpected first bill: %+v", bills[0])
		}
		if bills[1].Expected != nil {
			t.Error("absent expected codes must stay nil")
		}
	})

	t.Run("Array", func(t *testing.T) {
		input := `  [{"bill_id":"a"},{"bill_id":"b"},{"bill_id":"c"}]`
		bills, err := decodeLabeledBills(strings.NewReader(input), 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(bills) != 2 {
			t.Errorf("expected limit of 2, got %d", len(bills))
		}
	})

	t.Run("EmptyInput", func(t *testing.T) {
		bills, err := decodeLabeledBills(strings.NewReader("\n\n"), 0)
		if err != nil || len(bills) != 0 {
			t.Errorf("expected no bills and no error, got %d, %v", len(bills), err)
		}
	})

	t.Run("BadRecord", func(t *testing.T) {
		_, err := decodeLabeledBills(strings.NewReader(`{"bill_id":"a"}
{"bill_id":`), 0)
		if err == nil {
			t.Error("expected error for truncated record")
		}
	})
}

func analysisWith(status string, codes ...string) *domain.Analysis {
	a := &domain.Analysis{Summary: domain.AnalysisSummary{Status: status}}
	for _, c := range codes {
		a.Anomalies = append(a.Anomalies, domain.Anomaly{Type: c})
	}
	return a
}

func TestMetricsRecord(t *testing.T) {
	m := newMetrics()

	m.record(LabeledBill{ExpectReview: true, Expected: []string{"A3", "D1"}}, analysisWith(domain.StatusReview, "A3", "A3", "C1"))
	m.record(LabeledBill{ExpectReview: false}, analysisWith(domain.StatusReview, "Q1"))
	m.record(LabeledBill{ExpectReview: false, Expected: []string{}}, analysisWith(domain.StatusClean))
	correct := m.record(LabeledBill{ExpectReview: true}, analysisWith(domain.StatusClean))

	if correct {
		t.Error("expected missed review to be reported as incorrect")
	}
	if m.TruePositives != 1 || m.FalsePositives != 1 || m.TrueNegatives != 1 || m.FalseNegatives != 1 {
		t.Errorf("unexpected confusion matrix: TP=%d FP=%d TN=%d FN=%d",
			m.TruePositives, m.FalsePositives, m.TrueNegatives, m.FalseNegatives)
	}
	if m.TotalReview != 2 || m.TotalClean != 2 {
		t.Errorf("expected 2 review and 2 clean labels, got %d and %d", m.TotalReview, m.TotalClean)
	}

	codes := m.Codes()
	if c := codes["A3"]; c.TruePositives != 1 || c.FalsePositives != 0 {
		t.Errorf("A3: expected 1 TP counted once per bill, got %+v", c)
	}
	if c := codes["D1"]; c.FalseNegatives != 1 {
		t.Errorf("D1: expected 1 FN, got %+v", c)
	}
	if c := codes["C1"]; c.FalsePositives != 1 {
		t.Errorf("C1: expected 1 FP, got %+v", c)
	}
	if _, ok := codes["Q1"]; ok {
		t.Error("bills without expected codes must not be scored per code")
	}
}

func TestPrecisionRecall(t *testing.T) {
	tests := []struct {
		name   string
		tp     int64
		fp     int64
		fn     int64
		wantP  float64
		wantR  float64
		wantF1 float64
	}{
		{"perfect", 10, 0, 0, 1, 1, 1},
		{"half", 1, 1, 1, 0.5, 0.5, 0.5},
		{"nothing", 0, 0, 0, 0, 0, 0},
		{"no recall", 0, 3, 2, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := precision(tt.tp, tt.fp)
			r := recall(tt.tp, tt.fn)
			if math.Abs(p-tt.wantP) > 1e-9 {
				t.Errorf("expected precision %v, got %v", tt.wantP, p)
			}
			if math.Abs(r-tt.wantR) > 1e-9 {
				t.Errorf("expected recall %v, got %v", tt.wantR, r)
			}
			if got := f1(p, r); math.Abs(got-tt.wantF1) > 1e-9 {
				t.Errorf("expected F1 %v, got %v", tt.wantF1, got)
			}
		})
	}
}

func TestRunReplay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/analyze":
			var req domain.BillRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if req.BillID == "broken" {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			a := analysisWith(domain.StatusClean)
			if strings.HasPrefix(req.BillID, "over") {
				a = analysisWith(domain.StatusReview, "A3")
			}
			a.BillID = req.BillID
			_ = json.NewEncoder(w).Encode(a)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := srv.Client()
	if err := checkHealth(client, srv.URL); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	item := domain.BillItem{ItemName: "Paracetamol 500mg", Quantity: domain.Num(10), UnitPrice: domain.Num(5), TotalPrice: domain.Num(50)}
	bills := []LabeledBill{
		{BillID: "over-1", Items: []domain.BillItem{item}, ExpectReview: true, Expected: []string{"A3"}},
		{BillID: "over-2", Items: []domain.BillItem{item}, ExpectReview: false},
		{BillID: "clean-1", Items: []domain.BillItem{item}},
		{BillID: "broken", Items: []domain.BillItem{item}},
	}

	m := runReplay(io.Discard, client, srv.URL, bills, 3, true)

	if m.TotalProcessed != 4 {
		t.Errorf("expected 4 processed, got %d", m.TotalProcessed)
	}
	if m.TotalErrors != 1 {
		t.Errorf("expected 1 error, got %d", m.TotalErrors)
	}
	if m.TruePositives != 1 || m.FalsePositives != 1 || m.TrueNegatives != 1 {
		t.Errorf("unexpected matrix: TP=%d FP=%d TN=%d", m.TruePositives, m.FalsePositives, m.TrueNegatives)
	}
	if c := m.Codes()["A3"]; c.TruePositives != 1 {
		t.Errorf("expected A3 TP 1, got %+v", c)
	}

	var sb strings.Builder
	printResults(&sb, m, 0)
	if !strings.Contains(sb.String(), "PER-CODE METRICS") {
		t.Error("expected per-code section in results")
	}
}
