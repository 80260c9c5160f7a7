package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/billwatch/internal/bus"
	"github.com/opensource-finance/billwatch/internal/cache"
	"github.com/opensource-finance/billwatch/internal/domain"
	"github.com/opensource-finance/billwatch/internal/mrp"
	"github.com/opensource-finance/billwatch/internal/repository"
	"github.com/opensource-finance/billwatch/internal/rules"
	"github.com/opensource-finance/billwatch/internal/verdict"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	idx, err := mrp.Build([]mrp.Record{
		{Key: "1", Name: "Paracetamol 500mg", Price: 3},
		{Key: "2", Name: "Amoxicillin 250mg Capsule", Price: 8},
	})
	if err != nil {
		t.Fatalf("failed to build index: %v", err)
	}

	lru := cache.NewLRUCache(100, time.Minute)
	matcher := mrp.NewCachedMatcher(mrp.NewMatcher(idx, 0), lru, time.Minute)

	engine, err := rules.NewEngine(matcher, domain.DefaultMRPTolerance)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	return Deps{
		Cache:     lru,
		Analyzer:  verdict.NewAnalyzer(engine, verdict.NewProcessor(), idx.Version()),
		Reference: matcher,
		Version:   "test-v1",
	}
}

func createTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
		MaxItems:     3,
	}
	return NewServer(cfg, deps)
}

func do(server *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestAnalyzeEndpoint(t *testing.T) {
	server := createTestServer(t, testDeps(t))

	t.Run("BareArray", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/analyze",
			`[{"item_name":"Paracetamol 500mg","quantity":10,"unit_price":5,"total_price":50}]`)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.Analysis
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.ID == "" {
			t.Error("expected analysis_id in response")
		}
		if len(resp.Anomalies) != 1 || resp.Anomalies[0].Type != domain.CodePriceAboveMRP {
			t.Fatalf("expected one A3 anomaly, got %+v", resp.Anomalies)
		}
		if resp.Anomalies[0].Severity != domain.SeverityHigh {
			t.Errorf("expected high severity, got %s", resp.Anomalies[0].Severity)
		}
		if resp.ClassifiedItems[0].Category != domain.CategoryMedicine {
			t.Errorf("expected medicine category, got %s", resp.ClassifiedItems[0].Category)
		}
		if resp.Summary.Status != domain.StatusReview {
			t.Errorf("expected REVIEW, got %s", resp.Summary.Status)
		}
		if resp.Metadata.TraceID == "" || resp.Metadata.TraceID != rr.Header().Get(TraceIDHeader) {
			t.Errorf("expected trace id %q in metadata, got %q", rr.Header().Get(TraceIDHeader), resp.Metadata.TraceID)
		}
	})

	t.Run("ItemsObject", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/analyze",
			`{"bill_id":"bill-7","items":[{"item_name":"Room Rent","quantity":45,"unit_price":null,"total_price":4500}]}`)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.Analysis
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp.BillID != "bill-7" {
			t.Errorf("expected bill_id bill-7, got %q", resp.BillID)
		}
		var codes []string
		for _, a := range resp.Anomalies {
			codes = append(codes, a.Type)
		}
		if strings.Join(codes, ",") != "S1,T1" {
			t.Errorf("expected [S1 T1], got %v", codes)
		}
	})

	t.Run("NumericStrings", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/analyze",
			`[{"item_name":"Gauze","quantity":"2","unit_price":"10.5","total_price":"21"}]`)

		var resp domain.Analysis
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if len(resp.Anomalies) != 0 {
			t.Errorf("expected no anomalies, got %+v", resp.Anomalies)
		}
		if resp.Summary.TotalBilled != 21 {
			t.Errorf("expected total 21, got %v", resp.Summary.TotalBilled)
		}
	})

	t.Run("MalformedItemDegrades", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/analyze", `[42, {"item_name":"Gauze","quantity":[1]}]`)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp domain.Analysis
		json.Unmarshal(rr.Body.Bytes(), &resp)
		for _, a := range resp.Anomalies {
			if a.Type != domain.CodeMissingField {
				t.Errorf("expected only S1, got %s", a.Type)
			}
		}
	})

	tests := []struct {
		name string
		body string
	}{
		{"InvalidJSON", `{not json`},
		{"EmptyArray", `[]`},
		{"EmptyItems", `{"items":[]}`},
		{"Scalar", `42`},
		{"EmptyBody", ``},
		{"TooManyItems", `[{"item_name":"a"},{"item_name":"b"},{"item_name":"c"},{"item_name":"d"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			server.Router().ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestReferenceEndpoints(t *testing.T) {
	server := createTestServer(t, testDeps(t))

	t.Run("Match", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/reference/match?name=PARACETAMOL+500+MG", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Found bool              `json:"found"`
			Match domain.PriceMatch `json:"match"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if !resp.Found || resp.Match.Price != 3 {
			t.Errorf("expected price 3, got %+v", resp)
		}
	})

	t.Run("CrossDosageNoMatch", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/reference/match?name=Paracetamol+650mg", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("MissingName", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/reference/match", "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/reference/stats", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Index     mrp.Stats   `json:"index"`
			Tolerance float64     `json:"tolerance"`
			Cache     cache.Stats `json:"cache"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Index.Entries != 2 || resp.Index.Version == "" {
			t.Errorf("unexpected index stats: %+v", resp.Index)
		}
		if resp.Tolerance != domain.DefaultMRPTolerance {
			t.Errorf("expected tolerance %v, got %v", domain.DefaultMRPTolerance, resp.Tolerance)
		}
		if resp.Cache.Capacity != 100 {
			t.Errorf("expected cache capacity 100, got %d", resp.Cache.Capacity)
		}
	})
}

func TestSubmitBill(t *testing.T) {
	t.Run("NoBus", func(t *testing.T) {
		server := createTestServer(t, testDeps(t))
		rr := do(server, http.MethodPost, "/bills", `[{"item_name":"Gauze","quantity":1,"total_price":10}]`)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("Queued", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		received := make(chan domain.BillSubmission, 1)
		eventBus.Subscribe(context.Background(), domain.TopicBillSubmitted, func(ctx context.Context, msg *domain.Message) error {
			var sub domain.BillSubmission
			if err := json.Unmarshal(msg.Payload, &sub); err != nil {
				return err
			}
			received <- sub
			return nil
		})

		deps := testDeps(t)
		deps.Bus = eventBus
		deps.Async = true
		server := createTestServer(t, deps)

		rr := do(server, http.MethodPost, "/bills", `[{"item_name":"Gauze","quantity":1,"total_price":10}]`)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp SubmitBillResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.BillID == "" {
			t.Error("expected generated bill_id")
		}

		select {
		case sub := <-received:
			if sub.BillID != resp.BillID || len(sub.Items) != 1 {
				t.Errorf("unexpected submission: %+v", sub)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for submission")
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	deps := testDeps(t)
	deps.Repo = repo
	server := createTestServer(t, deps)

	t.Run("Create", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/rules", `{
			"id": "implant-cap",
			"name": "Implant over limit",
			"expression": "name.contains(\"implant\") && unit_price > 50000.0",
			"code": "P1",
			"severity": "medium",
			"enabled": true
		}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("AppliedToAnalysis", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/analyze",
			`[{"item_name":"Knee Implant","quantity":1,"unit_price":80000,"total_price":80000}]`)

		var resp domain.Analysis
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if len(resp.Anomalies) != 1 || resp.Anomalies[0].Type != "P1" {
			t.Errorf("expected custom P1 anomaly, got %+v", resp.Anomalies)
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/rules", `{"id":"bad","name":"Bad","expression":"quantity *","enabled":true}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/rules", `{"id":"x"}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListAndGet", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/rules", "")
		var resp struct {
			Builtin []string `json:"builtin"`
			Count   int      `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 || len(resp.Builtin) != 8 {
			t.Errorf("expected 1 custom and 8 builtin rules, got %+v", resp)
		}

		if rr := do(server, http.MethodGet, "/rules/implant-cap", ""); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if rr := do(server, http.MethodGet, "/rules/unknown", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/rules/reload", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if len(deps.Analyzer.Engine.GetLoadedRules()) != 1 {
			t.Error("expected stored rule to be reloaded")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if rr := do(server, http.MethodDelete, "/rules/implant-cap", ""); rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr := do(server, http.MethodDelete, "/rules/implant-cap", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
		if len(deps.Analyzer.Engine.GetLoadedRules()) != 0 {
			t.Error("expected rule to be unloaded")
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t, testDeps(t))

	rr := do(server, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var health map[string]any
	json.Unmarshal(rr.Body.Bytes(), &health)
	if health["status"] != "healthy" || health["version"] != "test-v1" {
		t.Errorf("unexpected health response: %v", health)
	}

	rr = do(server, http.MethodGet, "/ready", "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestMiddleware(t *testing.T) {
	server := createTestServer(t, testDeps(t))

	t.Run("RequestIDPropagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Header().Get(RequestIDHeader) != "req-123" {
			t.Errorf("expected request id req-123, got %q", rr.Header().Get(RequestIDHeader))
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected trace id header")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/analyze", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Header().Get("Access-Control-Allow-Origin") == "" {
			t.Error("expected CORS allow-origin header")
		}
	})

	t.Run("RecoverFromPanic", func(t *testing.T) {
		h := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
