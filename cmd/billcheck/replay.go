package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/billwatch/internal/domain"
)

// LabeledBill is one replay record. Expected lists the anomaly codes a
// reviewer confirmed; when absent only the bill-level verdict is scored.
type LabeledBill struct {
	BillID       string            `json:"bill_id"`
	Items        []domain.BillItem `json:"items"`
	ExpectReview bool              `json:"expect_review"`
	Expected     []string          `json:"expected,omitempty"`
}

// CodeCounts tracks per-code agreement with the labels.
type CodeCounts struct {
	TruePositives  int64
	FalsePositives int64
	FalseNegatives int64
}

// Metrics tracks replay results
type Metrics struct {
	TruePositives  int64 // Expected review, got REVIEW
	FalsePositives int64 // Expected clean, got REVIEW
	TrueNegatives  int64 // Expected clean, got CLEAN
	FalseNegatives int64 // Expected review, got CLEAN

	TotalProcessed int64
	TotalReview    int64
	TotalClean     int64
	TotalErrors    int64

	ProcessingTimeMs int64

	mu    sync.Mutex
	codes map[string]*CodeCounts
}

func newMetrics() *Metrics {
	return &Metrics{codes: make(map[string]*CodeCounts)}
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	var (
		baseURL string
		workers int
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "replay <labeled.jsonl>",
		Short: "Replay labeled bills against a billwatch server and score the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════════╗")
			fmt.Fprintln(out, "║          BILLWATCH REPLAY - Labeled Bill Evaluation           ║")
			fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════════╝")
			fmt.Fprintf(out, "\nBills File:  %s\n", args[0])
			fmt.Fprintf(out, "Server URL:  %s\n", baseURL)
			fmt.Fprintf(out, "Workers:     %d\n", workers)
			fmt.Fprintf(out, "Limit:       %d\n\n", limit)

			client := &http.Client{Timeout: 10 * time.Second}
			if err := checkHealth(client, baseURL); err != nil {
				return fmt.Errorf("billwatch not reachable at %s: %w", baseURL, err)
			}
			fmt.Fprintln(out, "✓ Billwatch is healthy")

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			bills, err := decodeLabeledBills(f, limit)
			if err != nil {
				return fmt.Errorf("reading labeled bills: %w", err)
			}
			if len(bills) == 0 {
				return fmt.Errorf("no bills found in %s", args[0])
			}
			fmt.Fprintf(out, "✓ Loaded %d bills\n", len(bills))

			fmt.Fprintf(out, "\nReplaying with %d workers...\n", workers)
			start := time.Now()
			metrics := runReplay(out, client, baseURL, bills, workers, opts.verbose)
			printResults(out, metrics, time.Since(start))
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "billwatch base URL")
	cmd.Flags().IntVar(&workers, "workers", 10, "number of concurrent workers")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum bills to replay (0 = all)")
	return cmd
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// decodeLabeledBills reads a JSON array or a stream of JSON objects (JSONL).
func decodeLabeledBills(r io.Reader, limit int) ([]LabeledBill, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(br)
	var bills []LabeledBill

	if first == '[' {
		if err := dec.Decode(&bills); err != nil {
			return nil, err
		}
		if limit > 0 && len(bills) > limit {
			bills = bills[:limit]
		}
		return bills, nil
	}

	for {
		var b LabeledBill
		err := dec.Decode(&b)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(bills)+1, err)
		}
		bills = append(bills, b)
		if limit > 0 && len(bills) >= limit {
			break
		}
	}
	return bills, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

func runReplay(out io.Writer, client *http.Client, baseURL string, bills []LabeledBill, numWorkers int, verbose bool) *Metrics {
	if numWorkers < 1 {
		numWorkers = 1
	}
	metrics := newMetrics()

	work := make(chan LabeledBill, 100)
	var wg sync.WaitGroup
	var printMu sync.Mutex

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for bill := range work {
				start := time.Now()
				analysis, err := analyzeBill(client, baseURL, bill)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						printMu.Lock()
						fmt.Fprintf(out, "ERROR: %s -> %v\n", bill.BillID, err)
						printMu.Unlock()
					}
					continue
				}

				correct := metrics.record(bill, analysis)

				if verbose {
					status := "✓"
					if !correct {
						status = "✗"
					}
					printMu.Lock()
					fmt.Fprintf(out, "%s %-12s | Items: %4d | Expected: %-6s | Billwatch: %-6s (%.2f) | Codes: %v\n",
						status,
						truncate(bill.BillID, 12),
						len(bill.Items),
						expectedStatus(bill),
						analysis.Summary.Status,
						analysis.Summary.Score,
						anomalyCodes(analysis),
					)
					printMu.Unlock()
				}
			}
		}()
	}

	for _, bill := range bills {
		work <- bill
	}
	close(work)

	wg.Wait()
	return metrics
}

func analyzeBill(client *http.Client, baseURL string, bill LabeledBill) (*domain.Analysis, error) {
	body, err := json.Marshal(domain.BillRequest{BillID: bill.BillID, Items: bill.Items})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var analysis domain.Analysis
	if err := json.NewDecoder(resp.Body).Decode(&analysis); err != nil {
		return nil, err
	}
	return &analysis, nil
}

// record scores one analysis and reports whether the verdict matched.
func (m *Metrics) record(bill LabeledBill, a *domain.Analysis) bool {
	predicted := a.Summary.Status == domain.StatusReview
	actual := bill.ExpectReview

	if actual {
		atomic.AddInt64(&m.TotalReview, 1)
	} else {
		atomic.AddInt64(&m.TotalClean, 1)
	}

	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}

	if bill.Expected != nil {
		m.recordCodes(bill.Expected, anomalyCodes(a))
	}
	return predicted == actual
}

func (m *Metrics) recordCodes(expected, got []string) {
	want := make(map[string]bool, len(expected))
	for _, c := range expected {
		want[c] = true
	}
	have := make(map[string]bool, len(got))
	for _, c := range got {
		have[c] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range have {
		if want[c] {
			m.counts(c).TruePositives++
		} else {
			m.counts(c).FalsePositives++
		}
	}
	for c := range want {
		if !have[c] {
			m.counts(c).FalseNegatives++
		}
	}
}

func (m *Metrics) counts(code string) *CodeCounts {
	c, ok := m.codes[code]
	if !ok {
		c = &CodeCounts{}
		m.codes[code] = c
	}
	return c
}

// Codes returns a snapshot of per-code counts keyed by anomaly code.
func (m *Metrics) Codes() map[string]CodeCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]CodeCounts, len(m.codes))
	for k, v := range m.codes {
		out[k] = *v
	}
	return out
}

func printResults(out io.Writer, m *Metrics, duration time.Duration) {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║                        REPLAY RESULTS                         ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════════╝")

	fmt.Fprintf(out, "\n📊 DATASET STATISTICS\n")
	fmt.Fprintf(out, "   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Fprintf(out, "   Expected Review:  %d\n", m.TotalReview)
	fmt.Fprintf(out, "   Expected Clean:   %d\n", m.TotalClean)
	fmt.Fprintf(out, "   Errors:           %d\n", m.TotalErrors)

	fmt.Fprintf(out, "\n📈 CONFUSION MATRIX\n")
	fmt.Fprintln(out, "                        Predicted")
	fmt.Fprintln(out, "                   REVIEW       CLEAN")
	fmt.Fprintln(out, "              ┌──────────┬──────────┐")
	fmt.Fprintf(out, "   Actual  R  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintln(out, "              ├──────────┼──────────┤")
	fmt.Fprintf(out, "           C  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Fprintln(out, "              └──────────┴──────────┘")

	p := precision(m.TruePositives, m.FalsePositives)
	r := recall(m.TruePositives, m.FalseNegatives)

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Fprintf(out, "\n🎯 VERDICT METRICS\n")
	fmt.Fprintf(out, "   Precision:  %.4f  (of reviews, how many were expected)\n", p)
	fmt.Fprintf(out, "   Recall:     %.4f  (of expected reviews, how many were raised)\n", r)
	fmt.Fprintf(out, "   F1-Score:   %.4f\n", f1(p, r))
	fmt.Fprintf(out, "   Accuracy:   %.4f\n", accuracy)

	codes := m.Codes()
	if len(codes) > 0 {
		keys := make([]string, 0, len(codes))
		for k := range codes {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(out, "\n🔍 PER-CODE METRICS\n")
		fmt.Fprintln(out, "   Code      TP     FP     FN   Precision   Recall")
		for _, k := range keys {
			c := codes[k]
			fmt.Fprintf(out, "   %-6s %5d  %5d  %5d   %9.4f   %6.4f\n",
				k, c.TruePositives, c.FalsePositives, c.FalseNegatives,
				precision(c.TruePositives, c.FalsePositives),
				recall(c.TruePositives, c.FalseNegatives),
			)
		}
	}

	fmt.Fprintf(out, "\n⏱️  PERFORMANCE\n")
	fmt.Fprintf(out, "   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		fmt.Fprintf(out, "   Avg Latency:      %.2f ms\n", avgMs)
		if duration > 0 {
			fmt.Fprintf(out, "   Throughput:       %.2f bills/sec\n", float64(m.TotalProcessed)/duration.Seconds())
		}
	}
	fmt.Fprintln(out)
}

func precision(tp, fp int64) float64 {
	if tp+fp == 0 {
		return 0
	}
	return float64(tp) / float64(tp+fp)
}

func recall(tp, fn int64) float64 {
	if tp+fn == 0 {
		return 0
	}
	return float64(tp) / float64(tp+fn)
}

func f1(p, r float64) float64 {
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// anomalyCodes returns the distinct anomaly codes in order of appearance.
func anomalyCodes(a *domain.Analysis) []string {
	seen := make(map[string]bool)
	var codes []string
	for _, an := range a.Anomalies {
		if !seen[an.Type] {
			seen[an.Type] = true
			codes = append(codes, an.Type)
		}
	}
	return codes
}

func expectedStatus(b LabeledBill) string {
	if b.ExpectReview {
		return domain.StatusReview
	}
	return domain.StatusClean
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
