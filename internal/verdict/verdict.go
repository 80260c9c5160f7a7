// Package verdict aggregates one analysis pass into a bill-level decision.
package verdict

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/billwatch/internal/domain"
	"github.com/opensource-finance/billwatch/internal/rules"
)

// EngineVersion identifies the rule set in analysis metadata.
const EngineVersion = "billwatch-1.0"

// DefaultWeights maps severity to the probability-like weight used in scoring.
var DefaultWeights = map[domain.Severity]float64{
	domain.SeverityInfo:   0.05,
	domain.SeverityLow:    0.2,
	domain.SeverityMedium: 0.5,
	domain.SeverityHigh:   0.8,
}

// Processor turns rule output into an Analysis with summary and status.
type Processor struct {
	// Score at or above which a bill needs review
	AlertThreshold float64

	// Severity weights for scoring
	Weights map[domain.Severity]float64
}

// NewProcessor creates a processor with default settings.
func NewProcessor() *Processor {
	return &Processor{
		AlertThreshold: 0.7,
		Weights:        DefaultWeights,
	}
}

// Input contains everything needed for a verdict.
type Input struct {
	BillID           string
	TraceID          string
	Result           *rules.Result
	RulesEvaluated   int
	ReferenceVersion string
	StartTime        time.Time
}

// Process builds the Analysis for one pass.
func (p *Processor) Process(ctx context.Context, input *Input) *domain.Analysis {
	res := input.Result

	summary := p.summarize(res.Items, res.Anomalies)

	return &domain.Analysis{
		ID:              uuid.New().String(),
		BillID:          input.BillID,
		ClassifiedItems: res.Items,
		Anomalies:       res.Anomalies,
		Summary:         summary,
		Metadata: domain.AnalysisMetadata{
			TraceID:          input.TraceID,
			RulesMs:          res.RulesMs,
			TotalMs:          time.Since(input.StartTime).Milliseconds(),
			RulesEvaluated:   input.RulesEvaluated,
			EngineVersion:    EngineVersion,
			ReferenceVersion: input.ReferenceVersion,
		},
	}
}

func (p *Processor) summarize(items []domain.BillItem, anomalies []domain.Anomaly) domain.AnalysisSummary {
	s := domain.AnalysisSummary{
		ItemCount:      len(items),
		CategoryTotals: make(map[domain.Category]float64),
		AnomalyCount:   len(anomalies),
		BySeverity:     make(map[domain.Severity]int),
		ByType:         make(map[string]int),
	}

	for _, item := range items {
		if !item.TotalPrice.Set {
			continue
		}
		s.TotalBilled += item.TotalPrice.Value
		s.CategoryTotals[item.Category] += item.TotalPrice.Value
	}

	hasHigh := false
	for _, a := range anomalies {
		s.BySeverity[a.Severity]++
		s.ByType[a.Type]++
		s.PotentialOvercharge += a.Excess
		if a.Severity != domain.SeverityInfo {
			s.NeedsReview++
		}
		if a.Severity == domain.SeverityHigh {
			hasHigh = true
		}
	}

	s.Score = p.score(anomalies)
	if hasHigh || s.Score >= p.AlertThreshold {
		s.Status = domain.StatusReview
	} else {
		s.Status = domain.StatusClean
	}

	s.TotalBilled = round2(s.TotalBilled)
	s.PotentialOvercharge = round2(s.PotentialOvercharge)
	for c, v := range s.CategoryTotals {
		s.CategoryTotals[c] = round2(v)
	}
	return s
}

// score combines anomaly weights as independent evidence:
// 1 - Π(1 - w). Zero anomalies score 0; the result never exceeds 1.
func (p *Processor) score(anomalies []domain.Anomaly) float64 {
	clean := 1.0
	for _, a := range anomalies {
		w, ok := p.Weights[a.Severity]
		if !ok {
			w = p.Weights[domain.SeverityLow]
		}
		clean *= 1 - w
	}
	return round4(1 - clean)
}

// NeedsReview returns true if the analysis should be routed to a reviewer.
func NeedsReview(a *domain.Analysis) bool {
	return a.Summary.Status == domain.StatusReview
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
