package verdict

import (
	"context"
	"time"

	"github.com/opensource-finance/billwatch/internal/domain"
	"github.com/opensource-finance/billwatch/internal/rules"
)

// Analyzer runs the full pass for one bill: rules, then verdict.
type Analyzer struct {
	Engine    *rules.Engine
	Processor *Processor

	// ReferenceVersion is the fingerprint of the loaded MRP dataset.
	ReferenceVersion string
}

// NewAnalyzer wires an engine and processor.
func NewAnalyzer(engine *rules.Engine, processor *Processor, referenceVersion string) *Analyzer {
	if processor == nil {
		processor = NewProcessor()
	}
	return &Analyzer{
		Engine:           engine,
		Processor:        processor,
		ReferenceVersion: referenceVersion,
	}
}

// Analyze evaluates req and returns the analysis. It never fails: malformed
// items surface as anomalies instead of errors.
func (a *Analyzer) Analyze(ctx context.Context, req *domain.BillRequest, traceID string) *domain.Analysis {
	start := time.Now()
	result := a.Engine.Analyze(ctx, req.Items)

	return a.Processor.Process(ctx, &Input{
		BillID:           req.BillID,
		TraceID:          traceID,
		Result:           result,
		RulesEvaluated:   a.Engine.RulesCount(),
		ReferenceVersion: a.ReferenceVersion,
		StartTime:        start,
	})
}
