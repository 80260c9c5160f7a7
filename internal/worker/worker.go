// Package worker provides async bill analysis for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/billwatch/internal/domain"
	"github.com/opensource-finance/billwatch/internal/verdict"
)

// Worker consumes submitted bills from the EventBus, analyzes them and
// publishes the outcome.
type Worker struct {
	bus      domain.EventBus
	analyzer *verdict.Analyzer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	flagged   atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Topics to consume; defaults to TopicBillSubmitted.
	Topics []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, analyzer *verdict.Analyzer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		analyzer: analyzer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the configured topics.
func (w *Worker) Start(cfg Config) error {
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = []string{domain.TopicBillSubmitted}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, topic := range topics {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
		slog.Info("worker subscribed", "topic", topic)
	}
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	if err := w.processBill(ctx, msg); err != nil {
		w.failed.Add(1)
		return err
	}
	return nil
}

// processBill analyzes one submission and publishes the result.
func (w *Worker) processBill(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var sub domain.BillSubmission
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		slog.Error("failed to parse bill submission",
			"message_id", msg.ID,
			"error", err,
		)
		return fmt.Errorf("failed to parse bill submission: %w", err)
	}

	traceID := sub.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing bill",
		"bill_id", sub.BillID,
		"items", len(sub.Items),
		"trace_id", traceID,
	)

	analysis := w.analyzer.Analyze(ctx, &sub.BillRequest, traceID)
	w.processed.Add(1)

	payload, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}

	if msg.ReplyTo != "" {
		if err := w.bus.Reply(ctx, msg, payload); err != nil {
			slog.Error("failed to reply",
				"bill_id", sub.BillID,
				"error", err,
			)
		}
	}

	if err := w.bus.Publish(ctx, domain.TopicBillAnalyzed, payload); err != nil {
		slog.Error("failed to publish analysis",
			"bill_id", sub.BillID,
			"error", err,
		)
	}

	if verdict.NeedsReview(analysis) {
		w.flagged.Add(1)
		if err := w.bus.Publish(ctx, domain.TopicBillFlagged, payload); err != nil {
			slog.Error("failed to publish flag",
				"bill_id", sub.BillID,
				"error", err,
			)
		}
	}

	slog.Info("bill processed",
		"bill_id", sub.BillID,
		"analysis_id", analysis.ID,
		"status", analysis.Summary.Status,
		"anomalies", analysis.Summary.AnomalyCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop cancels in-flight handlers and unsubscribes.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped",
		"processed", w.processed.Load(),
		"flagged", w.flagged.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Flagged           int64    `json:"flagged"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Flagged:           w.flagged.Load(),
		Failed:            w.failed.Load(),
	}
}
