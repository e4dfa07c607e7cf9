// Package worker provides async message processing: ingested transactions
// are decided off the request path and pattern scans run as background jobs.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Decider produces a decision for one transaction.
type Decider interface {
	Decide(ctx context.Context, tx *domain.Transaction, entity *domain.EntityContext) (*domain.Decision, error)
}

// PatternScanner runs the pattern detectors for one entity.
type PatternScanner interface {
	Scan(ctx context.Context, entityID string, start, end time.Time) ([]*domain.DetectionRecord, error)
}

// Store persists what the worker produces.
type Store interface {
	SaveTransaction(ctx context.Context, entityID string, tx *domain.Transaction) error
	SaveDecision(ctx context.Context, d *domain.Decision) error
}

// Worker processes bus messages asynchronously.
type Worker struct {
	bus     domain.EventBus
	store   Store
	decider Decider
	scanner PatternScanner
	logger  *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker. store and scanner may be nil; a nil
// scanner disables the pattern scan subscription.
func NewWorker(bus domain.EventBus, store Store, decider Decider, scanner PatternScanner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		store:   store,
		decider: decider,
		scanner: scanner,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetLogger replaces the worker's logger.
func (w *Worker) SetLogger(logger *slog.Logger) {
	if logger != nil {
		w.logger = logger
	}
}

// Start subscribes to the ingest topic and, with a scanner, the scan topic.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.processTransaction)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicTransactionIngested, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	if w.scanner != nil {
		sub, err := w.bus.Subscribe(w.ctx, domain.TopicPatternScan, w.processScan)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", domain.TopicPatternScan, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	w.logger.Info("worker started", "subscription_count", len(w.subscriptions))
	return nil
}

// processTransaction decides an ingested transaction, persists it and
// publishes the decision. REVIEW and BLOCK outcomes also go to the alert topic.
func (w *Worker) processTransaction(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var in domain.IngestedTransaction
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		w.logger.Error("failed to parse ingested transaction",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	d, err := w.decider.Decide(ctx, in.Transaction, in.Entity)
	if err != nil {
		w.logger.Error("decision failed",
			"message_id", msg.ID,
			"error_kind", domain.KindOf(err),
			"error", err,
		)
		return err
	}

	if w.store != nil {
		if err := w.store.SaveTransaction(ctx, in.Entity.ID, in.Transaction); err != nil {
			w.logger.Error("failed to save transaction", "tx_id", d.TxID, "error", err)
		}
		if err := w.store.SaveDecision(ctx, d); err != nil {
			w.logger.Error("failed to save decision", "tx_id", d.TxID, "error", err)
		}
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", d.ID, err)
	}
	if err := w.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		w.logger.Error("failed to publish decision", "tx_id", d.TxID, "error", err)
	}
	if d.IsAlert() {
		if err := w.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			w.logger.Error("failed to publish alert", "tx_id", d.TxID, "error", err)
		}
	}

	w.logger.Info("transaction processed",
		"tx_id", d.TxID,
		"entity_id", d.EntityID,
		"outcome", d.Outcome,
		"reason_count", len(d.Reasons),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// processScan runs a pattern scan job. The scanner publishes detections.
func (w *Worker) processScan(ctx context.Context, msg *domain.Message) error {
	var req domain.PatternScanRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.logger.Error("failed to parse scan request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	start, end := time.Unix(req.Start, 0).UTC(), time.Unix(req.End, 0).UTC()
	records, err := w.scanner.Scan(ctx, req.EntityID, start, end)
	if err != nil {
		w.logger.Error("pattern scan failed",
			"entity_id", req.EntityID,
			"error", err,
		)
		return err
	}

	w.logger.Info("pattern scan complete",
		"entity_id", req.EntityID,
		"detection_count", len(records),
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.logger.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
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
	}
}
