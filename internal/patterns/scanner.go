package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DetectionRecorder observes detections for metrics.
type DetectionRecorder interface {
	PatternDetected(kind domain.DetectionKind)
}

// Scanner runs every detector over one entity's history, stores the
// detections and publishes them for case creation.
type Scanner struct {
	detector *Detector
	sink     domain.DetectionSink
	bus      domain.EventBus
	recorder DetectionRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewScanner creates a scanner. sink and bus may be nil.
func NewScanner(detector *Detector, sink domain.DetectionSink, bus domain.EventBus, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		detector: detector,
		sink:     sink,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// SetRecorder registers a detection observer.
func (s *Scanner) SetRecorder(r DetectionRecorder) {
	s.recorder = r
}

// Scan reads history once and runs every detector over it.
func (s *Scanner) Scan(ctx context.Context, entityID string, start, end time.Time) ([]*domain.DetectionRecord, error) {
	txs, err := s.detector.load(ctx, "patterns.scan", entityID, start, end)
	if err != nil {
		return nil, err
	}

	detectedAt := s.now().UTC()
	records := []*domain.DetectionRecord{}

	for _, det := range s.detector.structuring(entityID, txs) {
		rec, err := newRecord(domain.DetectionStructuring, entityID, det.WindowStart, det.WindowEnd, det.Explanation, detectedAt, det)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	for _, det := range s.detector.rapidMovement(entityID, start, end, txs) {
		rec, err := newRecord(domain.DetectionRapidMovement, entityID, det.WindowStart, det.WindowEnd, det.Explanation, detectedAt, det)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	for _, det := range s.detector.roundDollar(entityID, start, end, txs) {
		rec, err := newRecord(domain.DetectionRoundDollar, entityID, det.WindowStart, det.WindowEnd, det.Explanation, detectedAt, det)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	for _, det := range s.detector.funnelAccounts(entityID, start, end, txs) {
		rec, err := newRecord(domain.DetectionFunnelAccount, entityID, det.WindowStart, det.WindowEnd, det.Explanation, detectedAt, det)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	for _, det := range s.detector.tradeBasedML(entityID, start, end, txs) {
		rec, err := newRecord(domain.DetectionTradeBasedML, entityID, det.WindowStart, det.WindowEnd, det.Explanation, detectedAt, det)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	for _, rec := range records {
		if s.sink != nil {
			if err := s.sink.SaveDetection(ctx, rec); err != nil {
				return nil, domain.DependencyUnavailable("patterns.save", err, "detection_id", rec.ID)
			}
		}
		if s.recorder != nil {
			s.recorder.PatternDetected(rec.Kind)
		}
		if s.bus != nil {
			payload, _ := json.Marshal(rec)
			if err := s.bus.Publish(ctx, domain.TopicPatternDetection, payload); err != nil {
				s.logger.Error("failed to publish detection", "detection_id", rec.ID, "error", err)
			}
		}
		s.logger.Info("pattern detected",
			"kind", rec.Kind,
			"entity_id", rec.EntityID,
			"detection_id", rec.ID,
		)
	}

	s.logger.Debug("pattern scan complete",
		"entity_id", entityID,
		"transactions", len(txs),
		"detections", len(records),
	)
	return records, nil
}

func newRecord(kind domain.DetectionKind, entityID string, start, end time.Time, explanation string, at time.Time, detail any) (*domain.DetectionRecord, error) {
	payload, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s detection: %w", kind, err)
	}
	return &domain.DetectionRecord{
		ID:          uuid.New().String(),
		Kind:        kind,
		EntityID:    entityID,
		WindowStart: start,
		WindowEnd:   end,
		DetectedAt:  at,
		Explanation: explanation,
		Payload:     payload,
	}, nil
}
