// Package patterns implements statistical AML pattern detectors over an
// entity's transaction history: structuring, rapid fund movement,
// round-dollar clustering, funnel accounts and trade-based laundering.
// Detectors are stateless per call and only read
// history; they share no state with live decisioning.
package patterns

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detector runs the pattern detectors against a transaction history.
type Detector struct {
	history domain.TransactionHistory
	cfg     domain.PatternsConfig
}

// NewDetector creates a detector. Zero-valued thresholds fall back to the
// defaults of domain.DefaultConfig.
func NewDetector(history domain.TransactionHistory, cfg domain.PatternsConfig) *Detector {
	return &Detector{history: history, cfg: withDefaults(cfg)}
}

// Config returns the effective thresholds.
func (d *Detector) Config() domain.PatternsConfig {
	return d.cfg
}

func withDefaults(cfg domain.PatternsConfig) domain.PatternsConfig {
	def := domain.DefaultConfig().Patterns
	if cfg.StructuringFloorCents <= 0 {
		cfg.StructuringFloorCents = def.StructuringFloorCents
	}
	if cfg.StructuringCeilingCents <= 0 {
		cfg.StructuringCeilingCents = def.StructuringCeilingCents
	}
	if cfg.StructuringWindow <= 0 {
		cfg.StructuringWindow = def.StructuringWindow
	}
	if cfg.StructuringMinCount <= 0 {
		cfg.StructuringMinCount = def.StructuringMinCount
	}
	if cfg.RapidMaxDelta <= 0 {
		cfg.RapidMaxDelta = def.RapidMaxDelta
	}
	if cfg.RapidMinPassThrough <= 0 {
		cfg.RapidMinPassThrough = def.RapidMinPassThrough
	}
	if cfg.RapidMinPairs <= 0 {
		cfg.RapidMinPairs = def.RapidMinPairs
	}
	if cfg.RoundUnitCents <= 0 {
		cfg.RoundUnitCents = def.RoundUnitCents
	}
	if cfg.RoundMinSample <= 0 {
		cfg.RoundMinSample = def.RoundMinSample
	}
	if cfg.RoundBaselineRatio <= 0 {
		cfg.RoundBaselineRatio = def.RoundBaselineRatio
	}
	if cfg.FunnelWindow <= 0 {
		cfg.FunnelWindow = def.FunnelWindow
	}
	if cfg.FunnelMinTransactions <= 0 {
		cfg.FunnelMinTransactions = def.FunnelMinTransactions
	}
	if cfg.FunnelMinTotalCents <= 0 {
		cfg.FunnelMinTotalCents = def.FunnelMinTotalCents
	}
	if cfg.TradeWindow <= 0 {
		cfg.TradeWindow = def.TradeWindow
	}
	if cfg.TradeMinTransactions <= 0 {
		cfg.TradeMinTransactions = def.TradeMinTransactions
	}
	if cfg.TradeSmallCents <= 0 {
		cfg.TradeSmallCents = def.TradeSmallCents
	}
	if cfg.TradeMinTotalCents <= 0 {
		cfg.TradeMinTotalCents = def.TradeMinTotalCents
	}
	return cfg
}

// load reads [start, end) for the entity, sorted by timestamp then id.
// Transactions without a positive amount moved no value and are skipped.
func (d *Detector) load(ctx context.Context, op, entityID string, start, end time.Time) ([]*domain.Transaction, error) {
	if entityID == "" {
		return nil, domain.InvalidInput(op, "entity id is required")
	}
	if !end.After(start) {
		return nil, domain.InvalidInput(op, "end must be after start",
			"start", start.Format(time.RFC3339), "end", end.Format(time.RFC3339))
	}
	txs, err := d.history.TransactionsBetween(ctx, entityID, start, end)
	if err != nil {
		return nil, domain.DependencyUnavailable(op, err, "entity_id", entityID)
	}

	out := make([]*domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx != nil && tx.AmountCents > 0 {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// money formats cents as a major-unit amount.
func money(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
