package patterns

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DetectRapidMovement finds funds that leave the entity shortly after they
// arrive. A transaction without a direction counts as inbound.
func (d *Detector) DetectRapidMovement(ctx context.Context, entityID string, start, end time.Time) ([]domain.RapidMovementDetection, error) {
	txs, err := d.load(ctx, "patterns.rapid_movement", entityID, start, end)
	if err != nil {
		return nil, err
	}
	return d.rapidMovement(entityID, start, end, txs), nil
}

func (d *Detector) rapidMovement(entityID string, start, end time.Time, txs []*domain.Transaction) []domain.RapidMovementDetection {
	cfg := d.cfg
	out := []domain.RapidMovementDetection{}
	passThrough := decimal.NewFromFloat(cfg.RapidMinPassThrough)

	var inbound, outbound []*domain.Transaction
	for _, tx := range txs {
		if tx.Direction == domain.DirectionOutbound {
			outbound = append(outbound, tx)
		} else {
			inbound = append(inbound, tx)
		}
	}

	used := make([]bool, len(outbound))
	var pairs []domain.TransferPair
	var inSum, outSum int64

	for _, in := range inbound {
		minOut := decimal.NewFromInt(in.AmountCents).Mul(passThrough)
		for k, o := range outbound {
			if used[k] || !o.Timestamp.After(in.Timestamp) {
				continue
			}
			delta := o.Timestamp.Sub(in.Timestamp)
			if delta > cfg.RapidMaxDelta {
				// Outbound list is time-ordered; later ones are further away.
				break
			}
			if decimal.NewFromInt(o.AmountCents).LessThan(minOut) {
				continue
			}
			used[k] = true
			pairs = append(pairs, domain.TransferPair{
				InboundTxID:  in.ID,
				OutboundTxID: o.ID,
				Delta:        delta,
			})
			inSum += in.AmountCents
			outSum += o.AmountCents
			break
		}
	}

	if len(pairs) < cfg.RapidMinPairs {
		return out
	}

	var ratio float64
	if inSum > 0 {
		ratio, _ = decimal.NewFromInt(outSum).Div(decimal.NewFromInt(inSum)).Round(4).Float64()
	}
	out = append(out, domain.RapidMovementDetection{
		EntityID:      entityID,
		WindowStart:   start,
		WindowEnd:     end,
		Pairs:         pairs,
		InboundCents:  inSum,
		OutboundCents: outSum,
		VelocityRatio: ratio,
		Explanation: fmt.Sprintf("%d receipts of %s moved on within %s as %s (ratio %.2f)",
			len(pairs), money(inSum), cfg.RapidMaxDelta, money(outSum), ratio),
	})
	return out
}
