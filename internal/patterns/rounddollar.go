package patterns

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DetectRoundDollar flags an entity whose share of round amounts exceeds
// the baseline ratio.
func (d *Detector) DetectRoundDollar(ctx context.Context, entityID string, start, end time.Time) ([]domain.RoundDollarDetection, error) {
	txs, err := d.load(ctx, "patterns.round_dollar", entityID, start, end)
	if err != nil {
		return nil, err
	}
	return d.roundDollar(entityID, start, end, txs), nil
}

func (d *Detector) roundDollar(entityID string, start, end time.Time, txs []*domain.Transaction) []domain.RoundDollarDetection {
	cfg := d.cfg
	out := []domain.RoundDollarDetection{}
	if len(txs) < cfg.RoundMinSample {
		return out
	}

	var ids []string
	for _, tx := range txs {
		if tx.AmountCents%cfg.RoundUnitCents == 0 {
			ids = append(ids, tx.ID)
		}
	}

	ratio := float64(len(ids)) / float64(len(txs))
	if ratio <= cfg.RoundBaselineRatio {
		return out
	}

	out = append(out, domain.RoundDollarDetection{
		EntityID:       entityID,
		WindowStart:    start,
		WindowEnd:      end,
		TransactionIDs: ids,
		Total:          len(txs),
		Ratio:          ratio,
		BaselineRatio:  cfg.RoundBaselineRatio,
		Explanation: fmt.Sprintf("%d of %d transactions are multiples of %s (%.0f%% vs baseline %.0f%%)",
			len(ids), len(txs), money(cfg.RoundUnitCents), ratio*100, cfg.RoundBaselineRatio*100),
	})
	return out
}
