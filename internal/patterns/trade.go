package patterns

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DetectTradeBasedML splits [start, end) into consecutive trade windows and
// flags each one where many small transactions add up to a large total, the
// typical shape of split invoices.
func (d *Detector) DetectTradeBasedML(ctx context.Context, entityID string, start, end time.Time) ([]domain.TradeBasedMLDetection, error) {
	txs, err := d.load(ctx, "patterns.trade_based_ml", entityID, start, end)
	if err != nil {
		return nil, err
	}
	return d.tradeBasedML(entityID, start, end, txs), nil
}

// tradeBasedML expects txs sorted by time.
func (d *Detector) tradeBasedML(entityID string, start, end time.Time, txs []*domain.Transaction) []domain.TradeBasedMLDetection {
	cfg := d.cfg
	out := []domain.TradeBasedMLDetection{}

	i := 0
	for ws := start; ws.Before(end); {
		we := ws.Add(cfg.TradeWindow)
		if we.After(end) {
			we = end
		}

		for i < len(txs) && txs[i].Timestamp.Before(ws) {
			i++
		}
		var count int
		var total int64
		var small []string
		for ; i < len(txs) && txs[i].Timestamp.Before(we); i++ {
			count++
			total += txs[i].AmountCents
			if txs[i].AmountCents < cfg.TradeSmallCents {
				small = append(small, txs[i].ID)
			}
		}

		if count >= cfg.TradeMinTransactions && len(small) >= cfg.TradeMinTransactions && total > cfg.TradeMinTotalCents {
			out = append(out, domain.TradeBasedMLDetection{
				EntityID:    entityID,
				WindowStart: ws,
				WindowEnd:   we,
				Pattern:     domain.TradePatternSmallTransactions,
				Count:       count,
				SmallCount:  len(small),
				TotalCents:  total,
				SmallTxIDs:  small,
				Explanation: fmt.Sprintf("%d of %d transactions under %s totalling %s between %s and %s",
					len(small), count, money(cfg.TradeSmallCents), money(total),
					ws.Format(time.DateOnly), we.Format(time.DateOnly)),
			})
		}
		ws = we
	}
	return out
}
