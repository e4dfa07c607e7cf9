package patterns

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DetectStructuring finds clusters of just-below-threshold transactions
// whose combined amount reaches the reporting ceiling.
func (d *Detector) DetectStructuring(ctx context.Context, entityID string, start, end time.Time) ([]domain.StructuringDetection, error) {
	txs, err := d.load(ctx, "patterns.structuring", entityID, start, end)
	if err != nil {
		return nil, err
	}
	return d.structuring(entityID, txs), nil
}

// structuring expects txs sorted by time. Clusters do not overlap: once a
// cluster is reported, scanning resumes after its last transaction.
func (d *Detector) structuring(entityID string, txs []*domain.Transaction) []domain.StructuringDetection {
	cfg := d.cfg
	out := []domain.StructuringDetection{}

	var cand []*domain.Transaction
	for _, tx := range txs {
		if tx.AmountCents >= cfg.StructuringFloorCents && tx.AmountCents < cfg.StructuringCeilingCents {
			cand = append(cand, tx)
		}
	}

	for i := 0; i < len(cand); {
		limit := cand[i].Timestamp.Add(cfg.StructuringWindow)
		j := i
		var sum int64
		for j < len(cand) && cand[j].Timestamp.Before(limit) {
			sum += cand[j].AmountCents
			j++
		}

		count := j - i
		if count < cfg.StructuringMinCount || sum < cfg.StructuringCeilingCents {
			i++
			continue
		}

		ids := make([]string, 0, count)
		for _, tx := range cand[i:j] {
			ids = append(ids, tx.ID)
		}
		first, last := cand[i].Timestamp, cand[j-1].Timestamp
		out = append(out, domain.StructuringDetection{
			EntityID:       entityID,
			WindowStart:    first,
			WindowEnd:      last,
			TransactionIDs: ids,
			Count:          count,
			SumCents:       sum,
			CeilingCents:   cfg.StructuringCeilingCents,
			Explanation: fmt.Sprintf("%d transactions between %s and %s below %s totalling %s within %s",
				count, money(cfg.StructuringFloorCents), money(cfg.StructuringCeilingCents),
				money(cfg.StructuringCeilingCents), money(sum), last.Sub(first)),
		})
		i = j
	}
	return out
}
