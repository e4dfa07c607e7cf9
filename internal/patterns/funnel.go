package patterns

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DetectFunnelAccounts finds counterparty accounts that pushed many receipts
// through the entity in the trailing funnel window ending at end.
// Transactions without an AccountRef are ignored.
func (d *Detector) DetectFunnelAccounts(ctx context.Context, entityID string, start, end time.Time) ([]domain.FunnelAccountDetection, error) {
	txs, err := d.load(ctx, "patterns.funnel_account", entityID, start, end)
	if err != nil {
		return nil, err
	}
	return d.funnelAccounts(entityID, start, end, txs), nil
}

func (d *Detector) funnelAccounts(entityID string, start, end time.Time, txs []*domain.Transaction) []domain.FunnelAccountDetection {
	cfg := d.cfg
	out := []domain.FunnelAccountDetection{}

	from := end.Add(-cfg.FunnelWindow)
	if from.Before(start) {
		from = start
	}

	byAccount := make(map[string][]*domain.Transaction)
	for _, tx := range txs {
		if tx.AccountRef == "" || tx.Timestamp.Before(from) {
			continue
		}
		byAccount[tx.AccountRef] = append(byAccount[tx.AccountRef], tx)
	}

	accounts := make([]string, 0, len(byAccount))
	for acct := range byAccount {
		accounts = append(accounts, acct)
	}
	sort.Strings(accounts)

	for _, acct := range accounts {
		var ids []string
		var received, transferred int64
		for _, tx := range byAccount[acct] {
			if tx.Direction == domain.DirectionOutbound {
				transferred += tx.AmountCents
				continue
			}
			ids = append(ids, tx.ID)
			received += tx.AmountCents
		}
		if len(ids) < cfg.FunnelMinTransactions || received <= cfg.FunnelMinTotalCents {
			continue
		}
		out = append(out, domain.FunnelAccountDetection{
			EntityID:         entityID,
			AccountRef:       acct,
			WindowStart:      from,
			WindowEnd:        end,
			TransactionIDs:   ids,
			Count:            len(ids),
			ReceivedCents:    received,
			TransferredCents: transferred,
			Explanation: fmt.Sprintf("account %s sent %d payments totalling %s within %s",
				acct, len(ids), money(received), cfg.FunnelWindow),
		})
	}
	return out
}
