// Package linkanalysis finds blocked or terminated entities that share a
// device fingerprint or IP address with the entity behind a transaction.
package linkanalysis

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Analyzer performs one-hop link analysis.
type Analyzer struct {
	index  domain.AttributeIndex
	status domain.EntityStatusLookup
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer over an attribute index and status lookup.
func NewAnalyzer(index domain.AttributeIndex, status domain.EntityStatusLookup, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{index: index, status: status, logger: logger}
}

// FindLinkedBlockedEntities returns the ids of blocking entities linked to
// the transaction, device matches before IP matches, each id once.
func (a *Analyzer) FindLinkedBlockedEntities(ctx context.Context, tx *domain.Transaction, entity *domain.EntityContext) ([]string, error) {
	links, err := a.Analyze(ctx, tx, entity)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.MatchedEntity)
	}
	return ids, nil
}

// Analyze returns every link to a BLOCKED or TERMINATED entity.
func (a *Analyzer) Analyze(ctx context.Context, tx *domain.Transaction, entity *domain.EntityContext) ([]domain.LinkResult, error) {
	if tx == nil || entity == nil {
		return nil, domain.InvalidInput("linkanalysis.analyze", "transaction and entity are required")
	}

	self, _ := canonicalID(entity.ID)
	if self == "" {
		self = entity.ID
	}

	results := []domain.LinkResult{}
	// resolved holds every candidate already looked up, blocking or not,
	// keyed by numeric identity so "007" and "7" resolve once.
	resolved := make(map[string]bool)

	type attrQuery struct {
		attr  domain.LinkAttribute
		value string
		find  func(context.Context, string) ([]string, error)
	}
	queries := []attrQuery{
		{domain.LinkDevice, strings.TrimSpace(tx.DeviceFingerprint), a.index.EntitiesByDevice},
		{domain.LinkIP, strings.TrimSpace(tx.IPAddress), a.index.EntitiesByIP},
	}

	for _, p := range queries {
		if p.value == "" {
			continue
		}
		candidates, err := p.find(ctx, p.value)
		if err != nil {
			return nil, domain.DependencyUnavailable("linkanalysis.index", err, "attribute", string(p.attr))
		}

		for _, raw := range candidates {
			key, ok := canonicalID(raw)
			if !ok {
				a.logger.Debug("skipping malformed entity id", "entity_id", raw, "attribute", p.attr)
				continue
			}
			if key == self || resolved[key] {
				continue
			}
			resolved[key] = true

			// Stored ids are looked up as written; only the identity is canonical.
			id := strings.TrimSpace(raw)
			status, found, err := a.status.EntityStatus(ctx, id)
			if err != nil {
				return nil, domain.DependencyUnavailable("linkanalysis.status", err, "entity_id", id)
			}
			if !found || !status.IsBlocking() {
				continue
			}

			results = append(results, domain.LinkResult{
				SourceTxID:    tx.ID,
				Attribute:     p.attr,
				MatchedEntity: id,
				MatchedStatus: status,
			})
		}
	}

	return results, nil
}

// canonicalID parses a numeric entity id and returns its identity key,
// without leading zeros or whitespace.
func canonicalID(raw string) (string, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatUint(n, 10), true
}
