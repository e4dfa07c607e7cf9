package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Lookups caches entity-status and plan lookups in front of their source.
// Cache failures are logged and fall through to the source; they never fail
// a lookup on their own.
type Lookups struct {
	cache  domain.Cache
	ttl    time.Duration
	status domain.EntityStatusLookup
	plans  domain.PlanLookup
	logger *slog.Logger
}

type statusEntry struct {
	Status domain.EntityStatus `json:"s"`
	Found  bool                `json:"f"`
}

type planEntry struct {
	Plan string `json:"p"`
}

// NewLookups creates cached lookups. Either source may be nil if unused.
func NewLookups(c domain.Cache, ttl time.Duration, status domain.EntityStatusLookup, plans domain.PlanLookup, logger *slog.Logger) *Lookups {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lookups{cache: c, ttl: ttl, status: status, plans: plans, logger: logger}
}

func statusKey(entityID string) string { return "entity-status:" + entityID }
func planKey(pspCode string) string    { return "plan:" + pspCode }

// EntityStatus implements domain.EntityStatusLookup. Missing entities are
// cached too, so repeated probes for unknown ids stay off the database.
func (l *Lookups) EntityStatus(ctx context.Context, entityID string) (domain.EntityStatus, bool, error) {
	key := statusKey(entityID)
	if raw, err := l.cache.Get(ctx, key); err != nil {
		l.logger.Warn("entity status cache read failed", "entity_id", entityID, "error", err)
	} else if raw != nil {
		var e statusEntry
		if err := json.Unmarshal(raw, &e); err == nil {
			return e.Status, e.Found, nil
		}
	}

	status, found, err := l.status.EntityStatus(ctx, entityID)
	if err != nil {
		return "", false, err
	}

	raw, _ := json.Marshal(statusEntry{Status: status, Found: found})
	if err := l.cache.Set(ctx, key, raw, l.ttl); err != nil {
		l.logger.Warn("entity status cache write failed", "entity_id", entityID, "error", err)
	}
	return status, found, nil
}

// PlanFor implements domain.PlanLookup.
func (l *Lookups) PlanFor(ctx context.Context, pspCode string) (string, error) {
	key := planKey(pspCode)
	if raw, err := l.cache.Get(ctx, key); err != nil {
		l.logger.Warn("plan cache read failed", "psp_code", pspCode, "error", err)
	} else if raw != nil {
		var e planEntry
		if err := json.Unmarshal(raw, &e); err == nil {
			return e.Plan, nil
		}
	}

	plan, err := l.plans.PlanFor(ctx, pspCode)
	if err != nil {
		return "", err
	}

	raw, _ := json.Marshal(planEntry{Plan: plan})
	if err := l.cache.Set(ctx, key, raw, l.ttl); err != nil {
		l.logger.Warn("plan cache write failed", "psp_code", pspCode, "error", err)
	}
	return plan, nil
}

// InvalidateEntity drops a cached entity status after the entity changes.
func (l *Lookups) InvalidateEntity(ctx context.Context, entityID string) error {
	return l.cache.Delete(ctx, statusKey(entityID))
}

// InvalidatePlan drops a cached plan after it changes.
func (l *Lookups) InvalidatePlan(ctx context.Context, pspCode string) error {
	return l.cache.Delete(ctx, planKey(pspCode))
}
