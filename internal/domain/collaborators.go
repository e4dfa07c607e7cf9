package domain

import (
	"context"
	"time"
)

// The decision core performs no I/O of its own. Everything it needs from
// storage is read through these narrow interfaces, implemented by the SQL
// repository and wrapped by the lookup cache.

// RuleCatalogReader supplies the current rule definitions.
type RuleCatalogReader interface {
	ListRuleDefinitions(ctx context.Context) ([]*RuleDefinition, error)
}

// VelocityRuleReader supplies the configured velocity rules.
type VelocityRuleReader interface {
	ListVelocityRules(ctx context.Context) ([]*VelocityRule, error)
}

// AttributeIndex finds entities that have transacted with an identifying attribute.
type AttributeIndex interface {
	EntitiesByDevice(ctx context.Context, fingerprint string) ([]string, error)
	EntitiesByIP(ctx context.Context, ip string) ([]string, error)
}

// EntityStatusLookup resolves an entity's current status.
// found is false when the entity does not exist.
type EntityStatusLookup interface {
	EntityStatus(ctx context.Context, entityID string) (status EntityStatus, found bool, err error)
}

// TransactionHistory reads an entity's transactions in [start, end).
type TransactionHistory interface {
	TransactionsBetween(ctx context.Context, entityID string, start, end time.Time) ([]*Transaction, error)
}

// DetectionLedger answers whether an entity has a recent pattern detection.
type DetectionLedger interface {
	HasDetectionSince(ctx context.Context, entityID string, since time.Time) (bool, error)
}

// DetectionSink stores pattern detections for case creation.
type DetectionSink interface {
	SaveDetection(ctx context.Context, rec *DetectionRecord) error
}

// PlanLookup resolves a caller (PSP) code to its billing plan name.
// An unknown caller yields "" and no error.
type PlanLookup interface {
	PlanFor(ctx context.Context, pspCode string) (string, error)
}

// ExternalSignal is an optional extra input to a decision, such as an
// externally computed risk score. A nil *Signal means no opinion.
type ExternalSignal interface {
	Evaluate(ctx context.Context, tx *Transaction, entity *EntityContext) (*Signal, error)
}

// Signal is the opinion of an ExternalSignal.
type Signal struct {
	Reason   string `json:"reason"`
	Escalate bool   `json:"escalate"`
}
