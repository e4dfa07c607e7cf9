package domain

import (
	"time"
)

// Outcome is the actionable result of a decision.
type Outcome string

const (
	OutcomeAllow  Outcome = "ALLOW"
	OutcomeReview Outcome = "REVIEW"
	OutcomeBlock  Outcome = "BLOCK"
)

// LinkAttribute is the identifying attribute two entities were found to share.
type LinkAttribute string

const (
	LinkDevice LinkAttribute = "DEVICE"
	LinkIP     LinkAttribute = "IP"
)

// LinkResult is one direct attribute-sharing link to another entity.
type LinkResult struct {
	SourceTxID    string        `json:"sourceTxId"`
	Attribute     LinkAttribute `json:"attribute"`
	MatchedEntity string        `json:"matchedEntity"`
	MatchedStatus EntityStatus  `json:"matchedStatus"`
}

// VelocityBreach records a velocity rule exceeded by the entity's current window.
type VelocityBreach struct {
	Rule        string        `json:"rule"`
	Window      time.Duration `json:"window"`
	Count       int64         `json:"count"`
	AmountCents int64         `json:"amountCents"`
	RiskLevel   RiskLevel     `json:"riskLevel"`
}

// Decision is the single result type of a transaction evaluation.
// It is created once per call and never mutated after it is returned.
type Decision struct {
	ID          string    `json:"id"`
	TxID        string    `json:"txId"`
	EntityID    string    `json:"entityId"`
	Outcome     Outcome   `json:"decision"`
	EvaluatedAt time.Time `json:"evaluatedAt"`

	// Reasons are ordered: rule triggers, velocity breaches, link matches,
	// then regulatory and external signals.
	Reasons     []string `json:"reasons"`
	TriggeredBy []string `json:"triggeredRules"`
	SARRequired bool     `json:"sarRequired"`
	CTRRequired bool     `json:"ctrRequired"`

	LinkedEntities   []LinkResult     `json:"linkedEntities,omitempty"`
	VelocityBreaches []VelocityBreach `json:"velocityBreaches,omitempty"`

	// Observability
	RulesExecuted int           `json:"rulesExecuted"`
	Latency       time.Duration `json:"latency"`
	TraceID       string        `json:"traceId,omitempty"`
}

// IsAlert reports whether the decision needs human or automated follow-up.
func (d *Decision) IsAlert() bool {
	return d.Outcome == OutcomeReview || d.Outcome == OutcomeBlock
}
