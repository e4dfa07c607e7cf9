package domain

import (
	"time"
)

// Direction tells whether funds move into or out of the entity.
type Direction string

const (
	// DirectionInbound is a receipt: card payment, deposit, incoming transfer.
	DirectionInbound Direction = "INBOUND"

	// DirectionOutbound is a payout, withdrawal or onward transfer.
	DirectionOutbound Direction = "OUTBOUND"
)

// Transaction represents an inbound payment transaction to be decided.
// Amounts are fixed-point minor units (cents). Transactions are immutable once created.
type Transaction struct {
	// Core identifiers
	ID         string `json:"id"`
	MerchantID string `json:"merchantId"`

	// Financial details
	AmountCents int64     `json:"amountCents"`
	Currency    string    `json:"currency"`
	CountryCode string    `json:"countryCode"`
	Direction   Direction `json:"direction,omitempty"`

	// Identifying attributes used by link analysis
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
	IPAddress         string `json:"ipAddress,omitempty"`
	TransactionURL    string `json:"transactionUrl,omitempty"`

	// AccountRef is an opaque reference (e.g. a PAN hash) to the
	// counterparty account the funds came from or went to.
	AccountRef string `json:"accountRef,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// EntityStatus is the lifecycle status of a merchant or customer.
type EntityStatus string

const (
	EntityStatusActive     EntityStatus = "ACTIVE"
	EntityStatusPending    EntityStatus = "PENDING"
	EntityStatusSuspended  EntityStatus = "SUSPENDED"
	EntityStatusBlocked    EntityStatus = "BLOCKED"
	EntityStatusTerminated EntityStatus = "TERMINATED"
)

// IsBlocking reports whether links to an entity in this status force a BLOCK.
func (s EntityStatus) IsBlocking() bool {
	return s == EntityStatusBlocked || s == EntityStatusTerminated
}

// RiskLevel grades entities and velocity rules.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// EntityContext is a read-only snapshot of the merchant or customer a
// transaction belongs to, supplied per evaluation.
type EntityContext struct {
	ID        string       `json:"id"`
	Status    EntityStatus `json:"status"`
	Website   string       `json:"website,omitempty"`
	RiskLevel RiskLevel    `json:"riskLevel,omitempty"`
}

// Entity is the persisted form of an entity, as returned by status lookups.
type Entity struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Status    EntityStatus `json:"status"`
	Website   string       `json:"website,omitempty"`
	RiskLevel RiskLevel    `json:"riskLevel,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Context returns the evaluation snapshot of the entity.
func (e *Entity) Context() *EntityContext {
	return &EntityContext{
		ID:        e.ID,
		Status:    e.Status,
		Website:   e.Website,
		RiskLevel: e.RiskLevel,
	}
}
