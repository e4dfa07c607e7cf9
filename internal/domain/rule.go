package domain

import "time"

// RuleDefinition is an administrator-authored condition/action rule.
// Names are unique within a catalog; disabled rules are never evaluated.
type RuleDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`

	// Conditions are ANDed in order.
	Conditions []Condition `json:"conditions"`

	// Actions are applied in order when every condition holds.
	Actions []Action `json:"actions"`

	// Reason overrides the rule name in decision reasons when set.
	Reason string `json:"reason,omitempty"`

	// Higher priority rules are evaluated first.
	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`
}

// Field names a transaction or entity attribute a condition can test.
type Field string

const (
	FieldAmount            Field = "amount"       // major units, decimal
	FieldAmountCents       Field = "amount_cents" // minor units, integer
	FieldCurrency          Field = "currency"
	FieldCountryCode       Field = "country_code"
	FieldDeviceFingerprint Field = "device_fingerprint"
	FieldIPAddress         Field = "ip_address"
	FieldMerchantID        Field = "merchant_id"
	FieldTransactionURL    Field = "transaction_url"
	FieldDirection         Field = "direction"
	FieldEntityID          Field = "entity_id"
	FieldEntityStatus      Field = "entity_status"
	FieldEntityWebsite     Field = "entity_website"
	FieldEntityRiskLevel   Field = "entity_risk_level"
)

// Operator is a condition comparison.
type Operator string

const (
	OpEquals      Operator = "EQUALS"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpContains    Operator = "CONTAINS"
	OpIn          Operator = "IN"

	// OpExpression evaluates Condition.Value as a CEL boolean expression.
	// Field is ignored.
	OpExpression Operator = "EXPRESSION"
)

// Condition is a single typed predicate. Value carries the comparison operand;
// Values carries the operand list for IN.
type Condition struct {
	Field    Field    `json:"field,omitempty"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value,omitempty"`
	Values   []string `json:"values,omitempty"`
}

// ActionType is what a triggered rule asks the decision to do.
type ActionType string

const (
	ActionBlockTransaction ActionType = "BLOCK_TRANSACTION"
	ActionFlagCase         ActionType = "FLAG_CASE"
	ActionHold             ActionType = "HOLD"
	ActionReview           ActionType = "REVIEW"
	ActionFileSAR          ActionType = "FILE_SAR"
	ActionFileCTR          ActionType = "FILE_CTR"
	ActionAlert            ActionType = "ALERT"
)

// Action is one step of a rule's outcome.
type Action struct {
	Type ActionType `json:"type"`
}

// VelocityScope is the aggregation key of a velocity rule.
type VelocityScope string

// ScopeEntity aggregates per merchant/customer.
const ScopeEntity VelocityScope = "ENTITY"

// Velocity rule statuses.
const (
	VelocityRuleActive   = "ACTIVE"
	VelocityRuleInactive = "INACTIVE"
)

// VelocityRule bounds how many transactions, or how much money, an entity may
// move inside one aligned window. A zero threshold disables that dimension.
type VelocityRule struct {
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Scope          VelocityScope `json:"scope"`
	Window         time.Duration `json:"window"`
	MaxCount       int64         `json:"maxCount"`
	MaxAmountCents int64         `json:"maxAmountCents"`
	RiskLevel      RiskLevel     `json:"riskLevel"`
	Status         string        `json:"status"`
}

// IsActive reports whether the rule participates in decisioning.
func (r *VelocityRule) IsActive() bool {
	return r.Status == "" || r.Status == VelocityRuleActive
}

// Standard velocity windows.
const (
	WindowHour = time.Hour
	WindowDay  = 24 * time.Hour
	WindowWeek = 7 * 24 * time.Hour
)

// CounterWindow is the state of one fixed-window counter.
type CounterWindow struct {
	Key         string    `json:"key"`
	WindowStart time.Time `json:"windowStart"`
	Count       int64     `json:"count"`
	AmountCents int64     `json:"amountCents"`
}
