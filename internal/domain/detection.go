package domain

import (
	"encoding/json"
	"time"
)

// DetectionKind names a statistical AML pattern.
type DetectionKind string

const (
	DetectionStructuring   DetectionKind = "STRUCTURING"
	DetectionRapidMovement DetectionKind = "RAPID_MOVEMENT"
	DetectionRoundDollar   DetectionKind = "ROUND_DOLLAR"
	DetectionFunnelAccount DetectionKind = "FUNNEL_ACCOUNT"
	DetectionTradeBasedML  DetectionKind = "TRADE_BASED_ML"
)

// StructuringDetection is a cluster of just-below-threshold transactions
// whose sum crosses the reporting ceiling.
type StructuringDetection struct {
	EntityID       string    `json:"entityId"`
	WindowStart    time.Time `json:"windowStart"`
	WindowEnd      time.Time `json:"windowEnd"`
	TransactionIDs []string  `json:"transactionIds"`
	Count          int       `json:"count"`
	SumCents       int64     `json:"sumCents"`
	CeilingCents   int64     `json:"ceilingCents"`
	Explanation    string    `json:"explanation"`
}

// TransferPair is an inbound receipt followed by an onward outbound transfer.
type TransferPair struct {
	InboundTxID  string        `json:"inboundTxId"`
	OutboundTxID string        `json:"outboundTxId"`
	Delta        time.Duration `json:"delta"`
}

// RapidMovementDetection flags pass-through behaviour.
type RapidMovementDetection struct {
	EntityID      string         `json:"entityId"`
	WindowStart   time.Time      `json:"windowStart"`
	WindowEnd     time.Time      `json:"windowEnd"`
	Pairs         []TransferPair `json:"pairs"`
	InboundCents  int64          `json:"inboundCents"`
	OutboundCents int64          `json:"outboundCents"`
	VelocityRatio float64        `json:"velocityRatio"`
	Explanation   string         `json:"explanation"`
}

// RoundDollarDetection flags an anomalous share of round amounts.
type RoundDollarDetection struct {
	EntityID       string    `json:"entityId"`
	WindowStart    time.Time `json:"windowStart"`
	WindowEnd      time.Time `json:"windowEnd"`
	TransactionIDs []string  `json:"transactionIds"`
	Total          int       `json:"total"`
	Ratio          float64   `json:"ratio"`
	BaselineRatio  float64   `json:"baselineRatio"`
	Explanation    string    `json:"explanation"`
}

// FunnelAccountDetection is one counterparty account that pushed many
// transactions through the entity in the trailing funnel window.
type FunnelAccountDetection struct {
	EntityID         string    `json:"entityId"`
	AccountRef       string    `json:"accountRef"`
	WindowStart      time.Time `json:"windowStart"`
	WindowEnd        time.Time `json:"windowEnd"`
	TransactionIDs   []string  `json:"transactionIds"`
	Count            int       `json:"count"`
	ReceivedCents    int64     `json:"receivedCents"`
	TransferredCents int64     `json:"transferredCents"`
	Explanation      string    `json:"explanation"`
}

// TradePattern names the trade-based laundering indicator that fired.
type TradePattern string

const TradePatternSmallTransactions TradePattern = "MULTIPLE_SMALL_TRANSACTIONS"

// TradeBasedMLDetection is a window in which many small transactions add up
// to a significant total.
type TradeBasedMLDetection struct {
	EntityID    string       `json:"entityId"`
	WindowStart time.Time    `json:"windowStart"`
	WindowEnd   time.Time    `json:"windowEnd"`
	Pattern     TradePattern `json:"pattern"`
	Count       int          `json:"count"`
	SmallCount  int          `json:"smallCount"`
	TotalCents  int64        `json:"totalCents"`
	SmallTxIDs  []string     `json:"smallTransactionIds"`
	Explanation string       `json:"explanation"`
}

// DetectionRecord is the persisted, published envelope of any detection.
type DetectionRecord struct {
	ID          string          `json:"id"`
	Kind        DetectionKind   `json:"kind"`
	EntityID    string          `json:"entityId"`
	WindowStart time.Time       `json:"windowStart"`
	WindowEnd   time.Time       `json:"windowEnd"`
	DetectedAt  time.Time       `json:"detectedAt"`
	Explanation string          `json:"explanation"`
	Payload     json.RawMessage `json:"payload"`
}
