package parser

import (
	"github.com/shopspring/decimal"
)

// AgentInit matches the AGENT_INIT / AGENT_CREATED schema (spec §4.3).
type AgentInit struct {
	Type       string         `json:"type"`
	AgentID    string         `json:"agent_id"`
	AgentName  string         `json:"agent_name"`
	Platform   string         `json:"platform"`
	Version    string         `json:"version,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Action matches the ACTION schema.
type Action struct {
	Type           string         `json:"type"`
	AgentID        string         `json:"agent_id"`
	SessionKey     string         `json:"session_key"`
	Action         ActionDetail   `json:"action"`
	Timestamp      int64          `json:"timestamp"`
	Reasoning      string         `json:"reasoning,omitempty"`
	PreviousHash   string         `json:"previous_hash,omitempty"`
}

// ActionDetail is the nested {tool, parameters, result} object of an ACTION event.
type ActionDetail struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Result     any            `json:"result"`
}

// Transaction matches the TRANSACTION schema.
type Transaction struct {
	Type            string  `json:"type"`
	AgentID         string  `json:"agent_id"`
	TransactionType string  `json:"transaction_type"`
	TransactionID   string  `json:"transaction_id"`
	Details         string  `json:"details"`
	Timestamp       int64   `json:"timestamp"`
	Reasoning       *string `json:"reasoning,omitempty"`
	PreviousHash    string  `json:"previous_hash,omitempty"`
}

// RentalInitiated matches the RENTAL_INITIATED schema. Monetary fields are
// parsed as decimal.Decimal so they round-trip as fixed-point with two
// fractional digits (spec §4.3) instead of drifting through float64.
type RentalInitiated struct {
	Type          string          `json:"type"`
	AgentID       string          `json:"agent_id"`
	RentalID      string          `json:"rental_id"`
	Renter        string          `json:"renter"`
	EscrowAccount string          `json:"escrow_account"`
	StakeUSD      decimal.Decimal `json:"stake_usd"`
	BufferUSD     decimal.Decimal `json:"buffer_usd"`
	Timestamp     int64           `json:"timestamp"`
}

// Settlement is the nested settlement breakdown of a RENTAL_COMPLETED event.
type Settlement struct {
	Owner     decimal.Decimal `json:"owner"`
	Creator   decimal.Decimal `json:"creator"`
	Network   decimal.Decimal `json:"network"`
	Treasury  decimal.Decimal `json:"treasury"`
}

// RentalCompleted matches the RENTAL_COMPLETED schema.
type RentalCompleted struct {
	Type          string          `json:"type"`
	RentalID      string          `json:"rental_id"`
	TotalCostUSD  decimal.Decimal `json:"total_cost_usd"`
	Settlement    Settlement      `json:"settlement"`
	Timestamp     int64           `json:"timestamp"`
}

// Comms matches the COMMS schema.
type Comms struct {
	From      string         `json:"from"`
	To        string         `json:"to,omitempty"`
	Timestamp string         `json:"timestamp"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
