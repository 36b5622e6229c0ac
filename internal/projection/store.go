// Package projection implements the atomic unit of durability described in
// spec §4.4: insert the substrate record, apply the classified event to
// projected entities, and advance the sync cursor, as one transaction.
package projection

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/hcsindexer/internal/hcs"
)

// SubstrateRecord is one row of the raw audit trail (spec §3).
type SubstrateRecord struct {
	TopicID            string
	ConsensusTimestamp hcs.ConsensusTimestamp
	SequenceNumber     int64
	Payer              string
	RawPayloadBase64   string
	DecodedPayload     []byte // JSON document, nil if decode failed
	MessageKind        string // empty if classification did not run
	CreatedAt          time.Time
}

// AgentUpsert is the projected effect of an AGENT_INIT/AGENT_CREATED event.
type AgentUpsert struct {
	AgentID         string
	AgentName       string
	Platform        string
	Version         string
	OperatingAccount string
	Metadata        map[string]any
	Now             time.Time
}

// AgentEventAppend is the projected effect of an ACTION/TRANSACTION event.
type AgentEventAppend struct {
	AgentID            string
	EventType          string // ACTION | TRANSACTION
	SessionKey         string
	TransactionID      string
	TransactionType    string
	Action             map[string]any
	Reasoning          string
	Details            string
	PreviousHash       string
	Timestamp          int64
	ConsensusTimestamp hcs.ConsensusTimestamp
	RawData            []byte
}

// RentalInitiate is the projected effect of a RENTAL_INITIATED event.
type RentalInitiate struct {
	RentalID      string
	AgentID       string
	Renter        string
	EscrowAccount string
	StakeUSD      decimal.Decimal
	BufferUSD     decimal.Decimal
	InitiatedAt   int64
}

// RentalComplete is the projected effect of a RENTAL_COMPLETED event.
type RentalComplete struct {
	RentalID     string
	TotalCostUSD decimal.Decimal
	Settlement   map[string]decimal.Decimal
	CompletedAt  int64
	Now          time.Time
}

// CommsAppend is the projected effect of a COMMS event.
type CommsAppend struct {
	TopicID            string
	FromAgent          string
	ToAgent            string
	Text               string
	Timestamp          string
	ConsensusTimestamp hcs.ConsensusTimestamp
	Metadata           map[string]any
}

// Unit bundles everything one call to Apply needs to perform the atomic
// insert+project+advance-cursor sequence for a single parsed message.
type Unit struct {
	Substrate SubstrateRecord

	AgentUpsert      *AgentUpsert
	AgentEventAppend *AgentEventAppend
	RentalInitiate   *RentalInitiate
	RentalComplete   *RentalComplete
	CommsAppend      *CommsAppend

	Cursor hcs.Cursor
}

// Store is the persistence seam the projection Writer depends on. The
// Postgres implementation lives in the postgres subpackage; tests can
// substitute an in-memory fake.
type Store interface {
	// Apply performs steps 1-3 of spec §4.4 as a single atomic unit. The
	// substrate insert is a no-op on conflict, the agent upsert and rental
	// steps converge to the same row, and the cursor upsert never moves the
	// cursor backwards, so replaying those Units is harmless. ACTION,
	// TRANSACTION and COMMS appends insert a new row on every call; Apply
	// does not deduplicate them, and replays of those are kept out by the
	// cursor (a message at or before it is not fetched or streamed again).
	Apply(ctx context.Context, u Unit) error

	// CursorFor returns the current cursor for a topic, or the zero value
	// with ok=false if the topic has never been ingested.
	CursorFor(ctx context.Context, topicID string) (hcs.Cursor, bool, error)

	// RecordFailure increments and returns the consecutive-failure count for
	// one (topic_id, sequence_number), used to decide when to quarantine a
	// poison message rather than retry it forever.
	RecordFailure(ctx context.Context, topicID string, seq int64, cause error) (int, error)

	// Quarantine sets a message aside: it records the substrate row (payload
	// decoded or not), marks it quarantined, advances the cursor past it, and
	// clears its failure count. The cursor advance is what lets the
	// supervisor make forward progress instead of wedging on the same
	// message forever.
	Quarantine(ctx context.Context, r SubstrateRecord, cursor hcs.Cursor, cause error, now time.Time) error
}
