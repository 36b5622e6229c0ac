// Package hcs holds the substrate-level data model shared by every
// ingestion component: the opaque message as received from the mirror
// (REST or push), the consensus timestamp that orders it, and the sync
// cursor that tracks per-topic progress.
package hcs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConsensusTimestamp is the substrate's canonical per-topic ordering key,
// formatted "seconds.nanoseconds" with the nanosecond field zero-padded to
// nine digits so that lexicographic order equals chronological order.
type ConsensusTimestamp string

// NewConsensusTimestamp formats a timestamp from its seconds/nanoseconds parts.
func NewConsensusTimestamp(seconds int64, nanos int64) ConsensusTimestamp {
	return ConsensusTimestamp(fmt.Sprintf("%d.%09d", seconds, nanos))
}

// Parts splits the timestamp back into seconds and nanoseconds.
func (c ConsensusTimestamp) Parts() (seconds int64, nanos int64, err error) {
	s := string(c)
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return 0, 0, fmt.Errorf("consensus timestamp %q missing '.' separator", s)
	}
	seconds, err = strconv.ParseInt(s[:dot], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("consensus timestamp %q has invalid seconds: %w", s, err)
	}
	nanos, err = strconv.ParseInt(s[dot+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("consensus timestamp %q has invalid nanos: %w", s, err)
	}
	return seconds, nanos, nil
}

// PlusNanos returns a new ConsensusTimestamp shifted forward by n nanoseconds.
// Used by the Push Subscriber to exclude the last-seen message per §4.2.
func (c ConsensusTimestamp) PlusNanos(n int64) (ConsensusTimestamp, error) {
	secs, nanos, err := c.Parts()
	if err != nil {
		return "", err
	}
	total := nanos + n
	secs += total / 1_000_000_000
	total %= 1_000_000_000
	if total < 0 {
		total += 1_000_000_000
		secs--
	}
	return NewConsensusTimestamp(secs, total), nil
}

// String satisfies fmt.Stringer.
func (c ConsensusTimestamp) String() string { return string(c) }

// Less reports whether c sorts strictly before other. Because the textual
// form is zero-padded, this is equivalent to a plain string comparison, but
// the method documents the invariant the rest of the code relies on.
func (c ConsensusTimestamp) Less(other ConsensusTimestamp) bool {
	return string(c) < string(other)
}

// RawMessage is an opaque message as delivered by either ingestion mode,
// before decoding or classification.
type RawMessage struct {
	TopicID            string
	ConsensusTimestamp ConsensusTimestamp
	SequenceNumber     int64
	Payer              string
	PayloadBytes       []byte
}

// Cursor is the largest (ConsensusTimestamp, SequenceNumber) durably
// materialized for a topic; the single source of truth for ingestion
// progress (§3).
type Cursor struct {
	TopicID            string
	LastTimestamp      ConsensusTimestamp
	LastSequenceNumber int64
	UpdatedAt          time.Time
}

// Kind is the closed set of recognized event shapes (§4.3). Unknown `type`
// strings are preserved verbatim rather than collapsed to "unknown".
type Kind string

const (
	KindAgentInit        Kind = "AGENT_INIT"
	KindAgentCreated     Kind = "AGENT_CREATED"
	KindAction           Kind = "ACTION"
	KindTransaction      Kind = "TRANSACTION"
	KindRentalInitiated  Kind = "RENTAL_INITIATED"
	KindRentalCompleted  Kind = "RENTAL_COMPLETED"
	KindComms            Kind = "COMMS"
	KindUnknown          Kind = "unknown"
)
