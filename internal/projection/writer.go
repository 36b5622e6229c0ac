package projection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/hcsindexer/internal/hcs"
	"github.com/sawpanic/hcsindexer/internal/ingesterr"
	"github.com/sawpanic/hcsindexer/internal/metrics"
	"github.com/sawpanic/hcsindexer/internal/parser"
)

// Writer turns a raw message plus its parse Result into a Unit and hands
// it to the Store. It is the only component that knows how parser.Result
// kinds map onto projected entities (spec §4.4 Projectors table).
type Writer struct {
	store   Store
	metrics metrics.Sink
	log     zerolog.Logger

	// quarantineAfter is the number of consecutive projection failures on
	// the same message before it is set aside instead of retried forever.
	// 0 disables quarantine, preserving the literal spec behavior of
	// wedging the supervisor on a poison message.
	quarantineAfter int
}

// NewWriter builds a projection Writer over the given Store.
func NewWriter(store Store, sink metrics.Sink, log zerolog.Logger) *Writer {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Writer{store: store, metrics: sink, log: log.With().Str("component", "projection").Logger()}
}

// WithQuarantine enables dead-letter handling: after quarantineAfter
// consecutive failures on the same (topic_id, sequence_number), the message
// is set aside and the cursor advances past it instead of wedging forever.
func (w *Writer) WithQuarantine(quarantineAfter int) *Writer {
	w.quarantineAfter = quarantineAfter
	return w
}

// Apply materializes one message: substrate insert, optional projection,
// cursor advance — all atomic per spec §4.4. now is injected so tests are
// deterministic; production callers pass time.Now().
func (w *Writer) Apply(ctx context.Context, raw hcs.RawMessage, result parser.Result, now time.Time) error {
	unit := Unit{
		Substrate: SubstrateRecord{
			TopicID:            raw.TopicID,
			ConsensusTimestamp: raw.ConsensusTimestamp,
			SequenceNumber:     raw.SequenceNumber,
			Payer:              raw.Payer,
			RawPayloadBase64:   base64.StdEncoding.EncodeToString(raw.PayloadBytes),
			MessageKind:        string(result.Kind),
			CreatedAt:          now,
		},
		Cursor: hcs.Cursor{
			TopicID:            raw.TopicID,
			LastTimestamp:      raw.ConsensusTimestamp,
			LastSequenceNumber: raw.SequenceNumber,
			UpdatedAt:          now,
		},
	}

	if result.Decoded != nil {
		if encoded, err := json.Marshal(result.Decoded); err == nil {
			unit.Substrate.DecodedPayload = encoded
		}
	}

	if result.Validated != nil {
		switch v := result.Validated.(type) {
		case parser.AgentInit:
			unit.AgentUpsert = &AgentUpsert{
				AgentID:   v.AgentID,
				AgentName: v.AgentName,
				Platform:  v.Platform,
				Version:   v.Version,
				Metadata:  v.Metadata,
				Now:       now,
			}
		case parser.Action:
			actionDoc, _ := toMap(v.Action)
			unit.AgentEventAppend = &AgentEventAppend{
				AgentID:            v.AgentID,
				EventType:          string(hcs.KindAction),
				SessionKey:         v.SessionKey,
				Action:             actionDoc,
				Reasoning:          v.Reasoning,
				PreviousHash:       v.PreviousHash,
				Timestamp:          v.Timestamp,
				ConsensusTimestamp: raw.ConsensusTimestamp,
				RawData:            unit.Substrate.DecodedPayload,
			}
		case parser.Transaction:
			reasoning := ""
			if v.Reasoning != nil {
				reasoning = *v.Reasoning
			}
			unit.AgentEventAppend = &AgentEventAppend{
				AgentID:            v.AgentID,
				EventType:          string(hcs.KindTransaction),
				TransactionID:      v.TransactionID,
				TransactionType:    v.TransactionType,
				Details:            v.Details,
				Reasoning:          reasoning,
				PreviousHash:       v.PreviousHash,
				Timestamp:          v.Timestamp,
				ConsensusTimestamp: raw.ConsensusTimestamp,
				RawData:            unit.Substrate.DecodedPayload,
			}
		case parser.RentalInitiated:
			unit.RentalInitiate = &RentalInitiate{
				RentalID:      v.RentalID,
				AgentID:       v.AgentID,
				Renter:        v.Renter,
				EscrowAccount: v.EscrowAccount,
				StakeUSD:      v.StakeUSD,
				BufferUSD:     v.BufferUSD,
				InitiatedAt:   v.Timestamp,
			}
		case parser.RentalCompleted:
			unit.RentalComplete = &RentalComplete{
				RentalID:     v.RentalID,
				TotalCostUSD: v.TotalCostUSD,
				Settlement: map[string]decimal.Decimal{
					"owner":    v.Settlement.Owner,
					"creator":  v.Settlement.Creator,
					"network":  v.Settlement.Network,
					"treasury": v.Settlement.Treasury,
				},
				CompletedAt: v.Timestamp,
				Now:         now,
			}
		case parser.Comms:
			unit.CommsAppend = &CommsAppend{
				TopicID:            raw.TopicID,
				FromAgent:          v.From,
				ToAgent:            v.To,
				Text:               v.Text,
				Timestamp:          v.Timestamp,
				ConsensusTimestamp: raw.ConsensusTimestamp,
				Metadata:           v.Metadata,
			}
		}
	}

	if err := w.store.Apply(ctx, unit); err != nil {
		w.metrics.ProjectionError(raw.TopicID)
		if quarantined := w.maybeQuarantine(ctx, unit.Substrate, unit.Cursor, err); quarantined {
			return nil
		}
		return ingesterr.ProjectionWrite(err)
	}

	w.metrics.MessagesIngested(raw.TopicID, 1)
	w.metrics.SetCursorSequence(raw.TopicID, raw.SequenceNumber)
	return nil
}

// maybeQuarantine records the failure and, once quarantineAfter consecutive
// attempts on this message have failed, sets it aside and advances the
// cursor past it. Returns true if the message was quarantined (caller
// should treat this as handled, not as an error to retry).
func (w *Writer) maybeQuarantine(ctx context.Context, r SubstrateRecord, cursor hcs.Cursor, cause error) bool {
	if w.quarantineAfter <= 0 {
		return false
	}
	attempts, recErr := w.store.RecordFailure(ctx, r.TopicID, r.SequenceNumber, cause)
	if recErr != nil {
		w.log.Warn().Err(recErr).Str("topic_id", r.TopicID).Int64("sequence_number", r.SequenceNumber).
			Msg("failed to record projection failure count")
		return false
	}
	if attempts < w.quarantineAfter {
		return false
	}
	if err := w.store.Quarantine(ctx, r, cursor, cause, time.Now()); err != nil {
		w.log.Error().Err(err).Str("topic_id", r.TopicID).Int64("sequence_number", r.SequenceNumber).
			Msg("failed to quarantine poison message")
		return false
	}
	w.log.Warn().Str("topic_id", r.TopicID).Int64("sequence_number", r.SequenceNumber).Int("attempts", attempts).
		Msg("message quarantined after repeated projection failures")
	return true
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
