package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/hcsindexer/internal/hcs"
	"github.com/sawpanic/hcsindexer/internal/metrics"
	"github.com/sawpanic/hcsindexer/internal/parser"
)

type recordingStore struct {
	units       []Unit
	applyErr    error
	failures    map[string]int
	quarantined []SubstrateRecord
}

func newRecordingStore() *recordingStore {
	return &recordingStore{failures: make(map[string]int)}
}

func (s *recordingStore) Apply(ctx context.Context, u Unit) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	s.units = append(s.units, u)
	return nil
}

func (s *recordingStore) CursorFor(ctx context.Context, topicID string) (hcs.Cursor, bool, error) {
	return hcs.Cursor{}, false, nil
}

func (s *recordingStore) RecordFailure(ctx context.Context, topicID string, seq int64, cause error) (int, error) {
	key := topicID
	s.failures[key]++
	return s.failures[key], nil
}

func (s *recordingStore) Quarantine(ctx context.Context, r SubstrateRecord, cursor hcs.Cursor, cause error, now time.Time) error {
	s.quarantined = append(s.quarantined, r)
	return nil
}

func sampleRaw() hcs.RawMessage {
	return hcs.RawMessage{
		TopicID:            "0.0.500",
		ConsensusTimestamp: hcs.NewConsensusTimestamp(1700000000, 0),
		SequenceNumber:     42,
		Payer:              "0.0.1001",
		PayloadBytes:       []byte(`{"type":"AGENT_INIT"}`),
	}
}

func TestApplyAgentInitBuildsAgentUpsert(t *testing.T) {
	store := newRecordingStore()
	w := NewWriter(store, metrics.Noop{}, zerolog.Nop())

	result := parser.Result{
		Kind: hcs.KindAgentInit,
		Validated: parser.AgentInit{
			AgentID:   "agent-1",
			AgentName: "scout",
			Platform:  "hedera",
		},
	}

	err := w.Apply(context.Background(), sampleRaw(), result, time.Now())
	require.NoError(t, err)
	require.Len(t, store.units, 1)
	require.NotNil(t, store.units[0].AgentUpsert)
	assert.Equal(t, "agent-1", store.units[0].AgentUpsert.AgentID)
	assert.Equal(t, int64(42), store.units[0].Cursor.LastSequenceNumber)
}

func TestApplyRentalCompletedCarriesSettlementDecimals(t *testing.T) {
	store := newRecordingStore()
	w := NewWriter(store, metrics.Noop{}, zerolog.Nop())

	result := parser.Result{
		Kind: hcs.KindRentalCompleted,
		Validated: parser.RentalCompleted{
			RentalID:     "rental-1",
			TotalCostUSD: decimal.NewFromFloat(19.99),
			Settlement: parser.Settlement{
				Owner:    decimal.NewFromFloat(10),
				Creator:  decimal.NewFromFloat(5.49),
				Network:  decimal.NewFromFloat(2.5),
				Treasury: decimal.NewFromFloat(2),
			},
		},
	}

	err := w.Apply(context.Background(), sampleRaw(), result, time.Now())
	require.NoError(t, err)
	require.NotNil(t, store.units[0].RentalComplete)
	assert.True(t, store.units[0].RentalComplete.Settlement["creator"].Equal(decimal.NewFromFloat(5.49)))
}

func TestApplyPropagatesStoreErrorWithoutQuarantine(t *testing.T) {
	store := newRecordingStore()
	store.applyErr = errors.New("db unavailable")
	w := NewWriter(store, metrics.Noop{}, zerolog.Nop())

	err := w.Apply(context.Background(), sampleRaw(), parser.Result{}, time.Now())
	require.Error(t, err)
	assert.Empty(t, store.quarantined)
}

func TestApplyQuarantinesAfterConfiguredAttempts(t *testing.T) {
	store := newRecordingStore()
	store.applyErr = errors.New("poison payload")
	w := NewWriter(store, metrics.Noop{}, zerolog.Nop()).WithQuarantine(2)

	raw := sampleRaw()
	err1 := w.Apply(context.Background(), raw, parser.Result{}, time.Now())
	require.Error(t, err1)
	assert.Empty(t, store.quarantined)

	err2 := w.Apply(context.Background(), raw, parser.Result{}, time.Now())
	require.NoError(t, err2, "second consecutive failure should be quarantined, not returned as an error")
	assert.Len(t, store.quarantined, 1)
}
