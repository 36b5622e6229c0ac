package parser

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/hcsindexer/internal/hcs"
)

func TestParseAgentInit(t *testing.T) {
	payload := []byte(`{
		"type": "AGENT_INIT",
		"agent_id": "agent-1",
		"agent_name": "scout",
		"platform": "hedera",
		"timestamp": 1700000000
	}`)
	result := Parse(payload)
	assert.Equal(t, hcs.KindAgentInit, result.Kind)
	require.NotNil(t, result.Validated)
	agent, ok := result.Validated.(AgentInit)
	require.True(t, ok)
	assert.Equal(t, "agent-1", agent.AgentID)
	assert.Equal(t, "scout", agent.AgentName)
}

func TestParseRentalCompletedPreservesDecimalPrecision(t *testing.T) {
	payload := []byte(`{
		"type": "RENTAL_COMPLETED",
		"rental_id": "rental-9",
		"total_cost_usd": 19.99,
		"timestamp": 1700000500,
		"settlement": {"owner": 10.00, "creator": 5.49, "network": 2.50, "treasury": 2.00}
	}`)
	result := Parse(payload)
	assert.Equal(t, hcs.KindRentalCompleted, result.Kind)
	rc, ok := result.Validated.(RentalCompleted)
	require.True(t, ok)
	assert.True(t, rc.TotalCostUSD.Equal(decimal.NewFromFloat(19.99)))
	assert.Equal(t, "19.99", rc.TotalCostUSD.StringFixed(2))
	assert.Equal(t, "5.49", rc.Settlement.Creator.StringFixed(2))
}

func TestParseUnknownTypePreservedVerbatim(t *testing.T) {
	payload := []byte(`{"type": "SOME_FUTURE_EVENT", "agent_id": "x"}`)
	result := Parse(payload)
	assert.Equal(t, hcs.Kind("SOME_FUTURE_EVENT"), result.Kind)
	assert.Nil(t, result.Validated)
}

func TestParseCommsStructuralFallback(t *testing.T) {
	payload := []byte(`{"from": "agent-1", "to": "agent-2", "text": "hello", "timestamp": "2024-01-01T00:00:00Z"}`)
	result := Parse(payload)
	assert.Equal(t, hcs.KindComms, result.Kind)
	comms, ok := result.Validated.(Comms)
	require.True(t, ok)
	assert.Equal(t, "hello", comms.Text)
}

func TestParseNoDiscriminatorNoStructuralMatchIsUnknown(t *testing.T) {
	payload := []byte(`{"foo": "bar"}`)
	result := Parse(payload)
	assert.Equal(t, hcs.KindUnknown, result.Kind)
	assert.Nil(t, result.Validated)
}

func TestParseInvalidJSONYieldsZeroResult(t *testing.T) {
	result := Parse([]byte(`not json`))
	assert.Equal(t, hcs.Kind(""), result.Kind)
	assert.Nil(t, result.Decoded)
	assert.Nil(t, result.Validated)
}

func TestParseNonMappingJSONIsUnknownNotAFailure(t *testing.T) {
	// Syntactically valid JSON that isn't an object still decodes
	// successfully and classifies as unknown, rather than being treated
	// like a decode failure (§8 boundary behavior).
	for _, payload := range [][]byte{
		[]byte(`[1, 2, 3]`),
		[]byte(`"hello"`),
		[]byte(`42`),
		[]byte(`true`),
		[]byte(`null`),
	} {
		result := Parse(payload)
		assert.Equal(t, hcs.KindUnknown, result.Kind, "payload %s", payload)
		assert.Nil(t, result.Validated, "payload %s", payload)
	}
}

func TestParseMissingRequiredFieldLeavesValidatedNilButKindSet(t *testing.T) {
	// type is recognized but the schema's required agent_name is absent.
	payload := []byte(`{"type": "AGENT_INIT", "agent_id": "agent-1", "platform": "hedera", "timestamp": 1}`)
	result := Parse(payload)
	assert.Equal(t, hcs.KindAgentInit, result.Kind)
	assert.Nil(t, result.Validated)
	assert.NotNil(t, result.Decoded)
}
