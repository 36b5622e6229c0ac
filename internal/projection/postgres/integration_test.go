//go:build integration

package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sawpanic/hcsindexer/internal/hcs"
	"github.com/sawpanic/hcsindexer/internal/projection"
)

// newIntegrationStore spins up a disposable Postgres container, applies
// schema.sql, and returns a Store wired against it. Skipped unless the
// "integration" build tag is set, since it needs a Docker daemon.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("hcsindexer_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sqlx.Connect("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	schema, err := os.ReadFile(schemaPath(t))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, string(schema))
	require.NoError(t, err)

	return New(db, 10*time.Second)
}

func schemaPath(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(thisFile), "schema.sql")
}

func TestIntegrationApplyIsExactlyOncePerSequenceNumber(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now()

	unit := projection.Unit{
		Substrate: projection.SubstrateRecord{
			TopicID:            "0.0.500",
			ConsensusTimestamp: hcs.NewConsensusTimestamp(1700000000, 0),
			SequenceNumber:     1,
			RawPayloadBase64:   "eyJ0eXBlIjoiQUdFTlRfSU5JVCJ9",
			CreatedAt:          now,
		},
		AgentUpsert: &projection.AgentUpsert{
			AgentID:   "agent-int-1",
			AgentName: "scout",
			Platform:  "hedera",
			Now:       now,
		},
		Cursor: hcs.Cursor{
			TopicID:            "0.0.500",
			LastTimestamp:      hcs.NewConsensusTimestamp(1700000000, 0),
			LastSequenceNumber: 1,
			UpdatedAt:          now,
		},
	}

	require.NoError(t, store.Apply(ctx, unit))
	// A redelivery of the same (topic_id, sequence_number) must not error
	// and must not double-apply the projection (exactly-once per §5).
	require.NoError(t, store.Apply(ctx, unit))

	cursor, ok, err := store.CursorFor(ctx, "0.0.500")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), cursor.LastSequenceNumber)

	var agentCount int
	require.NoError(t, store.db.GetContext(ctx, &agentCount, "SELECT count(*) FROM agents WHERE agent_id = $1", "agent-int-1"))
	require.Equal(t, 1, agentCount)

	var messageCount int
	require.NoError(t, store.db.GetContext(ctx, &messageCount, "SELECT count(*) FROM hcs_messages WHERE topic_id = $1 AND sequence_number = $2", "0.0.500", 1))
	require.Equal(t, 1, messageCount)
}

func TestIntegrationQuarantineAdvancesCursorPastPoisonMessage(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now()

	raw := projection.SubstrateRecord{
		TopicID:            "0.0.501",
		ConsensusTimestamp: hcs.NewConsensusTimestamp(1700000001, 0),
		SequenceNumber:     7,
		RawPayloadBase64:   "Zm9v",
		CreatedAt:          now,
	}
	cursor := hcs.Cursor{
		TopicID:            "0.0.501",
		LastTimestamp:      raw.ConsensusTimestamp,
		LastSequenceNumber: raw.SequenceNumber,
		UpdatedAt:          now,
	}

	require.NoError(t, store.Quarantine(ctx, raw, cursor, errors.New("poison payload"), now))

	got, ok, err := store.CursorFor(ctx, "0.0.501")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7), got.LastSequenceNumber)
}
