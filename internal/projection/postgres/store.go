// Package postgres implements projection.Store against PostgreSQL using
// sqlx and lib/pq: one *sqlx.DB, explicit transactions, pq error-code
// inspection for conflict handling.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/hcsindexer/internal/hcs"
	"github.com/sawpanic/hcsindexer/internal/projection"
)

const uniqueViolation = "23505"

// Store is the Postgres-backed projection.Store.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New wraps an already-open *sqlx.DB. Open a connection with
// sqlx.Open("postgres", dsn) (lib/pq driver) before constructing this.
func New(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// Apply performs the insert+project+advance-cursor sequence as one
// transaction; the cursor update is always the last statement per §4.4.
func (s *Store) Apply(ctx context.Context, u projection.Unit) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin projection tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertSubstrate(ctx, tx, u.Substrate); err != nil {
		return fmt.Errorf("insert substrate record: %w", err)
	}

	switch {
	case u.AgentUpsert != nil:
		if err := upsertAgent(ctx, tx, *u.AgentUpsert); err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
	case u.AgentEventAppend != nil:
		if err := appendAgentEvent(ctx, tx, *u.AgentEventAppend); err != nil {
			return fmt.Errorf("append agent event: %w", err)
		}
		if err := touchAgentLastSeen(ctx, tx, u.AgentEventAppend.AgentID); err != nil {
			return fmt.Errorf("touch agent last_seen: %w", err)
		}
	case u.RentalInitiate != nil:
		if err := insertRentalInitiated(ctx, tx, *u.RentalInitiate); err != nil {
			return fmt.Errorf("insert rental initiated: %w", err)
		}
	case u.RentalComplete != nil:
		if err := completeRental(ctx, tx, *u.RentalComplete); err != nil {
			return fmt.Errorf("complete rental: %w", err)
		}
	case u.CommsAppend != nil:
		if err := appendComms(ctx, tx, *u.CommsAppend); err != nil {
			return fmt.Errorf("append comms: %w", err)
		}
	}

	if err := upsertCursor(ctx, tx, u.Cursor); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	return tx.Commit()
}

// CursorFor returns the current cursor for a topic.
func (s *Store) CursorFor(ctx context.Context, topicID string) (hcs.Cursor, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row struct {
		TopicID       string    `db:"topic_id"`
		LastTimestamp string    `db:"last_timestamp"`
		LastSeq       int64     `db:"last_sequence_number"`
		UpdatedAt     time.Time `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT topic_id, last_timestamp, last_sequence_number, updated_at
		FROM sync_cursors WHERE topic_id = $1`, topicID)
	if err == sql.ErrNoRows {
		return hcs.Cursor{}, false, nil
	}
	if err != nil {
		return hcs.Cursor{}, false, fmt.Errorf("load cursor: %w", err)
	}
	return hcs.Cursor{
		TopicID:            row.TopicID,
		LastTimestamp:      hcs.ConsensusTimestamp(row.LastTimestamp),
		LastSequenceNumber: row.LastSeq,
		UpdatedAt:          row.UpdatedAt,
	}, true, nil
}

func insertSubstrate(ctx context.Context, tx *sqlx.Tx, r projection.SubstrateRecord) error {
	var decoded any
	if r.DecodedPayload != nil {
		decoded = json.RawMessage(r.DecodedPayload)
	}
	var kind any
	if r.MessageKind != "" {
		kind = r.MessageKind
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO hcs_messages
			(topic_id, consensus_timestamp, sequence_number, payer_account_id,
			 message_base64, decoded_json, message_type, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
		ON CONFLICT (topic_id, sequence_number) DO NOTHING`,
		r.TopicID, string(r.ConsensusTimestamp), r.SequenceNumber, r.Payer,
		r.RawPayloadBase64, decoded, kind, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return err
	}
	return nil
}

func upsertCursor(ctx context.Context, tx *sqlx.Tx, c hcs.Cursor) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_cursors (topic_id, last_timestamp, last_sequence_number, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (topic_id) DO UPDATE SET
			last_timestamp = EXCLUDED.last_timestamp,
			last_sequence_number = EXCLUDED.last_sequence_number,
			updated_at = EXCLUDED.updated_at
		WHERE sync_cursors.last_sequence_number < EXCLUDED.last_sequence_number`,
		c.TopicID, string(c.LastTimestamp), c.LastSequenceNumber, c.UpdatedAt)
	return err
}

func upsertAgent(ctx context.Context, tx *sqlx.Tx, a projection.AgentUpsert) error {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents
			(agent_id, agent_name, platform, version, operating_account,
			 first_seen_at, last_seen_at, metadata)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			agent_name = EXCLUDED.agent_name,
			platform = EXCLUDED.platform,
			version = COALESCE(EXCLUDED.version, agents.version),
			operating_account = COALESCE(EXCLUDED.operating_account, agents.operating_account),
			metadata = EXCLUDED.metadata,
			last_seen_at = EXCLUDED.last_seen_at`,
		a.AgentID, a.AgentName, a.Platform, a.Version, a.OperatingAccount, a.Now, metadata)
	return err
}

func touchAgentLastSeen(ctx context.Context, tx *sqlx.Tx, agentID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE agents SET last_seen_at = now() WHERE agent_id = $1`, agentID)
	return err
}

func appendAgentEvent(ctx context.Context, tx *sqlx.Tx, e projection.AgentEventAppend) error {
	action, err := json.Marshal(e.Action)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_events
			(agent_id, event_type, session_key, transaction_id, transaction_type,
			 action, reasoning, details, previous_hash, timestamp,
			 consensus_timestamp, raw_data, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''),
			$6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10,
			$11, $12, now())`,
		e.AgentID, e.EventType, e.SessionKey, e.TransactionID, e.TransactionType,
		action, e.Reasoning, e.Details, e.PreviousHash, e.Timestamp,
		string(e.ConsensusTimestamp), e.RawData)
	return err
}

func insertRentalInitiated(ctx context.Context, tx *sqlx.Tx, r projection.RentalInitiate) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rentals
			(rental_id, agent_id, renter, escrow_account, stake_usd, buffer_usd,
			 status, initiated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'initiated', $7, now(), now())
		ON CONFLICT (rental_id) DO NOTHING`,
		r.RentalID, r.AgentID, r.Renter, r.EscrowAccount,
		r.StakeUSD.StringFixed(2), r.BufferUSD.StringFixed(2), r.InitiatedAt)
	return err
}

func completeRental(ctx context.Context, tx *sqlx.Tx, r projection.RentalComplete) error {
	settlement, err := json.Marshal(map[string]string{
		"owner":    r.Settlement["owner"].StringFixed(2),
		"creator":  r.Settlement["creator"].StringFixed(2),
		"network":  r.Settlement["network"].StringFixed(2),
		"treasury": r.Settlement["treasury"].StringFixed(2),
	})
	if err != nil {
		return err
	}
	// No-op if no matching rental_id: the initiation may arrive later in a
	// different backfill window (§4.4); the cursor still advances because
	// this is a statement inside the caller's transaction, not a failure.
	_, err = tx.ExecContext(ctx, `
		UPDATE rentals SET
			status = 'completed',
			total_cost_usd = $2,
			settlement = $3,
			completed_at = $4,
			updated_at = $5
		WHERE rental_id = $1`,
		r.RentalID, r.TotalCostUSD.StringFixed(2), settlement, r.CompletedAt, r.Now)
	return err
}

func appendComms(ctx context.Context, tx *sqlx.Tx, c projection.CommsAppend) error {
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_comms
			(topic_id, from_agent, to_agent, text, timestamp, consensus_timestamp,
			 metadata, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, now())`,
		c.TopicID, c.FromAgent, c.ToAgent, c.Text, c.Timestamp, string(c.ConsensusTimestamp), metadata)
	return err
}

// RecordFailure upserts a (topic_id, sequence_number) failure counter and
// returns the new consecutive-attempt count.
func (s *Store) RecordFailure(ctx context.Context, topicID string, seq int64, cause error) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var attempts int
	err := s.db.GetContext(ctx, &attempts, `
		INSERT INTO message_failures (topic_id, sequence_number, attempts, last_error, updated_at)
		VALUES ($1, $2, 1, $3, now())
		ON CONFLICT (topic_id, sequence_number) DO UPDATE SET
			attempts = message_failures.attempts + 1,
			last_error = EXCLUDED.last_error,
			updated_at = now()
		RETURNING attempts`,
		topicID, seq, errString(cause))
	if err != nil {
		return 0, fmt.Errorf("record projection failure: %w", err)
	}
	return attempts, nil
}

// Quarantine sets a poison message aside in one transaction: substrate
// insert, quarantine marker, cursor advance past it, failure-count cleared.
func (s *Store) Quarantine(ctx context.Context, r projection.SubstrateRecord, cursor hcs.Cursor, cause error, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin quarantine tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertSubstrate(ctx, tx, r); err != nil {
		return fmt.Errorf("insert substrate record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO quarantined_messages
			(topic_id, sequence_number, consensus_timestamp, last_error, quarantined_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (topic_id, sequence_number) DO NOTHING`,
		r.TopicID, r.SequenceNumber, string(r.ConsensusTimestamp), errString(cause), now)
	if err != nil {
		return fmt.Errorf("insert quarantine record: %w", err)
	}

	if err := upsertCursor(ctx, tx, cursor); err != nil {
		return fmt.Errorf("advance cursor past quarantined message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM message_failures WHERE topic_id = $1 AND sequence_number = $2`,
		r.TopicID, r.SequenceNumber); err != nil {
		return fmt.Errorf("clear failure count: %w", err)
	}

	return tx.Commit()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == uniqueViolation
	}
	return false
}
