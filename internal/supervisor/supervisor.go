// Package supervisor implements the per-topic ingestion state machine of
// spec §4.5: backfill to completion, then hand off to the live push
// subscriber, reconnecting with exponential backoff on failure.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/hcsindexer/internal/hcs"
	"github.com/sawpanic/hcsindexer/internal/ingesterr"
	"github.com/sawpanic/hcsindexer/internal/metrics"
	"github.com/sawpanic/hcsindexer/internal/mirror"
	"github.com/sawpanic/hcsindexer/internal/parser"
	"github.com/sawpanic/hcsindexer/internal/projection"
	"github.com/sawpanic/hcsindexer/internal/pushsub"
)

// State is one of the four states of the per-topic state machine.
type State string

const (
	StateIdle          State = "idle"
	StateBackfilling   State = "backfilling"
	StateStreaming     State = "streaming"
	StateReconnecting  State = "reconnecting"
)

// Status is the read-only snapshot exposed to observability and tests
// (spec §4.5 "Observability"). The supervisor's goroutine updates the
// record under the Supervisor's mutex, and Supervisor.Status returns a copy
// taken under the same mutex; it is not produced by message passing.
type Status struct {
	TopicID           string
	State             State
	ReconnectAttempts int
	LastErrorMessage  string
	LastUpdated       time.Time
}

// MirrorClient is the subset of the REST client the supervisor drives.
type MirrorClient interface {
	FetchMessages(ctx context.Context, topicID string, cursor hcs.ConsensusTimestamp, limit int) ([]mirror.Message, string, error)
	FetchNext(ctx context.Context, nextURL string) ([]mirror.Message, string, error)
}

// PushSubscriber is the subset of the push subscriber the supervisor drives.
type PushSubscriber interface {
	Subscribe(ctx context.Context, topicID string, lastSeen hcs.ConsensusTimestamp, onMessage pushsub.OnMessage, onError pushsub.OnError) error
	Stop()
}

// Config configures one Supervisor instance.
type Config struct {
	TopicID          string
	BackfillPageSize int           // default 100
	PollInterval     time.Duration // default 5s, min 1s; the state machine does not read it (after backfill it streams, it does not poll)
	MaxBackoff       time.Duration // default 60s
}

// Supervisor runs the state machine for exactly one topic.
type Supervisor struct {
	cfg     Config
	mirror  MirrorClient
	push    PushSubscriber
	writer  *projection.Writer
	store   projection.Store
	metrics metrics.Sink
	log     zerolog.Logger

	mu       sync.Mutex
	status   Status
	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a Supervisor for one topic.
func New(cfg Config, mc MirrorClient, ps PushSubscriber, writer *projection.Writer, store projection.Store, sink metrics.Sink, log zerolog.Logger) *Supervisor {
	if cfg.BackfillPageSize <= 0 {
		cfg.BackfillPageSize = 100
	}
	if cfg.PollInterval < time.Second {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Supervisor{
		cfg:     cfg,
		mirror:  mc,
		push:    ps,
		writer:  writer,
		store:   store,
		metrics: sink,
		log:     log.With().Str("topic_id", cfg.TopicID).Logger(),
		status:  Status{TopicID: cfg.TopicID, State: StateIdle, LastUpdated: time.Now()},
		stopCh:  make(chan struct{}),
	}
}

// Status returns a point-in-time snapshot; safe for concurrent callers.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) setState(state State, errMsg string) {
	s.mu.Lock()
	s.status.State = state
	s.status.LastErrorMessage = errMsg
	s.status.LastUpdated = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) incrementAttempts() int {
	s.mu.Lock()
	s.status.ReconnectAttempts++
	n := s.status.ReconnectAttempts
	s.mu.Unlock()
	return n
}

func (s *Supervisor) resetAttempts() {
	s.mu.Lock()
	s.status.ReconnectAttempts = 0
	s.mu.Unlock()
}

// Start runs the supervisor loop until Stop is called or ctx is cancelled.
// It blocks; callers run it in its own goroutine (one per topic, §5).
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.wg.Add(1)
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateIdle, "")
			return
		case <-s.stopCh:
			s.setState(StateIdle, "")
			return
		default:
		}

		s.setState(StateBackfilling, "")
		err := s.runBackfill(ctx)
		if err != nil {
			s.enterReconnecting(ctx, err)
			continue
		}
		s.resetAttempts()

		s.setState(StateStreaming, "")
		err = s.runStreaming(ctx)
		if err != nil {
			s.enterReconnecting(ctx, err)
			continue
		}
		// runStreaming only returns nil on cooperative stop.
		s.setState(StateIdle, "")
		return
	}
}

// Stop signals graceful shutdown and waits for the in-flight message unit
// (if any) to finish its transaction before returning.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.push.Stop()
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// enterReconnecting schedules the next attempt per the backoff formula in
// spec §4.5: min(60_000, 1000 * 2^(attempts-1)) ms.
func (s *Supervisor) enterReconnecting(ctx context.Context, cause error) {
	attempts := s.incrementAttempts()
	s.metrics.ReconnectAttempt(s.cfg.TopicID)
	delay := backoffDelay(attempts, s.cfg.MaxBackoff)

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.setState(StateReconnecting, msg)
	s.log.Warn().Err(cause).Int("attempt", attempts).Dur("delay", delay).Msg("ingestion reconnecting")

	select {
	case <-ctx.Done():
	case <-s.stopCh:
	case <-time.After(delay):
	}
}

func backoffDelay(attempts int, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	millis := int64(1000)
	for i := 1; i < attempts; i++ {
		millis *= 2
		if millis >= max.Milliseconds() {
			return max
		}
	}
	d := time.Duration(millis) * time.Millisecond
	if d > max {
		return max
	}
	return d
}

// runBackfill loops fetch_messages/fetch_next until exhausted, processing
// each page through the parser and projection writer in order.
func (s *Supervisor) runBackfill(ctx context.Context) error {
	cursor, _, err := s.store.CursorFor(ctx, s.cfg.TopicID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	passID := uuid.NewString()
	s.log.Info().Str("pass_id", passID).Str("from", string(cursor.LastTimestamp)).Msg("backfill pass starting")

	messages, nextURL, err := s.mirror.FetchMessages(ctx, s.cfg.TopicID, cursor.LastTimestamp, s.cfg.BackfillPageSize)
	if err != nil {
		return err
	}
	s.metrics.BackfillPage(s.cfg.TopicID)

	for {
		if s.stopRequested() {
			return nil
		}
		if err := s.processPage(ctx, messages); err != nil {
			return err
		}
		if nextURL == "" {
			break
		}
		if s.stopRequested() {
			return nil
		}
		messages, nextURL, err = s.mirror.FetchNext(ctx, nextURL)
		if err != nil {
			return err
		}
		s.metrics.BackfillPage(s.cfg.TopicID)
	}

	s.log.Info().Str("pass_id", passID).Msg("backfill pass complete")
	return nil
}

func (s *Supervisor) processPage(ctx context.Context, messages []mirror.Message) error {
	for _, m := range messages {
		if s.stopRequested() {
			return nil
		}
		payload, err := m.Decode()
		raw := hcs.RawMessage{
			TopicID:            m.TopicID,
			ConsensusTimestamp: m.ConsensusTimestamp,
			SequenceNumber:     m.SequenceNumber,
			Payer:              m.PayerAccountID,
			PayloadBytes:       payload,
		}
		var result parser.Result
		if err == nil {
			result = parser.Parse(payload)
		}
		// A non-base64 payload still produces a substrate row with
		// decoded_payload absent (spec §8 boundary behavior); it is not a
		// supervisor-level error.
		//
		// context.WithoutCancel detaches the projection write from the
		// supervisor's cancelable context: Stop() must let an in-flight
		// transaction finish (§5) rather than aborting it mid-commit.
		applyCtx := context.WithoutCancel(ctx)
		if applyErr := s.writer.Apply(applyCtx, raw, result, time.Now()); applyErr != nil {
			return applyErr
		}
	}
	return nil
}

// runStreaming starts the push subscription from the current cursor and
// processes messages synchronously as they arrive, which is what
// propagates backpressure into the stream (§5). Returns nil only when
// stop was requested cooperatively; any subscriber error returns non-nil.
func (s *Supervisor) runStreaming(ctx context.Context) error {
	cursor, _, err := s.store.CursorFor(ctx, s.cfg.TopicID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	errCh := make(chan error, 1)
	onMessage := func(raw hcs.RawMessage) {
		result := parser.Parse(raw.PayloadBytes)
		applyCtx := context.WithoutCancel(ctx)
		if applyErr := s.writer.Apply(applyCtx, raw, result, time.Now()); applyErr != nil {
			select {
			case errCh <- applyErr:
			default:
			}
		}
	}
	onError := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	if err := s.push.Subscribe(ctx, s.cfg.TopicID, cursor.LastTimestamp, onMessage, onError); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.push.Stop()
		return nil
	case <-s.stopCh:
		s.push.Stop()
		return nil
	case err := <-errCh:
		s.push.Stop()
		return ingesterr.Transient(err)
	}
}
