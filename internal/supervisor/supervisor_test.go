package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/hcsindexer/internal/hcs"
	"github.com/sawpanic/hcsindexer/internal/metrics"
	"github.com/sawpanic/hcsindexer/internal/mirror"
	"github.com/sawpanic/hcsindexer/internal/projection"
	"github.com/sawpanic/hcsindexer/internal/pushsub"
)

func TestBackoffDelayFormula(t *testing.T) {
	max := 60 * time.Second
	assert.Equal(t, 1*time.Second, backoffDelay(1, max))
	assert.Equal(t, 2*time.Second, backoffDelay(2, max))
	assert.Equal(t, 4*time.Second, backoffDelay(3, max))
	assert.Equal(t, 32*time.Second, backoffDelay(6, max))
	assert.Equal(t, 60*time.Second, backoffDelay(7, max)) // 64s capped to 60s
	assert.Equal(t, 60*time.Second, backoffDelay(20, max))
}

func TestBackoffDelayRespectsSmallerMax(t *testing.T) {
	max := 5 * time.Second
	assert.Equal(t, 1*time.Second, backoffDelay(1, max))
	assert.Equal(t, 4*time.Second, backoffDelay(3, max))
	assert.Equal(t, 5*time.Second, backoffDelay(4, max)) // 8s capped to 5s
}

// fakeMirror fails the first errBudget calls, then serves its page of
// messages once, then serves empty pages (backfill-complete).
type fakeMirror struct {
	mu        sync.Mutex
	page      []mirror.Message
	errBudget int
	fetched   int
}

func (f *fakeMirror) FetchMessages(ctx context.Context, topicID string, cursor hcs.ConsensusTimestamp, limit int) ([]mirror.Message, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched++
	if f.errBudget > 0 {
		f.errBudget--
		return nil, "", assertErr
	}
	page := f.page
	f.page = nil
	return page, "", nil
}

func (f *fakeMirror) FetchNext(ctx context.Context, nextURL string) ([]mirror.Message, string, error) {
	return nil, "", nil
}

var assertErr = context.DeadlineExceeded

// fakePush immediately returns nil from Subscribe and never calls back,
// simulating a live stream that just waits for context cancellation.
type fakePush struct {
	mu        sync.Mutex
	stopped   bool
	subscribe func(ctx context.Context, topicID string, lastSeen hcs.ConsensusTimestamp, onMessage pushsub.OnMessage, onError pushsub.OnError) error
}

func (f *fakePush) Subscribe(ctx context.Context, topicID string, lastSeen hcs.ConsensusTimestamp, onMessage pushsub.OnMessage, onError pushsub.OnError) error {
	if f.subscribe != nil {
		return f.subscribe(ctx, topicID, lastSeen, onMessage, onError)
	}
	return nil
}

func (f *fakePush) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

// fakeStore is an in-memory projection.Store sufficient for supervisor tests.
type fakeStore struct {
	mu      sync.Mutex
	applied []projection.Unit
	cursor  hcs.Cursor
	hasCur  bool
}

func (s *fakeStore) Apply(ctx context.Context, u projection.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, u)
	s.cursor = u.Cursor
	s.hasCur = true
	return nil
}

func (s *fakeStore) CursorFor(ctx context.Context, topicID string) (hcs.Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, s.hasCur, nil
}

func (s *fakeStore) RecordFailure(ctx context.Context, topicID string, seq int64, cause error) (int, error) {
	return 0, nil
}

func (s *fakeStore) Quarantine(ctx context.Context, r projection.SubstrateRecord, cursor hcs.Cursor, cause error, now time.Time) error {
	return nil
}

func TestSupervisorBackfillsThenStreamsThenStopsGracefully(t *testing.T) {
	store := &fakeStore{}
	writer := projection.NewWriter(store, metrics.Noop{}, zerolog.Nop())
	mc := &fakeMirror{page: []mirror.Message{
		{TopicID: "0.0.100", ConsensusTimestamp: hcs.NewConsensusTimestamp(1, 0), SequenceNumber: 1, PayloadBase64: "eyJmcm9tIjoiYSJ9"},
	}}
	subscribed := make(chan struct{})
	ps := &fakePush{subscribe: func(ctx context.Context, topicID string, lastSeen hcs.ConsensusTimestamp, onMessage pushsub.OnMessage, onError pushsub.OnError) error {
		close(subscribed)
		return nil
	}}

	sup := New(Config{TopicID: "0.0.100", MaxBackoff: 50 * time.Millisecond}, mc, ps, writer, store, metrics.Noop{}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		sup.Start(context.Background())
		close(done)
	}()

	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for streaming to start")
	}

	require.Eventually(t, func() bool {
		return sup.Status().State == StateStreaming
	}, time.Second, 10*time.Millisecond)

	sup.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	assert.Equal(t, StateIdle, sup.Status().State)
	assert.Len(t, store.applied, 1)
}

func TestSupervisorReconnectsOnBackfillErrorThenRecovers(t *testing.T) {
	store := &fakeStore{}
	writer := projection.NewWriter(store, metrics.Noop{}, zerolog.Nop())
	mc := &fakeMirror{errBudget: 2, page: nil}
	ps := &fakePush{}

	sup := New(Config{TopicID: "0.0.200", MaxBackoff: 20 * time.Millisecond}, mc, ps, writer, store, metrics.Noop{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return sup.Status().ReconnectAttempts >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// Once the error budget is spent the next backfill pass succeeds,
	// attempts reset to 0, and the supervisor hands off to streaming.
	require.Eventually(t, func() bool {
		st := sup.Status()
		return st.State == StateStreaming && st.ReconnectAttempts == 0
	}, 2*time.Second, 5*time.Millisecond)

	sup.Stop()
	<-done
}
