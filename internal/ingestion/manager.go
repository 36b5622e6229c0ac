// Package ingestion implements the top-level Ingestion Manager: one Topic
// Supervisor per configured topic, runtime topic registration, and
// coordinated graceful shutdown (spec §4.6).
package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/hcsindexer/internal/metrics"
	"github.com/sawpanic/hcsindexer/internal/mirror"
	"github.com/sawpanic/hcsindexer/internal/projection"
	"github.com/sawpanic/hcsindexer/internal/pushsub"
	"github.com/sawpanic/hcsindexer/internal/supervisor"
)

// Factory builds the per-topic MirrorClient and PushSubscriber. The default
// factory shares a single mirror.Client across topics and builds a new
// pushsub.Subscriber for each topic, since a Subscriber holds at most one
// connection at a time.
type Factory interface {
	NewMirrorClient(topicID string) supervisor.MirrorClient
	NewPushSubscriber(topicID string) supervisor.PushSubscriber
}

// SharedFactory is the default Factory: one mirror client shared by every
// topic (it is stateless and concurrency-safe per spec §4.1) and one fresh
// Subscriber per topic (a push connection is inherently per-topic state).
type SharedFactory struct {
	Mirror      *mirror.Client
	PushBaseURL string
	Log         zerolog.Logger
}

func (f SharedFactory) NewMirrorClient(string) supervisor.MirrorClient { return f.Mirror }

func (f SharedFactory) NewPushSubscriber(string) supervisor.PushSubscriber {
	return pushsub.New(f.PushBaseURL, f.Log)
}

// Config configures the manager and is the default per-topic Supervisor
// configuration applied to every topic it creates.
type Config struct {
	BackfillPageSize int
	PollInterval     time.Duration
	MaxBackoff       time.Duration
	// ShutdownTimeout bounds how long Stop waits for supervisors to
	// quiesce before returning anyway (spec §5, default 10s).
	ShutdownTimeout time.Duration
}

// Manager holds one Supervisor per configured topic.
type Manager struct {
	cfg     Config
	factory Factory
	writer  *projection.Writer
	store   projection.Store
	metrics metrics.Sink
	log     zerolog.Logger

	mu         sync.Mutex
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	supervisors map[string]*trackedSupervisor
	pending     map[string]bool
}

type trackedSupervisor struct {
	sup  *supervisor.Supervisor
	done chan struct{}
}

// New builds an Ingestion Manager. The Store and Writer are shared by every
// topic's Supervisor: the database connection pool is the only shared
// mutable state (spec §5), and at-most-one Supervisor per topic is what
// keeps concurrent cursor advances from ever racing.
func New(cfg Config, factory Factory, writer *projection.Writer, store projection.Store, sink metrics.Sink, log zerolog.Logger) *Manager {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Manager{
		cfg:         cfg,
		factory:     factory,
		writer:      writer,
		store:       store,
		metrics:     sink,
		log:         log.With().Str("component", "ingestion_manager").Logger(),
		supervisors: make(map[string]*trackedSupervisor),
		pending:     make(map[string]bool),
	}
}

// Start creates and starts a Supervisor for each seed topic.
func (m *Manager) Start(ctx context.Context, topicIDs []string) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	pending := m.pending
	m.pending = make(map[string]bool)
	m.mu.Unlock()

	for t := range pending {
		m.addTopicLocked(t)
	}
	for _, t := range topicIDs {
		m.addTopicLocked(t)
	}
}

// AddTopic registers a new topic at runtime. If the manager is not yet
// running, the topic is recorded as pending and picked up by Start. Two
// concurrent calls for the same topic result in at most one Supervisor
// (spec §8 boundary behavior) because topic creation happens under the
// manager's mutex.
func (m *Manager) AddTopic(topicID string) {
	m.mu.Lock()
	if !m.running {
		m.pending[topicID] = true
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.addTopicLocked(topicID)
}

// addTopicLocked takes m.mu itself; callers never hold it first. The check
// against m.supervisors and the insert into it happen under the same lock
// acquisition so two concurrent calls for the same topic can never both
// observe "not present" (spec §8: at-most-one Supervisor per topic).
// Supervisor construction does no I/O, so holding the lock across it is
// cheap.
func (m *Manager) addTopicLocked(topicID string) {
	m.mu.Lock()
	if _, exists := m.supervisors[topicID]; exists {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	sup := supervisor.New(
		supervisor.Config{
			TopicID:          topicID,
			BackfillPageSize: m.cfg.BackfillPageSize,
			PollInterval:     m.cfg.PollInterval,
			MaxBackoff:       m.cfg.MaxBackoff,
		},
		m.factory.NewMirrorClient(topicID),
		m.factory.NewPushSubscriber(topicID),
		m.writer,
		m.store,
		m.metrics,
		m.log,
	)
	done := make(chan struct{})
	m.supervisors[topicID] = &trackedSupervisor{sup: sup, done: done}
	m.mu.Unlock()

	go func() {
		defer close(done)
		sup.Start(ctx)
	}()
}

// Stop signals every Supervisor, cancels pending reconnect timers (via
// context cancellation), and waits for in-flight message processing to
// finish, up to ShutdownTimeout. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	supervisors := make([]*trackedSupervisor, 0, len(m.supervisors))
	for _, ts := range m.supervisors {
		supervisors = append(supervisors, ts)
	}
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	stopped := make(chan struct{})
	go func() {
		for _, ts := range supervisors {
			ts.sup.Stop()
			<-ts.done
		}
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(m.cfg.ShutdownTimeout):
		m.log.Warn().Msg("graceful shutdown budget exceeded, returning anyway")
	}
}

// Status returns a snapshot of every tracked topic's supervisor status.
func (m *Manager) Status() map[string]supervisor.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]supervisor.Status, len(m.supervisors))
	for topicID, ts := range m.supervisors {
		out[topicID] = ts.sup.Status()
	}
	return out
}
