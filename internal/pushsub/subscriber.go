// Package pushsub implements the live streaming subscription: a
// long-lived connection delivering every message at consensus_timestamp
// > start to a handler, in order, until stopped (spec §4.2).
package pushsub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/hcsindexer/internal/hcs"
	"github.com/sawpanic/hcsindexer/internal/ingesterr"
)

// frame is a single push-delivered message as framed on the wire.
type frame struct {
	TopicID            string `json:"topic_id"`
	ConsensusTimestamp string `json:"consensus_timestamp"`
	SequenceNumber     int64  `json:"sequence_number"`
	Contents           string `json:"contents"` // base64
}

// OnMessage is invoked for each delivered message, in order. The call is
// synchronous: the subscriber does not read the next frame until it
// returns, which is what propagates backpressure to the stream (§5).
type OnMessage func(hcs.RawMessage)

// OnError is invoked exactly once on terminal failure.
type OnError func(error)

// Subscriber maintains one live push connection at a time.
type Subscriber struct {
	baseURL string
	dialer  *websocket.Dialer
	log     zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	stopCh chan struct{}
	closed bool
}

// New builds a push subscriber pointed at the substrate's streaming
// endpoint base URL (e.g. "wss://mirror.example.com/api/v1/topics").
func New(baseURL string, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		baseURL: baseURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
		log: log.With().Str("component", "pushsub").Logger(),
	}
}

// Subscribe establishes the connection and starts delivering messages.
// lastSeen is the cursor's last materialized consensus timestamp (empty
// for a subscription that should start from the beginning of the stream).
// Per §4.2, providers are inconsistent about whether their "start" bound
// is inclusive or exclusive of the exact value given, so Subscribe always
// adds one nanosecond before dialing to guarantee the last-seen message is
// not redelivered.
func (s *Subscriber) Subscribe(ctx context.Context, topicID string, lastSeen hcs.ConsensusTimestamp, onMessage OnMessage, onError OnError) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("subscriber already connected")
	}

	start := lastSeen
	if start != "" {
		shifted, err := start.PlusNanos(1)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("push subscribe start timestamp: %w", err)
		}
		start = shifted
	}

	q := url.Values{}
	if start != "" {
		q.Set("timestamp", "gt:"+string(start))
	}
	target := fmt.Sprintf("%s/%s/messages/sub?%s", s.baseURL, url.PathEscape(topicID), q.Encode())

	conn, _, err := s.dialer.DialContext(ctx, target, nil)
	if err != nil {
		s.mu.Unlock()
		return ingesterr.Transient(fmt.Errorf("push subscribe dial: %w", err))
	}

	s.conn = conn
	s.stopCh = make(chan struct{})
	s.closed = false
	s.mu.Unlock()

	s.log.Info().Str("topic_id", topicID).Str("start", string(start)).Msg("push subscription established")

	go s.readLoop(topicID, onMessage, onError)
	return nil
}

func (s *Subscriber) readLoop(topicID string, onMessage OnMessage, onError OnError) {
	for {
		s.mu.Lock()
		conn := s.conn
		stopCh := s.stopCh
		s.mu.Unlock()
		if conn == nil {
			return
		}

		select {
		case <-stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopCh:
				// Stop() already closed the connection; this is not a
				// terminal failure to report.
				return
			default:
			}
			onError(ingesterr.Transient(fmt.Errorf("push read: %w", err)))
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			onError(fmt.Errorf("push frame decode: %w", err))
			return
		}
		payload, err := base64.StdEncoding.DecodeString(f.Contents)
		if err != nil {
			onError(fmt.Errorf("push frame payload decode: %w", err))
			return
		}

		onMessage(hcs.RawMessage{
			TopicID:            topicID,
			ConsensusTimestamp: hcs.ConsensusTimestamp(f.ConsensusTimestamp),
			SequenceNumber:     f.SequenceNumber,
			PayloadBytes:       payload,
		})
	}
}

// Stop is idempotent; after it returns, no further callbacks occur.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.stopCh != nil {
		close(s.stopCh)
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
