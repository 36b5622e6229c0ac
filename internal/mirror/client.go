// Package mirror implements the historical REST client: paginated GETs
// against the mirror node for messages on a topic, beginning strictly
// after a cursor timestamp (spec §4.1).
package mirror

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/sawpanic/hcsindexer/infra/breakers"
	"github.com/sawpanic/hcsindexer/internal/hcs"
	"github.com/sawpanic/hcsindexer/internal/ingesterr"
)

const defaultLimit = 100
const requestTimeout = 30 * time.Second

// Message is a single historical message as returned by the mirror REST API.
type Message struct {
	TopicID               string
	ConsensusTimestamp    hcs.ConsensusTimestamp
	SequenceNumber        int64
	PayerAccountID        string
	PayloadBase64         string
	RunningHash           string
	RunningHashVersion    int
}

// Decode returns the raw payload bytes this message carries.
func (m Message) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.PayloadBase64)
}

// Client is a stateless, concurrency-safe REST client for the mirror's
// historical message API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *breakers.Breaker
	limiter    *rate.Limiter
}

// Config configures the mirror REST client.
type Config struct {
	BaseURL string
	// InterPageDelay paces successive fetch_next calls during backfill
	// (spec §6, default 100ms).
	InterPageDelay time.Duration
}

// New builds a mirror REST client wrapped in a circuit breaker so a wedged
// mirror node degrades with fast failures instead of hammering the host.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://mainnet-public.mirrornode.hedera.com"
	}
	if cfg.InterPageDelay <= 0 {
		cfg.InterPageDelay = 100 * time.Millisecond
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    20,
				IdleConnTimeout: 60 * time.Second,
			},
		},
		baseURL: cfg.BaseURL,
		breaker: breakers.New("mirror-rest", 30*time.Second),
		limiter: rate.NewLimiter(rate.Every(cfg.InterPageDelay), 1),
	}
}

type messagesResponse struct {
	Messages []struct {
		ConsensusTimestamp string `json:"consensus_timestamp"`
		TopicID            string `json:"topic_id"`
		Message            string `json:"message"`
		PayerAccountID     string `json:"payer_account_id"`
		SequenceNumber     int64  `json:"sequence_number"`
		RunningHash        string `json:"running_hash"`
		RunningHashVersion int    `json:"running_hash_version"`
	} `json:"messages"`
	Links struct {
		Next *string `json:"next"`
	} `json:"links"`
}

// FetchMessages fetches the first page of historical messages for a topic
// strictly after cursor (cursor may be empty for a cold backfill). Returns
// messages in ascending consensus order and an optional continuation URL.
func (c *Client) FetchMessages(ctx context.Context, topicID string, cursor hcs.ConsensusTimestamp, limit int) ([]Message, string, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", limit))
	if cursor != "" {
		q.Set("timestamp", "gt:"+string(cursor))
	}
	reqURL := fmt.Sprintf("%s/api/v1/topics/%s/messages?%s", c.baseURL, url.PathEscape(topicID), q.Encode())
	return c.fetch(ctx, reqURL)
}

// FetchNext follows a continuation URL verbatim.
func (c *Client) FetchNext(ctx context.Context, nextURL string) ([]Message, string, error) {
	full := nextURL
	if parsed, err := url.Parse(nextURL); err == nil && !parsed.IsAbs() {
		full = c.baseURL + nextURL
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", ingesterr.Transient(err)
	}
	return c.fetch(ctx, full)
}

func (c *Client) fetch(ctx context.Context, reqURL string) ([]Message, string, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.doFetch(ctx, reqURL)
	})
	if err != nil {
		if breakers.IsOpen(err) {
			return nil, "", ingesterr.Transient(err)
		}
		return nil, "", err
	}
	page := result.(fetchResult)
	return page.messages, page.next, nil
}

type fetchResult struct {
	messages []Message
	next     string
}

func (c *Client) doFetch(ctx context.Context, reqURL string) (fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fetchResult{}, fmt.Errorf("build mirror request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fetchResult{}, ingesterr.Transient(fmt.Errorf("mirror request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetchResult{}, ingesterr.Transient(fmt.Errorf("read mirror response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fetchResult{}, ingesterr.HTTPStatus(resp.StatusCode, fmt.Errorf("mirror returned %d: %s", resp.StatusCode, string(body)))
	}

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fetchResult{}, fmt.Errorf("decode mirror response: %w", err)
	}

	out := make([]Message, 0, len(parsed.Messages))
	for _, m := range parsed.Messages {
		out = append(out, Message{
			TopicID:            m.TopicID,
			ConsensusTimestamp: hcs.ConsensusTimestamp(m.ConsensusTimestamp),
			SequenceNumber:     m.SequenceNumber,
			PayerAccountID:     m.PayerAccountID,
			PayloadBase64:      m.Message,
			RunningHash:        m.RunningHash,
			RunningHashVersion: m.RunningHashVersion,
		})
	}

	next := ""
	if parsed.Links.Next != nil {
		next = *parsed.Links.Next
	}
	return fetchResult{messages: out, next: next}, nil
}
