package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/steveyegge/mend/internal/debug"
	"github.com/steveyegge/mend/internal/flow"
)

const (
	defaultClientTimeout  = 30 * time.Second
	defaultDialMaxElapsed = 10 * time.Second
)

// Client talks to a mend server over WebSocket. Calls are safe for
// concurrent use; responses are matched to requests by id.
type Client struct {
	conn    *websocket.Conn
	url     string
	timeout time.Duration

	dialMaxElapsed time.Duration

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan []byte

	events    chan EventMessage
	closed    chan struct{}
	closeOnce sync.Once
	readErr   error
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDialMaxElapsed bounds how long Dial keeps retrying.
func WithDialMaxElapsed(d time.Duration) ClientOption {
	return func(c *Client) { c.dialMaxElapsed = d }
}

// WebSocketURL converts an http(s) base URL into the command endpoint URL.
func WebSocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	if !strings.HasSuffix(u, WebSocketPath) {
		u += WebSocketPath
	}
	return u
}

func newDialBackoff(maxElapsed time.Duration) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed
	return bo
}

// Dial connects to the server at baseURL (e.g. "http://localhost:8765"),
// retrying with exponential backoff while the server is coming up.
func Dial(ctx context.Context, baseURL string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:            WebSocketURL(baseURL),
		timeout:        defaultClientTimeout,
		dialMaxElapsed: defaultDialMaxElapsed,
		pending:        make(map[int64]chan []byte),
		events:         make(chan EventMessage, 64),
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if _, err := url.Parse(c.url); err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		debug.Logf("dial %s (attempt %d)", c.url, attempt)
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			// Anything but "not there yet" or "full" will not improve.
			if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
				return backoff.Permanent(fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err))
			}
			return err
		}
		c.conn = conn
		return nil
	}, backoff.WithContext(newDialBackoff(c.dialMaxElapsed), ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrServerUnavailable, c.url, err)
	}

	go c.readLoop()
	return c, nil
}

// Close closes the connection. Pending calls fail.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	<-c.closed
	return err
}

// Events delivers messages of active subscriptions. It is closed when the
// connection ends.
func (c *Client) Events() <-chan EventMessage {
	return c.events
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		close(c.events)
		close(c.closed)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			debug.Logf("read loop ended: %v", err)
			return
		}

		var envelope struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			debug.Logf("ignoring malformed message: %v", err)
			continue
		}

		if envelope.Type == MsgEvent {
			var ev EventMessage
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			select {
			case c.events <- ev:
			default:
				debug.Logf("dropping event for subscription %d: nobody is reading", ev.ID)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[envelope.ID]
		delete(c.pending, envelope.ID)
		c.mu.Unlock()
		if ok {
			ch <- data
		}
	}
}

// call sends req with a fresh id and waits for the matching reply.
func (c *Client) call(ctx context.Context, req *Request) ([]byte, error) {
	req.ID = c.nextID.Add(1)
	ch := make(chan []byte, 1)

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: connection closed", ErrServerUnavailable)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, req.ID)
		}
		c.mu.Unlock()
	}

	data, err := json.Marshal(req)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to send %s: %w", req.Type, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("%s: no reply after %s", req.Type, c.timeout)
	case <-c.closed:
		return nil, fmt.Errorf("%w: connection closed: %v", ErrServerUnavailable, c.readErr)
	}
}

// Execute sends req and decodes a result response. A failed command is
// returned as *CommandError.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	reply, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !resp.Success {
		if resp.Error == nil {
			return &resp, &CommandError{Code: CodeUnknownError, Message: "command failed"}
		}
		return &resp, &CommandError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return &resp, nil
}

// Ping checks the connection round trip.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.call(ctx, &Request{Type: CmdPing})
	if err != nil {
		return err
	}
	var pong Pong
	if err := json.Unmarshal(reply, &pong); err != nil {
		return fmt.Errorf("failed to decode pong: %w", err)
	}
	if pong.Type != MsgPong {
		return fmt.Errorf("unexpected reply to ping: %q", pong.Type)
	}
	return nil
}

// ListIssues returns every registered issue.
func (c *Client) ListIssues(ctx context.Context) ([]IssueView, error) {
	resp, err := c.Execute(ctx, &Request{Type: CmdListIssues})
	if err != nil {
		return nil, err
	}
	var result ListIssuesResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode issues: %w", err)
	}
	return result.Issues, nil
}

// DismissIssue dismisses an issue.
func (c *Client) DismissIssue(ctx context.Context, domain, issueID string) error {
	_, err := c.Execute(ctx, &Request{Type: CmdDismissIssue, Domain: domain, IssueID: issueID})
	return err
}

// FixIssue starts a fix flow.
func (c *Client) FixIssue(ctx context.Context, domain, issueID string) (flow.Result, error) {
	return c.flowCall(ctx, &Request{Type: CmdFixIssue, Domain: domain, IssueID: issueID})
}

// FixIssueConfirm submits input to a fix flow.
func (c *Client) FixIssueConfirm(ctx context.Context, flowID string, input flow.Input) (flow.Result, error) {
	return c.flowCall(ctx, &Request{Type: CmdFixIssueConfirm, FlowID: flowID, UserInput: input})
}

// FixIssueAbort cancels a fix flow.
func (c *Client) FixIssueAbort(ctx context.Context, flowID string) error {
	_, err := c.Execute(ctx, &Request{Type: CmdFixIssueAbort, FlowID: flowID})
	return err
}

// SubscribeIssues starts an issue subscription and returns its id. Events
// arrive on Events.
func (c *Client) SubscribeIssues(ctx context.Context) (int64, error) {
	resp, err := c.Execute(ctx, &Request{Type: CmdSubscribeIssues})
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Unsubscribe ends a subscription.
func (c *Client) Unsubscribe(ctx context.Context, subscription int64) error {
	_, err := c.Execute(ctx, &Request{Type: CmdUnsubscribe, Subscription: subscription})
	return err
}

func (c *Client) flowCall(ctx context.Context, req *Request) (flow.Result, error) {
	resp, err := c.Execute(ctx, req)
	if err != nil {
		return flow.Result{}, err
	}
	var res flow.Result
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return flow.Result{}, fmt.Errorf("failed to decode step result: %w", err)
	}
	return res, nil
}

// IsUnavailable reports whether err means the server could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrServerUnavailable)
}

// FetchHealth queries the server's /health endpoint.
func FetchHealth(ctx context.Context, baseURL string) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build health request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health: %w", err)
	}
	return &health, nil
}
