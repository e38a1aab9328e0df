package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/steveyegge/mend/internal/eventbus"
	"github.com/steveyegge/mend/internal/types"
)

// outboundQueueSize bounds the messages waiting to be written to one
// connection. A subscriber that falls this far behind is disconnected.
const outboundQueueSize = 256

// peer is the transport-independent state of one client connection: its
// outbound queue and its subscriptions. Commands from one peer are handled
// in arrival order by the transport's read loop.
type peer struct {
	id     string
	gw     *Gateway
	logger *slog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeConn func()

	// closing asks the writer to flush the queue and then close.
	closing     chan struct{}
	closingOnce sync.Once

	mu   sync.Mutex
	subs map[int64]string // subscription id -> bus handler id
}

func newPeer(gw *Gateway, id string, closeConn func()) *peer {
	return &peer{
		id:        id,
		gw:        gw,
		logger:    gw.logger.With("peer", id),
		out:       make(chan []byte, outboundQueueSize),
		done:      make(chan struct{}),
		closing:   make(chan struct{}),
		closeConn: closeConn,
		subs:      make(map[int64]string),
	}
}

// handleMessage decodes and executes one raw command.
func (p *peer) handleMessage(ctx context.Context, raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		p.gw.metrics.RecordError("invalid")
		p.send(&Response{
			Type:  MsgResult,
			Error: &ErrorInfo{Code: CodeInvalidFormat, Message: fmt.Sprintf("invalid request: %v", err)},
		})
		return
	}

	switch req.Type {
	case CmdPing:
		p.send(&Pong{ID: req.ID, Type: MsgPong})
	case CmdSubscribeIssues:
		resp, activate := p.subscribe(&req)
		p.send(resp)
		// Events only start after the client has seen the result.
		if activate != nil {
			activate()
		}
	case CmdUnsubscribe:
		p.send(p.unsubscribe(&req))
	default:
		p.send(p.gw.Handle(ctx, &req))
	}
}

func (p *peer) subscribe(req *Request) (*Response, func()) {
	if p.gw.bus == nil {
		return p.gw.errorResponse(req, fmt.Errorf("subscriptions: %w", types.ErrNotSupported)), nil
	}

	p.mu.Lock()
	if _, dup := p.subs[req.ID]; dup {
		p.mu.Unlock()
		return p.gw.errorResponse(req, &types.ValidationError{Field: "id", Reason: "already used by a subscription"}), nil
	}
	handlerID := fmt.Sprintf("%s/sub-%d", p.id, req.ID)
	p.subs[req.ID] = handlerID
	p.mu.Unlock()

	subID := req.ID
	activate := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.subs[subID]; !ok {
			return // connection closed meanwhile
		}
		p.gw.bus.Register(eventbus.Func(handlerID, eventbus.IssueEvents, func(ctx context.Context, ev *eventbus.Event) error {
			p.push(&EventMessage{ID: subID, Type: MsgEvent, Event: newIssueEvent(ev)})
			return nil
		}))
		p.logger.Debug("subscribed", "subscription", subID)
	}
	return p.gw.resultResponse(req.ID, nil), activate
}

func (p *peer) unsubscribe(req *Request) *Response {
	p.mu.Lock()
	handlerID, ok := p.subs[req.Subscription]
	delete(p.subs, req.Subscription)
	p.mu.Unlock()

	if !ok {
		return p.gw.errorResponse(req, fmt.Errorf("subscription %d: %w", req.Subscription, types.ErrNotFound))
	}
	p.gw.bus.Unregister(handlerID)
	return p.gw.resultResponse(req.ID, nil)
}

// send queues a reply. It blocks while the queue is full and gives up once
// the connection is closed.
func (p *peer) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("marshal message", "error", err)
		return
	}
	select {
	case p.out <- data:
	case <-p.done:
	}
}

// push queues an event without blocking the publisher. A full queue closes
// the connection.
func (p *peer) push(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("marshal event", "error", err)
		return
	}
	select {
	case p.out <- data:
	case <-p.done:
	default:
		p.logger.Warn("client too slow, closing connection", "queued", len(p.out))
		p.close()
	}
}

// rejectAndClose queues a final error reply that is not tied to a request
// and ends the connection once the writer has flushed it.
func (p *peer) rejectAndClose(code, message string) {
	p.gw.metrics.RecordError("invalid")
	p.send(&Response{Type: MsgResult, Error: &ErrorInfo{Code: code, Message: message}})
	p.closingOnce.Do(func() { close(p.closing) })
}

func (p *peer) isClosing() bool {
	select {
	case <-p.closing:
		return true
	default:
		return false
	}
}

// flush writes whatever is still queued without waiting for more.
func (p *peer) flush(write func([]byte) error) {
	for {
		select {
		case data := <-p.out:
			if err := write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// shutdown is the read loop's exit path. After rejectAndClose the writer
// gets to flush before the connection goes away.
func (p *peer) shutdown(writerDone <-chan struct{}) {
	if p.isClosing() {
		<-writerDone
	}
	p.close()
	<-writerDone
}

// close drops subscriptions and closes the underlying connection. Safe to
// call more than once.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		subs := p.subs
		p.subs = make(map[int64]string)
		p.mu.Unlock()
		if p.gw.bus != nil {
			for _, handlerID := range subs {
				p.gw.bus.Unregister(handlerID)
			}
		}

		if p.closeConn != nil {
			p.closeConn()
		}
	})
}
