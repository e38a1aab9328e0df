package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPath is where clients open command connections.
const WebSocketPath = "/api/websocket"

// oversizeDrainFactor bounds how much of an oversized message is read and
// discarded before the rejection is sent, as a multiple of the limit.
// Closing with unread input pending can reset the connection and lose the
// reply.
const oversizeDrainFactor = 16

// Defaults for ServerConfig fields left at zero.
const (
	DefaultMaxConns        = 100
	DefaultReadTimeout     = 5 * time.Minute
	DefaultMaxMessageBytes = 1 << 20
	writeTimeout           = 10 * time.Second
)

// ServerConfig holds the transport limits shared by the WebSocket and unix
// socket servers.
type ServerConfig struct {
	MaxConns        int
	ReadTimeout     time.Duration
	MaxMessageBytes int64
	Version         string
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return c
}

// Server serves the gateway over WebSocket, plus /health and /metrics.
type Server struct {
	gw       *Gateway
	cfg      ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	connSemaphore chan struct{}
	activeConns   atomic.Int32
	nextPeer      atomic.Uint64
	startTime     time.Time

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
	peers      map[*peer]struct{}
}

// NewServer creates a WebSocket server for gw.
func NewServer(gw *Gateway, cfg ServerConfig) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		gw:     gw,
		cfg:    cfg,
		logger: gw.logger.With("transport", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// No authentication is performed on the command channel.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connSemaphore: make(chan struct{}, cfg.MaxConns),
		startTime:     time.Now(),
		peers:         make(map[*peer]struct{}),
	}
}

// Handler returns the HTTP routes served by s.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on an existing listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		// Hijacked connections are not closed by Shutdown.
		s.closePeers()
	}()

	s.logger.Info("listening", "addr", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) track(p *peer, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.peers[p] = struct{}{}
	} else {
		delete(s.peers, p)
	}
}

func (s *Server) closePeers() {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		p.close()
	}
}

// ActiveConns returns the number of open WebSocket connections.
func (s *Server) ActiveConns() int32 {
	return s.activeConns.Load()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Try to acquire connection slot (non-blocking)
	select {
	case s.connSemaphore <- struct{}{}:
	default:
		s.gw.metrics.RecordRejectedConnection()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer func() { <-s.connSemaphore }()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.gw.metrics.RecordConnection()
	s.activeConns.Add(1)
	defer s.activeConns.Add(-1)

	s.serveConn(conn, r.RemoteAddr)
}

func (s *Server) serveConn(conn *websocket.Conn, remote string) {
	id := fmt.Sprintf("ws-%d", s.nextPeer.Add(1))
	var closeCode atomic.Int32
	p := newPeer(s.gw, id, func() {
		if code := int(closeCode.Load()); code != 0 {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeTimeout))
		}
		_ = conn.Close()
	})
	s.track(p, true)
	defer s.track(p, false)

	// Recover from panics so one bad command cannot take the server down.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in websocket connection", "peer", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	s.logger.Debug("client connected", "peer", id, "remote", remote)
	defer s.logger.Debug("client disconnected", "peer", id)

	writerDone := make(chan struct{})
	go s.writeLoop(conn, p, writerDone)
	defer p.shutdown(writerDone)

	extend := func() error { return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)) }
	conn.SetPongHandler(func(string) error { return extend() })

	// Commands are detached from the request context; the connection's own
	// lifetime is tracked by the peer.
	ctx := context.Background()
	for {
		if err := extend(); err != nil {
			return
		}
		msgType, r, err := conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "peer", id, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(r, s.cfg.MaxMessageBytes+1))
		if err != nil {
			s.logger.Debug("websocket read failed", "peer", id, "error", err)
			return
		}
		if int64(len(data)) > s.cfg.MaxMessageBytes {
			_, _ = io.Copy(io.Discard, io.LimitReader(r, oversizeDrainFactor*s.cfg.MaxMessageBytes))
			s.logger.Warn("message too large, closing connection", "peer", id, "limit", s.cfg.MaxMessageBytes)
			closeCode.Store(websocket.CloseMessageTooBig)
			p.rejectAndClose(CodeInvalidFormat, fmt.Sprintf("message exceeds %d bytes", s.cfg.MaxMessageBytes))
			return
		}
		p.handleMessage(ctx, data)
	}
}

// writeLoop drains the peer's queue onto the socket and keeps the
// connection alive with ping frames.
func (s *Server) writeLoop(conn *websocket.Conn, p *peer, done chan<- struct{}) {
	defer close(done)
	defer p.close()

	ping := time.NewTicker(s.cfg.ReadTimeout / 2)
	defer ping.Stop()

	write := func(data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		select {
		case <-p.done:
			return
		case <-p.closing:
			p.flush(write)
			return
		case data := <-p.out:
			if err := write(data); err != nil {
				s.logger.Debug("websocket write failed", "peer", p.id, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := HealthResponse{
		Status:        "healthy",
		Version:       s.cfg.Version,
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Issues:        s.gw.registry.Len(),
		ActiveFlows:   s.gw.coord.Engine().Len(),
		ActiveConns:   s.activeConns.Load(),
		MaxConns:      s.cfg.MaxConns,
	}
	if int(health.ActiveConns) >= s.cfg.MaxConns {
		health.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

// handleMetrics handles GET /metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := s.gw.metrics.Snapshot(int(s.activeConns.Load()))
	snapshot.Issues = s.gw.registry.Len()
	snapshot.ActiveFlows = s.gw.coord.Engine().Len()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}
