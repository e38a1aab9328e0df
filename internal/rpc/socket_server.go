package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// SocketServer serves the gateway over a unix socket using newline-delimited
// JSON. It accepts the same commands as the WebSocket transport.
type SocketServer struct {
	gw         *Gateway
	cfg        ServerConfig
	socketPath string
	logger     *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
	shutdown bool
	peers    map[*peer]struct{}

	connSemaphore chan struct{}
	activeConns   atomic.Int32
	nextPeer      atomic.Uint64
	wg            sync.WaitGroup

	readyChan chan struct{}
	stopOnce  sync.Once
}

// NewSocketServer creates a unix socket server at socketPath.
func NewSocketServer(gw *Gateway, socketPath string, cfg ServerConfig) *SocketServer {
	cfg = cfg.withDefaults()
	return &SocketServer{
		gw:            gw,
		cfg:           cfg,
		socketPath:    socketPath,
		logger:        gw.logger.With("transport", "unix", "socket", socketPath),
		peers:         make(map[*peer]struct{}),
		connSemaphore: make(chan struct{}, cfg.MaxConns),
		readyChan:     make(chan struct{}),
	}
}

// isPermissionUnsupportedError checks if an error indicates the filesystem
// doesn't support permission changes on sockets (e.g., EINVAL on virtio-fs)
func isPermissionUnsupportedError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTSUP
	}
	return false
}

// Start listens and accepts connections until ctx is cancelled or Stop is
// called. It returns nil on a clean shutdown.
func (s *SocketServer) Start(ctx context.Context) error {
	if err := s.ensureSocketDir(); err != nil {
		return fmt.Errorf("failed to ensure socket directory: %w", err)
	}
	if err := s.removeOldSocket(); err != nil {
		return fmt.Errorf("failed to remove old socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}

	// Owner only. Some filesystems (e.g., virtio-fs in containers) reject
	// chmod on sockets; the parent directory is already 0700.
	if runtime.GOOS != "windows" {
		if err := os.Chmod(s.socketPath, 0600); err != nil {
			if !isPermissionUnsupportedError(err) {
				_ = listener.Close()
				return fmt.Errorf("failed to set socket permissions: %w", err)
			}
			s.logger.Warn("could not set socket permissions", "error", err)
		}
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.readyChan)
	s.logger.Info("listening")

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			shutdown := s.shutdown
			s.mu.RUnlock()
			if shutdown {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		// Try to acquire connection slot (non-blocking)
		select {
		case s.connSemaphore <- struct{}{}:
			s.gw.metrics.RecordConnection()
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer func() { <-s.connSemaphore }()
				s.activeConns.Add(1)
				defer s.activeConns.Add(-1)
				s.handleConnection(c)
			}(conn)
		default:
			s.gw.metrics.RecordRejectedConnection()
			_ = conn.Close()
		}
	}
}

// WaitReady is closed once the server accepts connections.
func (s *SocketServer) WaitReady() <-chan struct{} {
	return s.readyChan
}

// ActiveConns returns the number of open connections.
func (s *SocketServer) ActiveConns() int32 {
	return s.activeConns.Load()
}

// Stop closes the listener and every open connection, then removes the
// socket file.
func (s *SocketServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		listener := s.listener
		s.listener = nil
		peers := make([]*peer, 0, len(s.peers))
		for p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.Unlock()

		for _, p := range peers {
			p.close()
		}
		if listener != nil {
			if closeErr := listener.Close(); closeErr != nil {
				err = fmt.Errorf("failed to close listener: %w", closeErr)
				return
			}
		}
		if removeErr := os.Remove(s.socketPath); removeErr != nil && !os.IsNotExist(removeErr) {
			err = fmt.Errorf("failed to remove socket: %w", removeErr)
		}
	})
	return err
}

func (s *SocketServer) ensureSocketDir() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	_ = os.Chmod(dir, 0700) // #nosec G302 - 0700 is secure (user-only access)
	return nil
}

func (s *SocketServer) removeOldSocket() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		// Socket exists - check if another server is actually using it
		conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return fmt.Errorf("socket %s is in use by another server", s.socketPath)
		}
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *SocketServer) handleConnection(conn net.Conn) {
	id := fmt.Sprintf("unix-%d", s.nextPeer.Add(1))
	p := newPeer(s.gw, id, func() { _ = conn.Close() })

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	writerDone := make(chan struct{})
	go s.writeLoop(conn, p, writerDone)

	defer func() {
		p.shutdown(writerDone)
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()

	// Recover from panics to prevent server crash
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in handleConnection", "peer", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), int(s.cfg.MaxMessageBytes))

	ctx := context.Background()
	for {
		// Set read deadline for the next request
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return
		}
		if !scanner.Scan() {
			err := scanner.Err()
			if errors.Is(err, bufio.ErrTooLong) {
				discardLine(conn, oversizeDrainFactor*s.cfg.MaxMessageBytes)
				s.logger.Warn("message too large, closing connection", "peer", id, "limit", s.cfg.MaxMessageBytes)
				p.rejectAndClose(CodeInvalidFormat, fmt.Sprintf("message exceeds %d bytes", s.cfg.MaxMessageBytes))
				return
			}
			if err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("socket read failed", "peer", id, "error", err)
			}
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		p.handleMessage(ctx, line)
	}
}

// discardLine reads up to and including the next newline, giving up after
// max bytes.
func discardLine(r io.Reader, max int64) {
	br := bufio.NewReader(io.LimitReader(r, max))
	for {
		b, err := br.ReadByte()
		if err != nil || b == '\n' {
			return
		}
	}
}

func (s *SocketServer) writeLoop(conn net.Conn, p *peer, done chan<- struct{}) {
	defer close(done)
	defer p.close()

	writer := bufio.NewWriter(conn)
	write := func(data []byte) error {
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return err
		}
		if _, err := writer.Write(data); err != nil {
			return err
		}
		if err := writer.WriteByte('\n'); err != nil {
			return err
		}
		return writer.Flush()
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
				s.logger.Debug("socket write failed", "peer", p.id, "error", err)
				return
			}
		}
	}
}
