package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortSocketPath keeps the path under the unix socket length limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "mend")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "mend.sock")
}

func startSocketServer(t *testing.T, env *testEnv) (*SocketServer, string) {
	t.Helper()
	return startSocketServerWithConfig(t, env, ServerConfig{})
}

func startSocketServerWithConfig(t *testing.T, env *testEnv, cfg ServerConfig) (*SocketServer, string) {
	t.Helper()
	path := shortSocketPath(t)
	srv := NewSocketServer(env.gw, path, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errc)
	})

	select {
	case <-srv.WaitReady():
	case err := <-errc:
		t.Fatalf("socket server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("socket server not ready")
	}
	return srv, path
}

type lineConn struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialSocket(t *testing.T, path string) *lineConn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &lineConn{t: t, conn: conn, scanner: bufio.NewScanner(conn)}
}

func (l *lineConn) roundTrip(line string) map[string]any {
	l.t.Helper()
	_, err := l.conn.Write([]byte(line + "\n"))
	require.NoError(l.t, err)
	_ = l.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.True(l.t, l.scanner.Scan(), "no reply: %v", l.scanner.Err())
	var msg map[string]any
	require.NoError(l.t, json.Unmarshal(l.scanner.Bytes(), &msg))
	return msg
}

func TestSocketServerCommands(t *testing.T) {
	env := newTestEnv(t)
	env.report(t, "fake_integration", "issue_1", true)
	_, path := startSocketServer(t, env)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode()&os.ModeSocket)

	c := dialSocket(t, path)

	msg := c.roundTrip(`{"id":1,"type":"ping"}`)
	assert.Equal(t, "pong", msg["type"])

	msg = c.roundTrip(`{"id":2,"type":"list_issues"}`)
	require.Equal(t, true, msg["success"])
	assert.Len(t, msg["result"].(map[string]any)["issues"], 1)

	msg = c.roundTrip(`garbage`)
	assert.Equal(t, "invalid_format", msg["error"].(map[string]any)["code"])

	msg = c.roundTrip(`{"id":3,"type":"fix_issue","domain":"fake_integration","issue_id":"issue_1"}`)
	require.Equal(t, true, msg["success"])
	flowID := msg["result"].(map[string]any)["flow_id"].(string)

	msg = c.roundTrip(`{"id":4,"type":"fix_issue_confirm","flow_id":"` + flowID + `","user_input":{}}`)
	assert.Equal(t, "create_entry", msg["result"].(map[string]any)["type"])

	msg = c.roundTrip(`{"id":5,"type":"list_issues"}`)
	assert.Empty(t, msg["result"].(map[string]any)["issues"])
}

func TestSocketServerStopClosesConnections(t *testing.T) {
	env := newTestEnv(t)
	srv, path := startSocketServer(t, env)

	c := dialSocket(t, path)
	c.roundTrip(`{"id":1,"type":"ping"}`)
	require.Equal(t, int32(1), srv.ActiveConns())

	require.NoError(t, srv.Stop())

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	assert.False(t, c.scanner.Scan())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSocketServerRefusesLiveSocket(t *testing.T) {
	env := newTestEnv(t)
	_, path := startSocketServer(t, env)

	other := NewSocketServer(env.gw, path, ServerConfig{})
	err := other.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use")
}

func TestSocketServerReplacesStaleSocket(t *testing.T) {
	env := newTestEnv(t)
	path := shortSocketPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0600))

	srv := NewSocketServer(env.gw, path, ServerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(ctx) }()

	select {
	case <-srv.WaitReady():
	case err := <-errc:
		t.Fatalf("start: %v", err)
	}
	cancel()
	require.NoError(t, <-errc)
}

func TestSocketServerRejectsOversizedLine(t *testing.T) {
	env := newTestEnv(t)
	_, path := startSocketServerWithConfig(t, env, ServerConfig{MaxMessageBytes: 128})
	c := dialSocket(t, path)

	msg := c.roundTrip(`{"id":1,"type":"list_issues","domain":"` + strings.Repeat("a", 1024) + `"}`)
	assert.Equal(t, false, msg["success"])
	assert.Equal(t, "invalid_format", msg["error"].(map[string]any)["code"])
	assert.Contains(t, msg["error"].(map[string]any)["message"], "128 bytes")

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	assert.False(t, c.scanner.Scan(), "connection should be closed after the rejection")
}
