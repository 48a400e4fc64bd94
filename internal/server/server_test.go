package server

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"candlestore/internal/dtf"
	"candlestore/internal/model"
	"candlestore/internal/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer runs a Server behind httptest and dials it.
type testServer struct {
	srv    *Server
	http   *httptest.Server
	folder string
}

func newTestServer(t *testing.T, settings session.Settings) *testServer {
	t.Helper()
	return newTestServerConfig(t, Config{Settings: settings})
}

func newTestServerConfig(t *testing.T, cfg Config) *testServer {
	t.Helper()
	if cfg.Settings.Folder == "" {
		cfg.Settings.Folder = t.TempDir()
	}
	if cfg.Settings.FlushInterval == 0 {
		cfg.Settings.FlushInterval = 1000
	}
	cfg.Addr = "127.0.0.1:0"
	srv, err := New(cfg)
	require.NoError(t, err)

	ts := &testServer{srv: srv, http: httptest.NewServer(srv.Handler()), folder: cfg.Settings.Folder}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.http.Close()
	})
	return ts
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// roundTrip sends one command and returns the reply type and body.
func roundTrip(t *testing.T, conn *websocket.Conn, msg string) (int, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return kind, data
}

// send sends one command and returns its text reply.
func send(t *testing.T, conn *websocket.Conn, msg string) string {
	t.Helper()
	kind, data := roundTrip(t, conn, msg)
	require.Equal(t, websocket.TextMessage, kind, "reply to %q", msg)
	return string(data)
}

// Test_New_InvalidSettings tests that a zero flush interval is rejected
func Test_New_InvalidSettings(t *testing.T) {
	_, err := New(Config{Settings: session.Settings{Folder: t.TempDir()}})
	assert.Error(t, err)
}

// Test_Server_Commands tests a full conversation over one connection
func Test_Server_Commands(t *testing.T) {
	ts := newTestServer(t, session.Settings{})
	conn := ts.dial(t)

	steps := []struct {
		name     string
		msg      string
		expected string
	}{
		{name: "Ping", msg: "PING", expected: "PONG"},
		{name: "Empty default", msg: "COUNT", expected: "0"},
		{name: "Get from empty", msg: "GET 1", expected: "ERR: not enough items"},
		{name: "Create", msg: "CREATE btc", expected: "OK"},
		{name: "Create twice", msg: "CREATE btc", expected: "ERR: store already exists: btc"},
		{name: "Exists", msg: "EXISTS btc", expected: "1"},
		{name: "Not exists", msg: "EXISTS eth", expected: "0"},
		{name: "Use", msg: "USE btc", expected: "OK"},
		{name: "Add", msg: "ADD 1505177459658, 1, t, f, 10, 1;", expected: "OK"},
		{name: "Bulk add", msg: "BULKADD\n1505177460000, 2, t, t, 11, 2;\n1505177520000, 3, t, f, 12, 3;\nDDAKLUB", expected: "OK"},
		{name: "Count", msg: "COUNT", expected: "3"},
		{name: "Add into unknown", msg: "ADD 1505177459658, 1, t, f, 10, 1; INTO eth", expected: "ERR: unknown store: eth"},
		{name: "Add into default", msg: "ADD 1505177459658, 1, t, f, 10, 1; INTO default", expected: "OK"},
		{name: "Count all", msg: "COUNT ALL", expected: "4"},
		{name: "Candles", msg: "CANDLES 1", expected: "1505177400,10,10,10,10,1\n1505177460,11,11,11,11,2\n1505177520,12,12,12,12,3"},
		{name: "Flush", msg: "FLUSH", expected: "OK"},
		{name: "Clear", msg: "CLEAR", expected: "OK"},
		{name: "Count after clear", msg: "COUNT", expected: "3"},
		{name: "Use unknown", msg: "USE nope", expected: "ERR: unknown store: nope"},
		{name: "Syntax error", msg: "GET", expected: "ERR: syntax error: expected GET <n>|ALL"},
		{name: "Unknown command", msg: "SELECT", expected: "ERR: unknown command: SELECT"},
	}

	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			assert.Equal(t, step.expected, send(t, conn, step.msg))
		})
	}

	assert.True(t, dtf.Exists(dtf.Path(ts.folder, "btc")), "FLUSH should write the store file")
	assert.True(t, strings.HasPrefix(send(t, conn, "HELP"), "PING"))
	assert.Contains(t, send(t, conn, "INFO"), `"current":"btc"`)
}

// Test_Server_Get tests binary batch replies
func Test_Server_Get(t *testing.T) {
	ts := newTestServer(t, session.Settings{})
	conn := ts.dial(t)

	for i := 1; i <= 3; i++ {
		require.Equal(t, "OK", send(t, conn, "ADD 150517745"+string(rune('0'+i))+"000, 7, t, t, 1.5, 2;"))
	}

	kind, data := roundTrip(t, conn, "GET ALL")
	require.Equal(t, websocket.BinaryMessage, kind)
	got, err := dtf.ReadBatches(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, model.Update{Timestamp: 1505177451000, Seq: 7, IsTrade: true, IsBid: true, Price: 1.5, Size: 2}, got[0])

	kind, data = roundTrip(t, conn, "GET 2")
	require.Equal(t, websocket.BinaryMessage, kind)
	got, err = dtf.ReadBatches(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Len(t, got, 2)

	assert.Equal(t, "ERR: not enough items", send(t, conn, "GET 4"))
}

// Test_Server_Autoflush tests that ADD triggers the flush policy
func Test_Server_Autoflush(t *testing.T) {
	ts := newTestServer(t, session.Settings{Autoflush: true, FlushInterval: 2})
	conn := ts.dial(t)

	require.Equal(t, "OK", send(t, conn, "ADD 1505177459000, 1, t, t, 1, 1;"))
	assert.False(t, dtf.Exists(dtf.Path(ts.folder, session.DefaultStore)))

	require.Equal(t, "OK", send(t, conn, "ADD 1505177460000, 2, t, t, 1, 1;"))
	size, err := dtf.GetSize(dtf.Path(ts.folder, session.DefaultStore))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), size)
}

// Test_Server_SessionsAreIsolated tests that connections do not share selection
func Test_Server_SessionsAreIsolated(t *testing.T) {
	ts := newTestServer(t, session.Settings{})
	first := ts.dial(t)
	second := ts.dial(t)

	require.Equal(t, "OK", send(t, first, "CREATE eth"))
	require.Equal(t, "OK", send(t, first, "USE eth"))
	require.Equal(t, "OK", send(t, first, "ADD 1505177459000, 1, t, t, 1, 1;"))

	assert.Equal(t, "0", send(t, second, "EXISTS eth"), "Unflushed stores are private to a session")
	assert.Equal(t, "0", send(t, second, "COUNT"))

	require.Equal(t, "OK", send(t, first, "FLUSH"))
	third := ts.dial(t)
	assert.Equal(t, "1", send(t, third, "EXISTS eth"), "New sessions bootstrap flushed stores")
	assert.Equal(t, "OK", send(t, third, "LOAD eth"))
	assert.Equal(t, "1", send(t, third, "COUNT"))
}

// Test_Server_Candles tests rebinned candle replies
func Test_Server_Candles(t *testing.T) {
	ts := newTestServer(t, session.Settings{})
	conn := ts.dial(t)

	require.Equal(t, "OK", send(t, conn, "BULKADD\n1505177430000, 1, t, t, 1, 1;\n1505177490000, 2, t, t, 1, 1;\nDDAKLUB"))

	reply := send(t, conn, "CANDLES 2 ALIGNED")
	assert.Equal(t, "1505177400,1,1,1,1,2", reply, "Minute buckets are already aligned")

	require.Equal(t, "OK", send(t, conn, "CLEAR"))
	require.Equal(t, "OK", send(t, conn, "BULKADD\n1505177430000, 3, t, t, 1, 1;\nDDAKLUB"))
	assert.Equal(t, "", send(t, conn, "CANDLES 2"), "One candle cannot fill a group")
	assert.Equal(t, "PONG", send(t, conn, "PING"), "Connection survives")
}

// Test_Server_ReadOnly tests that a read only server serves stores without writing them
func Test_Server_ReadOnly(t *testing.T) {
	folder := t.TempDir()
	stored := []model.Update{
		{Timestamp: 1505177430000, Seq: 1, IsTrade: true, Price: 10, Size: 1},
		{Timestamp: 1505177490000, Seq: 2, IsTrade: true, Price: 11, Size: 2},
	}
	require.NoError(t, dtf.Encode(dtf.Path(folder, "btc_usdt"), "btc_usdt", stored))

	ts := newTestServerConfig(t, Config{
		Settings: session.Settings{Autoflush: true, FlushInterval: 1, Folder: folder},
		ReadOnly: true,
	})
	conn := ts.dial(t)

	steps := []struct {
		name        string
		msg         string
		expected    string
		description string
	}{
		{name: "Ping", msg: "PING", expected: "PONG", description: "Should answer non writing commands"},
		{name: "Exists", msg: "EXISTS btc_usdt", expected: "1", description: "Should bootstrap stores from the folder"},
		{name: "Load", msg: "LOAD btc_usdt", expected: "OK", description: "Should read store files"},
		{name: "Count", msg: "COUNT", expected: "2", description: "Should report the loaded size"},
		{name: "Candles", msg: "CANDLES 1", expected: "1505177400,10,10,10,10,1\n1505177460,11,11,11,11,2", description: "Should aggregate loaded records"},
		{name: "Add", msg: "ADD 1505177500000, 3, t, t, 12, 1;", expected: "ERR: read only", description: "Should reject ADD"},
		{name: "Add into", msg: "ADD 1505177500000, 3, t, t, 12, 1; INTO btc_usdt", expected: "ERR: read only", description: "Should reject ADD INTO"},
		{name: "Bulk add", msg: "BULKADD\n1505177500000, 3, t, t, 12, 1;\nDDAKLUB", expected: "ERR: read only", description: "Should reject BULKADD"},
		{name: "Flush", msg: "FLUSH", expected: "ERR: read only", description: "Should reject FLUSH"},
		{name: "Flush all", msg: "FLUSH ALL", expected: "ERR: read only", description: "Should reject FLUSH ALL"},
		{name: "Create", msg: "CREATE eth_usdt", expected: "ERR: read only", description: "Should reject CREATE"},
		{name: "Clear", msg: "CLEAR", expected: "OK", description: "Should allow dropping resident records"},
		{name: "Count after clear", msg: "COUNT", expected: "2", description: "Size should come from the untouched file"},
	}

	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			assert.Equal(t, step.expected, send(t, conn, step.msg), step.description)
		})
	}

	decoded, err := dtf.Decode(dtf.Path(folder, "btc_usdt"))
	require.NoError(t, err)
	assert.Equal(t, stored, decoded, "The store file must be unchanged")
}

// Test_Server_Shutdown tests that open connections are closed
func Test_Server_Shutdown(t *testing.T) {
	ts := newTestServer(t, session.Settings{})
	conn := ts.dial(t)
	require.Equal(t, "PONG", send(t, conn, "PING"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ts.srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
