package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	neturl "net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/auth"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("some_secret")

// fakeWS stands in for a *websocket.Conn. Inbound frames are fed through
// inbound; written data frames are recorded.
type fakeWS struct {
	mu        sync.Mutex
	written   [][]byte
	writeErr  error
	block     chan struct{}
	closeCode int
	closed    bool

	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeWS() *fakeWS {
	return &fakeWS{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, data, nil
	case <-f.done:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.New("use of closed network connection")
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeWS) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.New("use of closed network connection")
	}
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		f.closeCode = int(binary.BigEndian.Uint16(data))
	}
	return nil
}

func (f *fakeWS) SetReadLimit(limit int64)                    {}
func (f *fakeWS) SetReadDeadline(t time.Time) error           { return nil }
func (f *fakeWS) SetWriteDeadline(t time.Time) error          { return nil }
func (f *fakeWS) SetPongHandler(h func(appData string) error) {}

func (f *fakeWS) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

func (f *fakeWS) envelopes(t *testing.T) []types.Envelope {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	envs := make([]types.Envelope, 0, len(f.written))
	for _, raw := range f.written {
		var env types.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		envs = append(envs, env)
	}
	return envs
}

func (f *fakeWS) numWritten() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakeWS) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// liveConn returns a connection past history replay, so Send writes
// straight to the socket.
func liveConn(t *testing.T, id string) (*Conn, *fakeWS) {
	t.Helper()

	ws := newFakeWS()
	c := newConn(id, ws, testutil.TestLogger(t))
	require.NoError(t, c.replay(nil))
	return c, ws
}

// fakeStore is an in-memory room directory, user directory and message
// store.
type fakeStore struct {
	mu        sync.Mutex
	rooms     map[int]bool
	users     map[string]int
	messages  []database.Message
	nextId    int
	createErr error
	recentErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms: map[int]bool{1: true, 2: true},
		users: map[string]int{"alice": 1, "bob": 2, "carol": 3},
	}
}

func (s *fakeStore) RoomExists(ctx context.Context, roomId int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomId], nil
}

func (s *fakeStore) UserIdByUsername(ctx context.Context, username string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.users[username]
	if !ok {
		return 0, database.ErrUserNotFound
	}
	return id, nil
}

func (s *fakeStore) CreateMessage(ctx context.Context, params database.CreateMessageParams) (database.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return database.Message{}, s.createErr
	}

	var username string
	for name, id := range s.users {
		if id == params.SenderId {
			username = name
		}
	}

	s.nextId++
	msg := database.Message{
		Id:             s.nextId,
		RoomId:         params.RoomId,
		SenderId:       params.SenderId,
		SenderUsername: username,
		Content:        params.Content,
		Timestamp:      params.Timestamp,
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *fakeStore) RecentMessages(ctx context.Context, roomId, limit int) ([]database.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recentErr != nil {
		return nil, s.recentErr
	}

	var inRoom []database.Message
	for _, m := range s.messages {
		if m.RoomId == roomId {
			inRoom = append(inRoom, m)
		}
	}
	if len(inRoom) > limit {
		inRoom = inRoom[len(inRoom)-limit:]
	}
	return inRoom, nil
}

func (s *fakeStore) setCreateErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

func (s *fakeStore) numMessages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func newTestGateway(t *testing.T, store *fakeStore, su stats.StatsProvider) *Gateway {
	t.Helper()

	gw := NewGateway(testutil.TestLogger(t), GatewayConfig{
		Validator: auth.NewJWTValidator(testSigningKey),
		Rooms:     store,
		Store:     store,
		Users:     store,
		Stats:     su,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		gw.Shutdown(ctx)
	})
	return gw
}

// newTestServer serves gw on /ws/{room_id} the way the HTTP layer does.
func newTestServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{room_id}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gw.Accept(conn, r.URL.Query().Get("token"), r.PathValue("room_id"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, roomId, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + roomId
	if token != "" {
		url += "?token=" + neturl.QueryEscape(token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "expected websocket dial to succeed")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) types.Envelope {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env types.Envelope
	require.NoError(t, conn.ReadJSON(&env), "expected an envelope")
	return env
}

func expectCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected connection to be closed")

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr, "expected a close frame, got %v", err)
	require.Equal(t, code, closeErr.Code, "expected close code %d", code)
}

func numGatewayConns(gw *Gateway) int {
	gw.connsLock.Lock()
	defer gw.connsLock.Unlock()
	return len(gw.conns)
}

func sendText(t *testing.T, conn *websocket.Conn, content string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(content)))
}
