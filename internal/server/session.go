package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/auth"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

var errRoomNotFound = errors.New("room not found")

// session drives one connection from accept to close.
type session struct {
	gw        *Gateway
	conn      *Conn
	token     string
	rawRoomId string

	roomId   int
	joined   bool
	senderId int
	lastSent time.Time
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.finish()

	if err := s.handshake(ctx); err != nil {
		s.gw.log.Printf("conn %s: handshake rejected: %v", s.conn.id, err)
		s.gw.stats.Incr(stats.NumHandshakeRejections)
		s.conn.Close(websocket.ClosePolicyViolation, policyViolationReason)
		return
	}

	if err := s.join(ctx); err != nil {
		s.gw.log.Printf("conn %s: join room %d: %v", s.conn.id, s.roomId, err)
		return
	}

	s.stream(ctx)
}

// finish runs on every exit path.
func (s *session) finish() {
	if s.joined {
		s.gw.registry.Leave(s.roomId, s.conn)
	}
	s.conn.Close(websocket.CloseNormalClosure, "")
	s.gw.release(s.conn)
	s.gw.log.Printf("conn %s: closed", s.conn.id)
}

func (s *session) handshake(ctx context.Context) error {
	if s.token == "" {
		return auth.ErrMissingToken
	}
	if err := s.conn.transition(StateAuthenticating); err != nil {
		return err
	}

	user, err := s.gw.validator.ValidateToken(s.token)
	if err != nil {
		return fmt.Errorf("validate token: %w", err)
	}
	if err := s.conn.authenticated(user); err != nil {
		return err
	}

	roomId, err := strconv.Atoi(s.rawRoomId)
	if err != nil {
		return fmt.Errorf("%w: malformed id %q", errRoomNotFound, s.rawRoomId)
	}

	exists, err := s.gw.rooms.RoomExists(ctx, roomId)
	if err != nil {
		return fmt.Errorf("room lookup: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %d", errRoomNotFound, roomId)
	}

	s.roomId = roomId
	return s.conn.roomChecked(roomId)
}

// join registers the connection and replays history before any live
// message can reach it.
func (s *session) join(ctx context.Context) error {
	if err := s.gw.registry.Join(s.roomId, s.conn); err != nil {
		return err
	}
	s.joined = true

	if err := s.conn.transition(StateJoined); err != nil {
		return err
	}

	s.gw.log.Printf("conn %s: %q joined room %d", s.conn.id, s.conn.User().Username, s.roomId)

	return s.conn.replay(s.history(ctx))
}

func (s *session) history(ctx context.Context) []*types.Message {
	recent, err := s.gw.store.RecentMessages(ctx, s.roomId, historyLimit)
	if err != nil {
		s.gw.log.Printf("conn %s: fetch history for room %d: %v", s.conn.id, s.roomId, err)
		return nil
	}

	history := make([]*types.Message, 0, len(recent))
	for _, m := range recent {
		history = append(history, &types.Message{
			Id:        m.Id,
			RoomId:    m.RoomId,
			Username:  m.SenderUsername,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return history
}

func (s *session) stream(ctx context.Context) {
	if err := s.conn.transition(StateStreaming); err != nil {
		s.gw.log.Printf("conn %s: %v", s.conn.id, err)
		return
	}

	ws := s.conn.ws
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go s.conn.keepAlive()

	for {
		msgType, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.gw.log.Printf("conn %s: read: %v", s.conn.id, err)
			}
			return
		}

		if msgType != websocket.TextMessage {
			s.gw.log.Printf("conn %s: ignoring non-text frame", s.conn.id)
			continue
		}

		s.publish(ctx, string(raw))
	}
}

// publish persists content and only then broadcasts it. A persistence
// failure drops the message but keeps the connection open.
func (s *session) publish(ctx context.Context, content string) {
	ts := s.nextTimestamp()
	user := s.conn.User()

	senderId, err := s.sender(ctx, user.Username)
	if err != nil {
		s.gw.log.Printf("conn %s: resolve sender %q: %v", s.conn.id, user.Username, err)
		s.gw.stats.Incr(stats.NumPersistFailures)
		return
	}

	saved, err := s.gw.store.CreateMessage(ctx, database.CreateMessageParams{
		RoomId:    s.roomId,
		SenderId:  senderId,
		Content:   content,
		Timestamp: ts,
	})
	if err != nil {
		s.gw.log.Printf("conn %s: persist message: %v", s.conn.id, err)
		s.gw.stats.Incr(stats.NumPersistFailures)
		return
	}
	s.gw.stats.Incr(stats.NumMessagesPersisted)

	s.gw.broadcaster.Broadcast(s.roomId, &types.Message{
		Id:        saved.Id,
		RoomId:    s.roomId,
		Username:  user.Username,
		Content:   content,
		Timestamp: ts,
	})
}

func (s *session) sender(ctx context.Context, username string) (int, error) {
	if s.senderId != 0 {
		return s.senderId, nil
	}

	id, err := s.gw.users.UserIdByUsername(ctx, username)
	if err != nil {
		return 0, err
	}

	s.senderId = id
	return id, nil
}

// nextTimestamp is strictly increasing for the connection even if the
// wall clock stalls or steps back.
func (s *session) nextTimestamp() time.Time {
	ts := Now()
	if !ts.After(s.lastSent) {
		ts = s.lastSent.Add(time.Microsecond)
	}
	s.lastSent = ts
	return ts
}
