package server

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

var ErrConnClosed = errors.New("connection closed")

// wsConn is the part of *websocket.Conn a Conn uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn is one client's attachment to the relay.
type Conn struct {
	id  string
	ws  wsConn
	log *log.Logger

	// writeMu serializes data frames on ws.
	writeMu sync.Mutex

	mu     sync.Mutex
	state  State
	user   types.Identity
	roomId int
	// While replaying, live messages queue in pending so that history
	// reaches the client first. replayed holds the ids sent as history.
	replaying bool
	pending   []*types.Message
	replayed  map[int]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id string, ws wsConn, logger *log.Logger) *Conn {
	return &Conn{
		id:        id,
		ws:        ws,
		log:       logger,
		state:     StateAccepted,
		replaying: true,
		replayed:  make(map[int]struct{}),
		closed:    make(chan struct{}),
	}
}

func (c *Conn) Id() string {
	return c.id
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) User() types.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Conn) RoomId() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomId
}

func (c *Conn) transition(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.canTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, next)
	}

	c.state = next
	return nil
}

func (c *Conn) authenticated(user types.Identity) error {
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()

	return c.transition(StateAuthenticated)
}

func (c *Conn) roomChecked(roomId int) error {
	c.mu.Lock()
	c.roomId = roomId
	c.mu.Unlock()

	return c.transition(StateRoomChecked)
}

// Send delivers msg to the client. During history replay the message is
// queued and nil is returned; a message already sent as history is
// dropped.
func (c *Conn) Send(msg *types.Message) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if _, ok := c.replayed[msg.Id]; ok {
		c.mu.Unlock()
		return nil
	}
	if c.replaying {
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.write(msg)
}

// replay writes history in order, then flushes whatever live traffic
// arrived meanwhile, then lets Send write directly.
func (c *Conn) replay(history []*types.Message) error {
	for _, msg := range history {
		c.mu.Lock()
		c.replayed[msg.Id] = struct{}{}
		c.mu.Unlock()

		if err := c.write(msg); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
	}

	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.replaying = false
			c.mu.Unlock()
			return nil
		}
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, msg := range batch {
			c.mu.Lock()
			_, dup := c.replayed[msg.Id]
			c.mu.Unlock()
			if dup {
				continue
			}

			if err := c.write(msg); err != nil {
				return fmt.Errorf("flush pending: %w", err)
			}
		}
	}
}

func (c *Conn) write(msg *types.Message) error {
	data, err := serializeEnvelope(msg.Envelope())
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

// Close sends a close frame with code, closes the socket and moves the
// connection to StateClosed. Only the first call has any effect.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.pending = nil
		c.mu.Unlock()

		err := c.ws.WriteControl(websocket.CloseMessage, closeMessage(code, reason), time.Now().Add(writeWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.log.Printf("conn %s: write close: %v", c.id, err)
		}

		c.ws.Close()
		close(c.closed)
	})
}

// keepAlive pings the client until the connection closes.
func (c *Conn) keepAlive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Printf("conn %s: ping: %v", c.id, err)
				return
			}
		}
	}
}
