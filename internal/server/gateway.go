package server

import (
	"context"
	"log"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/teris-io/shortid"
)

type TokenValidator interface {
	ValidateToken(token string) (types.Identity, error)
}

type RoomDirectory interface {
	RoomExists(ctx context.Context, roomId int) (bool, error)
}

type MessageStore interface {
	CreateMessage(ctx context.Context, params database.CreateMessageParams) (database.Message, error)
	RecentMessages(ctx context.Context, roomId, limit int) ([]database.Message, error)
}

type UserDirectory interface {
	UserIdByUsername(ctx context.Context, username string) (int, error)
}

type GatewayConfig struct {
	Validator TokenValidator
	Rooms     RoomDirectory
	Store     MessageStore
	Users     UserDirectory
	Stats     stats.StatsProvider
	// MaxMessageSize limits inbound frames, 0 means no limit.
	MaxMessageSize int64
}

// Gateway admits WebSocket connections into rooms. Each accepted
// connection runs its session on its own goroutine.
type Gateway struct {
	log         *log.Logger
	validator   TokenValidator
	rooms       RoomDirectory
	store       MessageStore
	users       UserDirectory
	stats       stats.StatsProvider
	registry    *Registry
	broadcaster *Broadcaster
	maxMsgSize  int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connsLock sync.Mutex
	conns     map[*Conn]struct{}
	stopping  bool
	seq       atomic.Uint64
}

func NewGateway(logger *log.Logger, cfg GatewayConfig) *Gateway {
	for _, name := range stats.RelayMetrics {
		cfg.Stats.RegisterMetric(name)
	}

	registry := NewRegistry(cfg.Stats)
	ctx, cancel := context.WithCancel(context.Background())

	return &Gateway{
		log:         logger,
		validator:   cfg.Validator,
		rooms:       cfg.Rooms,
		store:       cfg.Store,
		users:       cfg.Users,
		stats:       cfg.Stats,
		registry:    registry,
		broadcaster: NewBroadcaster(registry, logger, cfg.Stats),
		maxMsgSize:  cfg.MaxMessageSize,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[*Conn]struct{}),
	}
}

func (g *Gateway) Registry() *Registry {
	return g.registry
}

func (g *Gateway) Broadcaster() *Broadcaster {
	return g.broadcaster
}

// Accept takes ownership of an upgraded connection that asked for roomId
// with token, and starts its session. It does not block.
func (g *Gateway) Accept(ws *websocket.Conn, token, roomId string) {
	g.accept(ws, token, roomId)
}

func (g *Gateway) accept(ws wsConn, token, rawRoomId string) *Conn {
	c := newConn(g.newConnId(), ws, g.log)
	if g.maxMsgSize > 0 {
		ws.SetReadLimit(g.maxMsgSize)
	}

	g.connsLock.Lock()
	if g.stopping {
		g.connsLock.Unlock()
		c.Close(websocket.CloseNormalClosure, "server shutting down")
		return c
	}
	g.conns[c] = struct{}{}
	g.wg.Add(1)
	g.connsLock.Unlock()

	g.stats.Incr(stats.NumActiveConnections)
	g.log.Printf("conn %s: accepted for room %q", c.id, rawRoomId)

	s := &session{
		gw:        g,
		conn:      c,
		token:     token,
		rawRoomId: rawRoomId,
	}

	go func() {
		defer g.wg.Done()
		s.run(g.ctx)
	}()

	return c
}

func (g *Gateway) release(c *Conn) {
	g.connsLock.Lock()
	_, ok := g.conns[c]
	delete(g.conns, c)
	g.connsLock.Unlock()

	if ok {
		g.stats.Decr(stats.NumActiveConnections)
	}
}

func (g *Gateway) newConnId() string {
	id, err := shortid.Generate()
	if err != nil {
		return "c" + strconv.FormatUint(g.seq.Add(1), 10)
	}
	return id
}

// Shutdown closes every live connection with a normal closure and waits
// for their sessions to finish or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.log.Println("shutting down gateway")

	g.connsLock.Lock()
	g.stopping = true
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.connsLock.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseNormalClosure, "server shutting down")
	}
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Printf("gateway closed %d connections", len(conns))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
