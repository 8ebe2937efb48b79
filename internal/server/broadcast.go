package server

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

// Broadcaster fans a message out to the members of a room.
type Broadcaster struct {
	registry *Registry
	log      *log.Logger
	stats    stats.StatsProvider
}

func NewBroadcaster(registry *Registry, logger *log.Logger, su stats.StatsProvider) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		log:      logger,
		stats:    su,
	}
}

// Broadcast sends msg once to every connection in roomId at call time,
// concurrently and without holding the registry lock. A connection whose
// send fails is removed from the room and closed. It returns the number
// of successful deliveries.
func (b *Broadcaster) Broadcast(roomId int, msg *types.Message) int {
	members := b.registry.Members(roomId)
	if len(members) == 0 {
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, c := range members {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()

			if err := c.Send(msg); err != nil {
				b.log.Printf("conn %s: delivery to room %d failed: %v", c.id, roomId, err)
				b.stats.Incr(stats.NumDeliveryFailures)
				b.registry.Leave(roomId, c)
				c.Close(websocket.CloseNormalClosure, "")
				return
			}

			mu.Lock()
			delivered++
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	return delivered
}
