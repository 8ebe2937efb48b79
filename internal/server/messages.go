package server

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	// historyLimit is how many recent messages are replayed on join.
	historyLimit = 20

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10

	policyViolationReason = "not authorized"
)

func serializeEnvelope(env types.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func closeMessage(code int, reason string) []byte {
	return websocket.FormatCloseMessage(code, reason)
}

// Now returns the current UTC time at the precision the message store keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
