package realtime

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is one live channel connection. Writes are serialized through a
// mutex; gorilla/websocket allows only one concurrent writer.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	userID string
	token  string
}

// UserID returns the user this connection was keyed on.
func (c *Conn) UserID() string { return c.userID }

// Emit sends a named message with a JSON payload.
func (c *Conn) Emit(event string, data any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(envelope{Event: event, Data: marshalData(data)})
}

func (c *Conn) close() {
	_ = c.ws.Close()
}

func marshalData(data any) json.RawMessage {
	if data == nil {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(data)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
