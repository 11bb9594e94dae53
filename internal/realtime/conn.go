package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errTooManyTopics = errors.New("subscription limit reached")

// Conn is one authenticated websocket connection.
type Conn struct {
	id       string
	identity string
	ws       *websocket.Conn
	hub      *Hub
	send     chan []byte
	done     chan struct{}

	// topics is guarded by hub.mu.
	topics map[string]struct{}

	closeOnce sync.Once
}

// trySend queues a payload for delivery without blocking. A full send
// buffer or a closed connection drops the message.
func (c *Conn) trySend(payload []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Conn) sendFrame(frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.hub.unregister(c)
		close(c.done)
		c.ws.Close()
	})
}

// readPump processes client frames until the connection dies. A
// connection that misses the pong deadline is forcibly closed by the
// expired read deadline.
func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames get a structured error reply; the
			// connection stays open.
			c.sendFrame(ServerFrame{Type: TypeError, Error: "malformed frame"})
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Conn) handleFrame(frame ClientFrame) {
	ctx := context.Background()

	switch frame.Action {
	case ActionPing:
		c.sendFrame(ServerFrame{Type: TypePong})

	case ActionSubscribe:
		accepted := make([]string, 0, len(frame.Topics))
		for _, topic := range frame.Topics {
			if !ValidTopic(topic) {
				c.sendFrame(ServerFrame{Type: TypeError, Topics: []string{topic}, Error: "invalid topic"})
				continue
			}
			if err := c.hub.addSubscription(ctx, c, topic); err != nil {
				c.sendFrame(ServerFrame{Type: TypeError, Topics: []string{topic}, Error: err.Error()})
				continue
			}
			accepted = append(accepted, topic)
		}
		if len(accepted) > 0 {
			c.sendFrame(ServerFrame{Type: TypeSubscribed, Topics: accepted})
		}

	case ActionUnsubscribe:
		removed := make([]string, 0, len(frame.Topics))
		for _, topic := range frame.Topics {
			c.hub.removeSubscription(ctx, c, topic)
			removed = append(removed, topic)
		}
		c.sendFrame(ServerFrame{Type: TypeUnsubscribed, Topics: removed})

	default:
		c.sendFrame(ServerFrame{Type: TypeError, Error: "unknown action"})
	}
}

// writePump delivers queued payloads and drives the liveness probe.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
