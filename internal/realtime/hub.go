// Package realtime implements the topic-based fan-out gateway: one
// broker-level publish channel bridged to many local websocket
// connections, with per-topic subscription refcounts. Topic bookkeeping
// is process-local; scaling the gateway horizontally requires sticky
// routing per connection.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/metrics"
)

// closeCodeUnauthorized is sent before closing a socket that failed
// authentication.
const closeCodeUnauthorized = 4401

// MembershipFunc returns the group/thread topics a connection is
// auto-subscribed to at connect time. The snapshot is fetched once and
// not kept in sync afterwards except via explicit client actions.
type MembershipFunc func(ctx context.Context, identity string) ([]string, error)

// Config holds the hub's limits and liveness settings.
type Config struct {
	MaxTopics    int
	PingInterval time.Duration
	PongWait     time.Duration
}

// Hub owns the topic subscription state for one gateway process. All
// subscribe/unsubscribe races are serialized behind one mutex.
type Hub struct {
	broker      Broker
	auth        *Authenticator
	memberships MembershipFunc
	cfg         Config
	upgrader    websocket.Upgrader
	log         *logrus.Entry

	mu     sync.Mutex
	topics map[string]map[*Conn]struct{}
}

// NewHub creates a Hub.
func NewHub(broker Broker, auth *Authenticator, memberships MembershipFunc, cfg Config) *Hub {
	if cfg.MaxTopics <= 0 {
		cfg.MaxTopics = 128
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 3 * cfg.PingInterval
	}
	if memberships == nil {
		memberships = func(context.Context, string) ([]string, error) { return nil, nil }
	}
	return &Hub{
		broker:      broker,
		auth:        auth,
		memberships: memberships,
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:    logrus.WithField("component", "realtime"),
		topics: make(map[string]map[*Conn]struct{}),
	}
}

// Run fans broker messages out to local subscribers until the context
// is canceled.
func (h *Hub) Run(ctx context.Context) error {
	h.log.Info("Fan-out loop started")
	for {
		select {
		case <-ctx.Done():
			h.log.Info("Fan-out loop stopped")
			return ctx.Err()
		case msg, ok := <-h.broker.Messages():
			if !ok {
				return nil
			}
			h.fanOut(msg)
		}
	}
}

// fanOut forwards one broker message to every currently-subscribed
// local connection. Delivery is best-effort: send failures are
// swallowed, not retried, not persisted.
func (h *Hub) fanOut(msg BrokerMessage) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.topics[msg.Topic]))
	for c := range h.topics[msg.Topic] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if c.trySend(msg.Payload) {
			metrics.RealtimeMessages.WithLabelValues("delivered").Inc()
		} else {
			metrics.RealtimeMessages.WithLabelValues("dropped").Inc()
		}
	}
}

// ServeHTTP is the connection upgrade endpoint.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Upgrade failed")
		return
	}

	identity, err := h.auth.Authenticate(r)
	if err != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCodeUnauthorized, "unauthorized"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	conn := &Conn{
		id:       uuid.New().String(),
		identity: identity,
		ws:       ws,
		hub:      h,
		send:     make(chan []byte, 64),
		done:     make(chan struct{}),
		topics:   make(map[string]struct{}),
	}

	metrics.RealtimeConnections.Inc()
	h.log.WithFields(logrus.Fields{
		"conn_id":  conn.id,
		"identity": identity,
	}).Info("Connection opened")

	initial := h.initialTopics(r.Context(), identity)
	for _, topic := range initial {
		if err := h.addSubscription(r.Context(), conn, topic); err != nil {
			h.log.WithError(err).WithField("topic", topic).Warn("Initial subscription failed")
		}
	}

	conn.sendFrame(ServerFrame{Type: TypeWelcome, Topics: initial})

	go conn.writePump()
	go conn.readPump()
}

// initialTopics derives the connect-time topic set: the connection's own
// identity topic plus a one-time snapshot of current memberships.
func (h *Hub) initialTopics(ctx context.Context, identity string) []string {
	topics := []string{UserTopic(identity)}
	snapshot, err := h.memberships(ctx, identity)
	if err != nil {
		h.log.WithError(err).Warn("Failed to fetch membership snapshot")
		return topics
	}
	for _, t := range snapshot {
		if ValidTopic(t) {
			topics = append(topics, t)
		}
	}
	return topics
}

// addSubscription attaches a connection to a topic, creating the
// broker-level subscription when the first local subscriber appears.
func (h *Hub) addSubscription(ctx context.Context, c *Conn, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := c.topics[topic]; ok {
		return nil
	}
	if len(c.topics) >= h.cfg.MaxTopics {
		return errTooManyTopics
	}

	subs, ok := h.topics[topic]
	if !ok {
		// First local subscriber: attach the broker subscription before
		// exposing the topic locally.
		if err := h.broker.Subscribe(ctx, topic); err != nil {
			return err
		}
		subs = make(map[*Conn]struct{})
		h.topics[topic] = subs
		metrics.RealtimeTopics.Set(float64(len(h.topics)))
	}
	subs[c] = struct{}{}
	c.topics[topic] = struct{}{}
	return nil
}

// removeSubscription detaches a connection from a topic, dropping the
// broker-level subscription when the last local subscriber leaves.
func (h *Hub) removeSubscription(ctx context.Context, c *Conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(ctx, c, topic)
}

func (h *Hub) removeLocked(ctx context.Context, c *Conn, topic string) {
	if _, ok := c.topics[topic]; !ok {
		return
	}
	delete(c.topics, topic)

	subs := h.topics[topic]
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.topics, topic)
		metrics.RealtimeTopics.Set(float64(len(h.topics)))
		if err := h.broker.Unsubscribe(ctx, topic); err != nil {
			h.log.WithError(err).WithField("topic", topic).Warn("Broker unsubscribe failed")
		}
	}
}

// unregister removes a closing connection from every topic it holds.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := context.Background()
	for topic := range c.topics {
		h.removeLocked(ctx, c, topic)
	}

	metrics.RealtimeConnections.Dec()
	h.log.WithField("conn_id", c.id).Info("Connection closed")
}

// SubscriberCount reports the local subscriber count for a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// EncodeEvent builds the relayed frame producers publish through the
// broker for a topic.
func EncodeEvent(event, topic string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(EventFrame{
		Event: event,
		Topic: topic,
		TS:    time.Now().UnixMilli(),
		Data:  raw,
	})
}
