package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/bus"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/metrics"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

const (
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second
	// wsPongWait is how long a silent client stays connected.
	wsPongWait = 60 * time.Second
	// wsPingPeriod must fire before wsPongWait runs out.
	wsPingPeriod = (wsPongWait * 9) / 10
	// wsMaxFrame caps inbound frames; clients only send small control JSON.
	wsMaxFrame = 4096
)

// clientFrame is what a browser sends: subscribe/unsubscribe to a job topic.
// The authenticate type is accepted for compatibility and ignored, since the
// session cookie already authenticated the upgrade.
type clientFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// wsHub tracks live connections so shutdown can close them; Shutdown on the
// http server does not touch hijacked connections.
type wsHub struct {
	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{conns: make(map[*wsConn]struct{})}
}

func (h *wsHub) add(c *wsConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *wsHub) remove(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// wsConn is one upgraded connection. Events from every subscription funnel
// into send; a single writer goroutine drains it so gorilla's one-writer
// rule holds.
type wsConn struct {
	srv  *Server
	ws   *websocket.Conn
	send chan types.Event
	done chan struct{}

	mu   sync.Mutex
	subs map[string]*bus.Subscription

	closeOnce sync.Once
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return s.originAllowed(origin, r.Host)
		},
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request.
		return
	}

	c := &wsConn{
		srv:  s,
		ws:   ws,
		send: make(chan types.Event, s.cfg.Bus.SubscriberQueue),
		done: make(chan struct{}),
		subs: make(map[string]*bus.Subscription),
	}
	metrics.WSConnectionsActive.Inc()
	s.hub.add(c)

	go c.writePump()
	c.readPump()
	c.close()
}

// readPump is the connection's read loop; it only ever sees small JSON
// control frames. Returning ends the connection.
func (c *wsConn) readPump() {
	c.ws.SetReadLimit(wsMaxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.srv.logger.Debug().Err(err).Msg("ignoring malformed websocket frame")
			continue
		}
		switch frame.Type {
		case "subscribe":
			c.subscribe(frame.Topic)
		case "unsubscribe":
			c.unsubscribe(frame.Topic)
		case "authenticate":
			// Cookie auth happened at upgrade time.
		default:
			c.srv.logger.Debug().Str("type", frame.Type).Msg("ignoring unknown websocket frame type")
		}
	}
}

// subscribe attaches the connection to a job topic and replays the topic's
// ring before streaming live events, in one ordered feed.
func (c *wsConn) subscribe(topic string) {
	if topic == "" {
		return
	}
	c.mu.Lock()
	if _, dup := c.subs[topic]; dup {
		c.mu.Unlock()
		return
	}
	sub := c.srv.bus.Subscribe(topic)
	c.subs[topic] = sub
	c.mu.Unlock()

	go c.pump(sub)
}

func (c *wsConn) unsubscribe(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}

// pump copies one subscription into the shared send channel: snapshot
// first, then the live feed until the subscription or connection ends.
// Enqueueing blocks, so a slow client backs pressure up into the bus's
// bounded per-subscriber queue, where overflow turns into lag events.
func (c *wsConn) pump(sub *bus.Subscription) {
	for _, ev := range sub.Snapshot {
		select {
		case c.send <- ev:
		case <-c.done:
			return
		}
	}
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			select {
			case c.send <- ev:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

// writePump is the sole writer on the socket. It interleaves events with
// keepalive pings and stops when the connection is closed.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		}
	}
}

// close tears the connection down exactly once: cancels every subscription
// (which closes their channels and ends the pumps), releases the writer,
// and drops the socket.
func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		subs := make([]*bus.Subscription, 0, len(c.subs))
		for _, sub := range c.subs {
			subs = append(subs, sub)
		}
		c.subs = make(map[string]*bus.Subscription)
		c.mu.Unlock()

		for _, sub := range subs {
			sub.Cancel()
		}
		close(c.done)
		c.srv.hub.remove(c)
		_ = c.ws.Close()
		metrics.WSConnectionsActive.Dec()
	})
}
