package host

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"vtedge/internal/worker"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 54 * time.Second
	maxFrameBytes  = 64 << 10
	clientSendSize = 64
)

// PostFunc receives a page message addressed to a worker.
type PostFunc func(clientID, target string, data []byte)

type client struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	controller string
	done       chan struct{}
	closeOnce  sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub keeps the websocket of every open page. It is the worker's view of
// its clients and the pages' view of the registration.
type Hub struct {
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	clients    map[string]*client
	controller string
	onPost     PostFunc

	log zerolog.Logger
}

// NewHub accepts connections from pages served by publicOrigin, or from
// the host the connection arrives on.
func NewHub(publicOrigin string, log zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || origin == publicOrigin {
					return true
				}
				u, err := url.Parse(origin)
				return err == nil && strings.EqualFold(u.Host, r.Host)
			},
		},
		clients: make(map[string]*client),
		log:     log,
	}
}

// OnPost sets the handler for page messages. It must be called before the
// hub serves connections.
func (h *Hub) OnPost(fn PostFunc) { h.onPost = fn }

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.mu.Lock()
	c := &client{
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan []byte, clientSendSize),
		controller: h.controller,
		done:       make(chan struct{}),
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.log.Debug().Str("client", c.id).Str("controller", c.controller).Msg("client connected")
	h.sendTo(c, Frame{Kind: KindHello, ClientID: c.id, Controller: c.controller})

	go h.writePump(c)
	h.readPump(c)
}

// Clients returns the number of open pages.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast posts a worker message to every open page.
func (h *Hub) Broadcast(m worker.Outbound) {
	data, err := worker.EncodeOutbound(m)
	if err != nil {
		h.log.Error().Err(err).Str("type", m.Type()).Msg("encode message")
		return
	}
	h.sendAll(Frame{Kind: KindMessage, Data: data})
}

// Event tells every open page about a registration change.
func (h *Hub) Event(event, state, version string) {
	h.sendAll(Frame{Kind: KindEvent, Event: event, State: state, Version: version})
}

// Claim makes version the controller of every open page, and of pages that
// open later. Pages whose controller changes get a controllerchange event.
func (h *Hub) Claim(version string) {
	h.mu.Lock()
	h.controller = version
	var changed []*client
	for _, c := range h.clients {
		if c.controller != version {
			c.controller = version
			changed = append(changed, c)
		}
	}
	h.mu.Unlock()

	for _, c := range changed {
		h.sendTo(c, Frame{Kind: KindEvent, Event: EventControllerChange, Version: version})
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) sendAll(f Frame) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendTo(c, f)
	}
}

func (h *Hub) sendTo(c *client, f Frame) {
	b, err := f.Encode()
	if err != nil {
		h.log.Error().Err(err).Msg("encode frame")
		return
	}
	select {
	case c.send <- b:
	case <-c.done:
	default:
		// A page that misses a frame would keep a stale controller; drop it
		// so it reconnects and gets a fresh hello.
		h.log.Warn().Str("client", c.id).Str("kind", f.Kind).Str("event", f.Event).Msg("client send buffer full, disconnecting")
		h.unregister(c)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.close()
	h.log.Debug().Str("client", c.id).Msg("client disconnected")
}

func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("client", c.id).Msg("websocket read")
			}
			return
		}
		f, err := DecodeFrame(b)
		if err != nil {
			h.log.Debug().Err(err).Str("client", c.id).Msg("bad frame")
			continue
		}
		if f.Kind != KindPost || h.onPost == nil {
			continue
		}
		h.onPost(c.id, f.Target, f.Data)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
