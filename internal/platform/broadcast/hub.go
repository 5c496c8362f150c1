// Package broadcast fans JSON messages out to WebSocket clients subscribed
// to named channels. A RedisRelay extends the fan-out across server
// instances.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Message is the frame written to subscribers.
type Message struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	SentAt  time.Time       `json:"sent_at"`
}

// ClientMessage is an inbound subscribe/unsubscribe request.
type ClientMessage struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// Publisher sends a payload to every subscriber of channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

type Client struct {
	ID       string
	Identity Identity
	Channels []string
	Send     chan []byte
}

type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Client]struct{}
	all      map[*Client]struct{}
	logger   zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		channels: make(map[string]map[*Client]struct{}),
		all:      make(map[*Client]struct{}),
		logger:   logger.With().Str("component", "broadcast").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	for _, ch := range client.Channels {
		h.add(ch, client)
	}
}

// Unregister removes the client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	for _, ch := range client.Channels {
		h.remove(ch, client)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range channels {
		if _, already := h.channels[ch][client]; already {
			continue
		}
		h.add(ch, client)
		client.Channels = append(client.Channels, ch)
	}
}

func (h *Hub) Unsubscribe(client *Client, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	drop := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		drop[ch] = struct{}{}
		h.remove(ch, client)
	}
	kept := client.Channels[:0]
	for _, ch := range client.Channels {
		if _, rm := drop[ch]; !rm {
			kept = append(kept, ch)
		}
	}
	client.Channels = kept
}

func (h *Hub) add(ch string, c *Client) {
	if h.channels[ch] == nil {
		h.channels[ch] = make(map[*Client]struct{})
	}
	h.channels[ch][c] = struct{}{}
}

func (h *Hub) remove(ch string, c *Client) {
	if subs, ok := h.channels[ch]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, ch)
		}
	}
}

// Deliver writes an encoded message to local subscribers. Clients whose
// buffer is full are skipped.
func (h *Hub) Deliver(msg Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("channel", msg.Channel).Msg("marshal broadcast message")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for client := range h.channels[msg.Channel] {
		select {
		case client.Send <- data:
			sent++
		default:
			h.logger.Warn().Str("client", client.ID).Str("channel", msg.Channel).Msg("client buffer full, message skipped")
		}
	}
	return sent
}

// Publish implements Publisher for a single instance.
func (h *Hub) Publish(_ context.Context, channel string, payload interface{}) error {
	msg, err := NewMessage(channel, payload)
	if err != nil {
		return err
	}
	h.Deliver(msg)
	return nil
}

func NewMessage(channel string, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Channel: channel, Data: raw, SentAt: time.Now().UTC()}, nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) ChannelCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Identity is who opened the socket, captured at upgrade time.
type Identity struct {
	UserID string
	Roles  []string
}

// Authorizer decides whether id may join channel.
type Authorizer func(id Identity, channel string) bool

// Handler upgrades HTTP connections and pumps messages between the socket
// and the hub.
type Handler struct {
	hub       *Hub
	authorize Authorizer
	upgrader  gorillawebsocket.Upgrader
	identify  func(c echo.Context) Identity
}

func NewHandler(hub *Hub, allowedOrigins []string, identify func(echo.Context) Identity, authorize Authorizer) *Handler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &Handler{
		hub:       hub,
		authorize: authorize,
		identify:  identify,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
	}
}

func (wh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wh.Connect)
}

// Connect handles GET /ws. Initial channels may be given as repeated
// ?channel= query parameters.
func (wh *Handler) Connect(c echo.Context) error {
	var id Identity
	if wh.identify != nil {
		id = wh.identify(c)
	}
	initial := wh.allowed(id, c.QueryParams()["channel"])
	ws, err := wh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:       uuid.New().String(),
		Identity: id,
		Channels: initial,
		Send:     make(chan []byte, 256),
	}
	wh.hub.Register(client)

	go wh.writePump(client, ws)
	go wh.readPump(client, ws)
	return nil
}

func (wh *Handler) allowed(id Identity, channels []string) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if wh.authorize == nil || wh.authorize(id, ch) {
			out = append(out, ch)
		}
	}
	return out
}

func (wh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wh.hub.Unregister(client)
		ws.Close()
	}()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			wh.hub.Subscribe(client, wh.allowed(client.Identity, msg.Channels))
		case "unsubscribe":
			wh.hub.Unsubscribe(client, msg.Channels)
		}
	}
}

func (wh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()
	for data := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
			return
		}
	}
}
