// Package admin is the operator surface: the /admin WebSocket with
// auth, capabilities and subscriptions, and the HTTP endpoint set for
// tooling (snapshot, changefeed paging, uploads, deploy locks,
// deploy snapshots, cleaner).
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"verse/server/internal/engine"
	"verse/server/internal/world"
)

const (
	authDeadline             = 10 * time.Second
	adminWriteWait           = 10 * time.Second
	sendQueueSize            = 256
	defaultHeartbeatInterval = 30 * time.Second
)

// Capabilities granted on successful auth. The minimal profile
// collapses builder and deploy into admin.
var capabilities = []string{"admin", "builder", "deploy"}

// PlayerControl is the slice of the player hub the admin surface
// needs: force-disconnect, mute, live rank updates.
type PlayerControl interface {
	Kick(sessionID, code string) bool
	SetMuted(sessionID string, muted bool) bool
	SetRank(sessionID string, rank int) bool
}

type subscriptions struct {
	Snapshot bool `json:"snapshot"`
	Players  bool `json:"players"`
	Runtime  bool `json:"runtime"`
}

type authPacket struct {
	Type           string        `json:"type"`
	Code           string        `json:"code"`
	Subscriptions  subscriptions `json:"subscriptions"`
	NeedsHeartbeat bool          `json:"needsHeartbeat"`
	NetworkID      string        `json:"networkId"`
}

type commandPacket struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

type resultPacket struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Current   any    `json:"current,omitempty"`
	Lock      any    `json:"lock,omitempty"`
	Pending   string `json:"pending,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type pushPacket struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// conn is one authenticated operator socket. Frames are JSON text;
// the outbound queue keeps engine fan-out from blocking on a slow
// tool.
type conn struct {
	ws   *websocket.Conn
	subs subscriptions

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *conn) push(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case <-c.closed:
	case c.send <- data:
	default:
		// Slow operator socket; drop it rather than queue unbounded.
		c.close()
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(adminWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		}
	}
}

// heartbeat pushes a periodic keepalive frame for consoles that asked
// for one at auth time.
func (c *conn) heartbeat(every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-tick.C:
			c.push(pushPacket{Type: "heartbeat"})
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// Hub owns the operator sockets and implements the engine
// Broadcaster so admin tooling sees the same event stream players do.
type Hub struct {
	mu    sync.Mutex
	conns map[*conn]struct{}

	engine  *engine.Engine
	players PlayerControl
	code    string
	log     *zap.Logger

	heartbeatEvery time.Duration
	upgrader       websocket.Upgrader
}

// NewHub wires the operator hub. An empty code disables the surface.
func NewHub(eng *engine.Engine, players PlayerControl, code string, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		conns:          make(map[*conn]struct{}),
		engine:         eng,
		players:        players,
		code:           code,
		log:            log,
		heartbeatEvery: defaultHeartbeatInterval,
		upgrader:       websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// codeValid compares the shared secret in constant time.
func (h *Hub) codeValid(code string) bool {
	if h.code == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(code), []byte(h.code)) == 1
}

// ServeWS is the /admin endpoint. The first frame must authenticate;
// everything after is adminCommand envelopes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("admin upgrade failed", zap.Error(err))
		return
	}

	ws.SetReadDeadline(time.Now().Add(authDeadline))
	var auth authPacket
	if err := ws.ReadJSON(&auth); err != nil || auth.Type != "adminAuth" {
		writeJSON(ws, map[string]any{"type": "adminAuthError", "error": world.ErrInvalidPacket})
		ws.Close()
		return
	}
	if !h.codeValid(auth.Code) {
		writeJSON(ws, map[string]any{"type": "adminAuthError", "error": world.ErrInvalidCode})
		ws.Close()
		return
	}
	ws.SetReadDeadline(time.Time{})

	c := &conn{
		ws:     ws,
		subs:   auth.Subscriptions,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	if auth.NeedsHeartbeat {
		go c.heartbeat(h.heartbeatEvery)
	}

	c.push(map[string]any{"type": "adminAuthOk", "capabilities": capabilities})

	// Registration and snapshot share the engine serializer so the
	// console misses no event between the two.
	h.engine.WithSnapshot(func(snap world.Snapshot) {
		h.mu.Lock()
		h.conns[c] = struct{}{}
		h.mu.Unlock()
		if auth.Subscriptions.Snapshot {
			c.push(pushPacket{Type: "snapshot", Data: snap})
		}
	})
	h.log.Info("admin connected", zap.String("network", auth.NetworkID))

	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		c.close()
		h.log.Info("admin disconnected")
	}()

	for {
		var cmd commandPacket
		if err := ws.ReadJSON(&cmd); err != nil {
			return
		}
		if cmd.Type == "" {
			c.push(resultPacket{Type: "adminResult", RequestID: cmd.RequestID, Error: world.ErrInvalidPacket})
			continue
		}
		c.push(h.dispatch(cmd))
	}
}

func writeJSON(ws *websocket.Conn, v any) {
	ws.SetWriteDeadline(time.Now().Add(adminWriteWait))
	ws.WriteJSON(v)
}

// Broadcast implements engine.Broadcaster for the operator side:
// world events go to everyone, player entity events additionally
// surface as playerJoined/Updated/Left for sessions subscribed to
// players.
func (h *Hub) Broadcast(ev engine.Event, _ string) {
	worldEv, playerEv := translate(ev)

	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if worldEv != nil && c.subs.Runtime {
			c.push(worldEv)
		}
		if playerEv != nil && c.subs.Players {
			c.push(playerEv)
		}
	}
}

// SendTo is a no-op on the admin side: targeted engine replies
// address player sessions, and commands already answer inline.
func (h *Hub) SendTo(string, engine.Event) {}

// AppendOperation pushes one accepted changefeed row to runtime
// subscribers.
func (h *Hub) AppendOperation(op world.Operation) {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c.subs.Runtime {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.push(pushPacket{Type: "runtimeOperation", Data: op})
	}
}

// translate splits one engine event into its world push and, for
// player entities, the player-stream push.
func translate(ev engine.Event) (worldPush, playerPush *pushPacket) {
	worldPush = &pushPacket{Type: ev.Kind, Data: ev.Data}

	switch ev.Kind {
	case engine.EvEntityAdded, engine.EvEntityModified:
		if ent, ok := ev.Data.(*world.Entity); ok && ent.Type == world.EntityPlayer {
			kind := "playerJoined"
			if ev.Kind == engine.EvEntityModified {
				kind = "playerUpdated"
			}
			return nil, &pushPacket{Type: kind, Data: ent}
		}
	case engine.EvEntityRemoved:
		if data, ok := ev.Data.(map[string]any); ok && data["type"] == world.EntityPlayer {
			return nil, &pushPacket{Type: "playerLeft", Data: data}
		}
	}
	return worldPush, nil
}
