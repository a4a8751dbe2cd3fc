// Package ws is the player-facing session hub: the /ws endpoint,
// per-session packet queues, the keepalive sweep, the inbound command
// queue drained per tick, and broadcast fan-out for the mutation
// engine.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"verse/server/internal/ai"
	"verse/server/internal/engine"
	"verse/server/internal/net/proto"
	"verse/server/internal/token"
	"verse/server/internal/voice"
	"verse/server/internal/world"
)

const (
	defaultTickInterval = 50 * time.Millisecond
	defaultPingInterval = 10 * time.Second
	chatBufferSize      = 50
	defaultPlayerHealth = 100
)

// UserStore is the durable user table.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*world.User, error)
	UpsertUser(ctx context.Context, u world.User) error
}

// Config carries the hub's static settings.
type Config struct {
	AssetsURL     string
	MaxUploadSize int64
	AdminCode     string
	TickInterval  time.Duration
	PingInterval  time.Duration
}

// Hub owns all live player sessions. Session maps are mutated only
// under the hub mutex; socket writes go through each session's queue.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]*Session
	chat     []world.ChatMessage
	inbound  []inboundPacket

	engine *engine.Engine
	users  UserStore
	tokens *token.Signer
	voice  voice.Transport
	ai     ai.Service
	cfg    Config
	log    *zap.Logger

	upgrader  websocket.Upgrader
	startedAt time.Time
}

type inboundPacket struct {
	session *Session
	tag     proto.Tag
	payload []byte
}

// NewHub wires the session hub. Nil voice/ai collaborators get the
// disabled defaults.
func NewHub(eng *engine.Engine, users UserStore, tokens *token.Signer, vt voice.Transport, svc ai.Service, cfg Config, log *zap.Logger) *Hub {
	if vt == nil {
		vt = voice.Disabled{}
	}
	if svc == nil {
		svc = ai.Disabled{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		sessions:  make(map[string]*Session),
		byUser:    make(map[string]*Session),
		engine:    eng,
		users:     users,
		tokens:    tokens,
		voice:     vt,
		ai:        svc,
		cfg:       cfg,
		log:       log,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		startedAt: time.Now(),
	}
}

// snapshotPacket is the single packet a client receives on connect.
type snapshotPacket struct {
	SessionID     string              `json:"sessionId"`
	ServerTime    int64               `json:"serverTime"`
	AssetsURL     string              `json:"assetsUrl"`
	MaxUploadSize int64               `json:"maxUploadSize"`
	Settings      map[string]any      `json:"settings"`
	Chat          []world.ChatMessage `json:"chat"`
	Blueprints    []*world.Blueprint  `json:"blueprints"`
	Entities      []*world.Entity     `json:"entities"`
	Spawn         world.Spawn         `json:"spawn"`
	Voice         any                 `json:"voice,omitempty"`
	AuthToken     string              `json:"authToken"`
	HasAdminCode  bool                `json:"hasAdminCode"`
}

type kickPacket struct {
	Code string `json:"code"`
}

// ServeWS is the /ws endpoint.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	query := r.URL.Query()
	authToken := query.Get("authToken")
	name := query.Get("name")
	avatar := query.Get("avatar")

	user, authToken, err := h.resolveUser(r.Context(), authToken, name, avatar)
	if err != nil {
		h.log.Error("user resolution failed", zap.Error(err))
		rejectConn(conn, world.ErrServerError)
		return
	}

	// Settings live behind the engine serializer; read the cap before
	// taking h.mu so the lock order stays engine before hub.
	limit := h.playerLimit()

	h.mu.Lock()
	if limit > 0 && len(h.sessions) >= limit {
		h.mu.Unlock()
		rejectConn(conn, world.ErrPlayerLimit)
		return
	}
	if _, taken := h.byUser[user.ID]; taken {
		h.mu.Unlock()
		rejectConn(conn, world.ErrDuplicateUser)
		return
	}
	session := newSession(uuid.NewString(), h, conn, user)
	// Claim both slots while the checks still hold, so a racing
	// connect for the same user (or one past the cap) fails its own
	// check instead of slipping through before registration.
	h.sessions[session.ID] = session
	h.byUser[user.ID] = session
	h.mu.Unlock()

	go session.writeLoop()

	playerName := user.Name
	if name != "" {
		playerName = name
	}
	player := &world.Entity{
		ID:            session.ID,
		Type:          world.EntityPlayer,
		Position:      h.engine.Spawn().Position,
		Quaternion:    h.engine.Spawn().Quaternion,
		Name:          playerName,
		Avatar:        user.Avatar,
		SessionAvatar: avatar,
		Rank:          user.Rank,
		Health:        defaultPlayerHealth,
		UserID:        user.ID,
	}
	res := h.engine.AddEntity(player, engine.Meta{
		Actor: user.ID, Source: engine.SourcePlayer, SessionID: session.ID,
	})
	if !res.OK {
		h.abortConnect(session, res.Error)
		return
	}

	// The ready flip and snapshot happen under the engine serializer so
	// the session misses no broadcast between the two. The flip shares
	// h.mu with the chat fan-out for the same reason.
	h.engine.WithSnapshot(func(snap world.Snapshot) {
		h.mu.Lock()
		chat := make([]world.ChatMessage, len(h.chat))
		copy(chat, h.chat)
		session.ready.Store(true)
		h.mu.Unlock()

		session.Send(proto.TagSnapshot, snapshotPacket{
			SessionID:     session.ID,
			ServerTime:    time.Now().UnixMilli(),
			AssetsURL:     h.cfg.AssetsURL,
			MaxUploadSize: h.cfg.MaxUploadSize,
			Settings:      snap.Settings,
			Chat:          chat,
			Blueprints:    snap.Blueprints,
			Entities:      snap.Entities,
			Spawn:         snap.Spawn,
			Voice:         h.voice.Serialize(user.ID),
			AuthToken:     authToken,
			HasAdminCode:  h.cfg.AdminCode != "",
		})
	})

	h.log.Info("player connected",
		zap.String("session", session.ID), zap.String("user", user.ID))
	go session.readLoop()
}

// resolveUser verifies a presented token, or mints an anonymous user
// plus a fresh token.
func (h *Hub) resolveUser(ctx context.Context, authToken, name, avatar string) (world.User, string, error) {
	if authToken != "" && h.tokens != nil {
		if userID, err := h.tokens.Read(authToken); err == nil {
			if u, err := h.users.GetUser(ctx, userID); err == nil && u != nil {
				return *u, authToken, nil
			}
		}
	}

	if name == "" {
		name = "Anonymous"
	}
	user := world.User{
		ID:        uuid.NewString(),
		Name:      name,
		Avatar:    avatar,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.users.UpsertUser(ctx, user); err != nil {
		return world.User{}, "", err
	}
	fresh := ""
	if h.tokens != nil {
		var err error
		if fresh, err = h.tokens.Create(user.ID); err != nil {
			return world.User{}, "", err
		}
	}
	return user, fresh, nil
}

// rejectConn sends a kick packet with the reason and closes.
// abortConnect rolls back a claimed connect: the reserved slots are
// released, the client is told why, and the writer is unblocked.
func (h *Hub) abortConnect(s *Session, code string) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	if h.byUser[s.user.ID] == s {
		delete(h.byUser, s.user.ID)
	}
	h.mu.Unlock()
	rejectConn(s.conn, code)
	s.close()
}

func rejectConn(conn *websocket.Conn, code string) {
	if data, err := proto.WritePacket(proto.TagKick, kickPacket{Code: code}); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.BinaryMessage, data)
	}
	conn.Close()
}

// playerLimit reads the configured player cap from settings. Must not
// be called with h.mu held: settings reads take the engine serializer.
func (h *Hub) playerLimit() int {
	switch v := h.engine.Settings()["playerLimit"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// disconnect tears a session down: voice modifiers cleared, player
// entity destroyed, maps pruned.
func (h *Hub) disconnect(s *Session) {
	h.mu.Lock()
	_, present := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	if h.byUser[s.user.ID] == s {
		delete(h.byUser, s.user.ID)
	}
	h.mu.Unlock()

	s.close()
	if !present {
		return
	}

	h.voice.ClearModifiers(s.user.ID)
	h.engine.RemoveEntity(s.ID, engine.Meta{
		Actor: s.user.ID, Source: engine.SourcePlayer, SessionID: s.ID,
	})
	h.log.Info("player disconnected",
		zap.String("session", s.ID), zap.String("user", s.user.ID))
}

// Run drives the inbound drain tick and the keepalive sweep until the
// context is cancelled, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	tick := time.NewTicker(h.cfg.TickInterval)
	defer tick.Stop()
	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-tick.C:
			h.drainInbound()
		case <-ping.C:
			h.sweep()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		h.disconnect(s)
	}
}

// sweep disconnects sessions that missed a full ping interval.
func (h *Hub) sweep() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		if !s.alive.Load() {
			h.log.Info("disconnecting unresponsive session", zap.String("session", s.ID))
			h.disconnect(s)
			continue
		}
		s.alive.Store(false)
		if err := s.ping(); err != nil {
			h.disconnect(s)
		}
	}
}

// enqueueInbound queues one parsed packet for the next drain tick.
func (h *Hub) enqueueInbound(s *Session, tag proto.Tag, payload []byte) {
	h.mu.Lock()
	h.inbound = append(h.inbound, inboundPacket{session: s, tag: tag, payload: payload})
	h.mu.Unlock()
}

// drainInbound processes every queued packet in arrival order.
func (h *Hub) drainInbound() {
	h.mu.Lock()
	queue := h.inbound
	h.inbound = nil
	h.mu.Unlock()

	for _, pkt := range queue {
		h.handle(pkt.session, pkt.tag, pkt.payload)
	}
}

// kindTags maps engine broadcast kinds onto wire tags.
var kindTags = map[string]proto.Tag{
	engine.EvBlueprintAdded:    proto.TagBlueprintAdded,
	engine.EvBlueprintModified: proto.TagBlueprintModified,
	engine.EvBlueprintRemoved:  proto.TagBlueprintRemoved,
	engine.EvEntityAdded:       proto.TagEntityAdded,
	engine.EvEntityModified:    proto.TagEntityModified,
	engine.EvEntityRemoved:     proto.TagEntityRemoved,
	engine.EvSettingsModified:  proto.TagSettingsModified,
	engine.EvSpawnModified:     proto.TagSpawnModified,
}

// Broadcast fans one engine event out to every session except the
// origin. The packet is framed once per event.
func (h *Hub) Broadcast(ev engine.Event, ignoreSessionID string) {
	tag, ok := kindTags[ev.Kind]
	if !ok {
		return
	}
	data, err := proto.WritePacket(tag, ev.Data)
	if err != nil {
		h.log.Error("broadcast encode failed", zap.String("kind", ev.Kind), zap.Error(err))
		return
	}

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id == ignoreSessionID || !s.ready.Load() {
			continue
		}
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.enqueue(data)
	}
}

// SendTo delivers one engine event to a single session.
func (h *Hub) SendTo(sessionID string, ev engine.Event) {
	tag, ok := kindTags[ev.Kind]
	if !ok {
		return
	}
	h.mu.Lock()
	s := h.sessions[sessionID]
	h.mu.Unlock()
	if s != nil && s.ready.Load() {
		s.Send(tag, ev.Data)
	}
}

// Kick force-disconnects the session owning a player entity id.
func (h *Hub) Kick(sessionID, code string) bool {
	h.mu.Lock()
	s := h.sessions[sessionID]
	h.mu.Unlock()
	if s == nil {
		return false
	}
	s.Send(proto.TagKick, kickPacket{Code: code})
	// Leave a beat for the kick packet to drain before closing.
	time.AfterFunc(250*time.Millisecond, func() { h.disconnect(s) })
	return true
}

// SetRank updates a session's live rank and persists it on the user
// row. The player entity itself is patched by the caller through the
// engine.
func (h *Hub) SetRank(sessionID string, rank int) bool {
	h.mu.Lock()
	s := h.sessions[sessionID]
	h.mu.Unlock()
	if s == nil {
		return false
	}
	s.rank.Store(int64(rank))
	user := s.user
	user.Rank = rank
	h.upsertUser(user)
	return true
}

// SetMuted toggles voice muting for the user behind a session.
func (h *Hub) SetMuted(sessionID string, muted bool) bool {
	h.mu.Lock()
	s := h.sessions[sessionID]
	h.mu.Unlock()
	if s == nil {
		return false
	}
	h.voice.SetMuted(s.user.ID, muted)
	return true
}

// SessionCount reports the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
