// Santabox Gift Exchange
//
// Participants open a game link and claim their own name from a fixed
// roster. Once every name is claimed, the draw can be started: after a short
// countdown each participant is privately told whose gift they buy. Nobody,
// the server log included, sees the whole mapping.
//
// Features:
// - WebSockets per game ID: /game/:gameid and /game/:gameid/ws
// - Participants identified by cookie (playerID)
// - Each viewer's panel is edited in place, and re-sent when that surface is gone
// - Optional organizer role, unlocked with --organizer-secret
// - Errors sent only to the offending client
// - Games unloaded after an idle timeout; their state survives in the store
// - In-browser QR button to share the current game, backed by go-qrcode

package main

import (
	"context"
	"crypto/rand"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Seednode/santabox/exchange"
)

const (
	clientBuffer   = 32
	maxMessageSize = 4096
)

// Messages coming from clients
type ClientMessage struct {
	Type   string `json:"type"`             // "open", "claim", "organize", "start", "reset", "reveal"
	Name   string `json:"name,omitempty"`   // claim
	Secret string `json:"secret,omitempty"` // organize
}

// PanelMessage carries a viewer's whole panel.
type PanelMessage struct {
	Type  string         `json:"type"` // "panel"
	Panel exchange.Panel `json:"panel"`
}

// AssignmentMessage is sent only to the giver it concerns.
type AssignmentMessage struct {
	Type string `json:"type"` // "assignment"
	exchange.AssignmentMessage
}

// EventMessage relays game lifecycle events to every connection.
type EventMessage struct {
	Type  string         `json:"type"` // "event"
	Event exchange.Event `json:"event"`
}

// ErrorMessage is sent to a single client when its request fails.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Client struct {
	id       string // also the surface handle of this connection
	seq      uint64
	conn     *websocket.Conn
	send     chan any
	playerID string
}

// Hub owns the connections of one game and is that game's Transport and
// EventSink.
type Hub struct {
	id     string
	game   *exchange.Game
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	clients    map[string]*Client
	seq        uint64
	lastActive time.Time
}

func newHub(gameID string) *Hub {
	return &Hub{
		id:         gameID,
		clients:    make(map[string]*Client),
		lastActive: time.Now(),
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	c.seq = h.seq
	h.clients[c.id] = c
	h.lastActive = time.Now()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.lastActive = time.Now()
}

func (h *Hub) touch() {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()
}

// idleSince reports whether nobody is connected and nothing happened
// after cutoff.
func (h *Hub) idleSince(cutoff time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients) == 0 && h.lastActive.Before(cutoff)
}

// deliverLocked queues msg for c. A client that cannot keep up is dropped.
func (h *Hub) deliverLocked(c *Client, msg any) bool {
	select {
	case c.send <- msg:
		return true
	default:
		delete(h.clients, c.id)
		close(c.send)
		return false
	}
}

func (h *Hub) reply(c *Client, msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[c.id]; ok && cur == c {
		h.deliverLocked(c, msg)
	}
}

func (h *Hub) SendPanel(ctx context.Context, identity string, panel exchange.Panel) (exchange.SurfaceHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var newest *Client
	for _, c := range h.clients {
		if c.playerID == identity && (newest == nil || c.seq > newest.seq) {
			newest = c
		}
	}
	if newest == nil {
		return "", exchange.ErrUnreachable
	}
	if !h.deliverLocked(newest, PanelMessage{Type: "panel", Panel: panel}) {
		return "", exchange.ErrUnreachable
	}
	return exchange.SurfaceHandle(newest.id), nil
}

func (h *Hub) EditPanel(ctx context.Context, handle exchange.SurfaceHandle, panel exchange.Panel) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[string(handle)]
	if !ok {
		return exchange.ErrSurfaceNotFound
	}
	if !h.deliverLocked(c, PanelMessage{Type: "panel", Panel: panel}) {
		return exchange.ErrSurfaceNotFound
	}
	return nil
}

// SendPrivate reaches every open connection of identity. A participant
// with no connection is unreachable.
func (h *Hub) SendPrivate(ctx context.Context, identity string, msg exchange.AssignmentMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := false
	for _, c := range h.clients {
		if c.playerID != identity {
			continue
		}
		if h.deliverLocked(c, AssignmentMessage{Type: "assignment", AssignmentMessage: msg}) {
			delivered = true
		}
	}
	if !delivered {
		return exchange.ErrUnreachable
	}
	return nil
}

func (h *Hub) Publish(ctx context.Context, event exchange.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients {
		h.deliverLocked(c, EventMessage{Type: "event", Event: event})
	}
	return nil
}

// handle runs one client request against the game. Draws run under the
// hub's context so they outlive the connection that started them.
func (h *Hub) handle(c *Client, msg ClientMessage) error {
	ctx := h.ctx

	switch msg.Type {
	case "open":
		_, err := h.game.Open(ctx, c.playerID)
		return err
	case "claim":
		_, err := h.game.Claim(ctx, c.playerID, strings.TrimSpace(msg.Name))
		return err
	case "organize":
		return h.game.ClaimOrganizer(ctx, c.playerID, msg.Secret)
	case "start":
		_, err := h.game.Start(ctx, c.playerID)
		return err
	case "reset":
		return h.game.Reset(ctx, c.playerID)
	case "reveal":
		assignment, err := h.game.Reveal(ctx, c.playerID)
		if err != nil {
			return err
		}
		h.reply(c, AssignmentMessage{Type: "assignment", AssignmentMessage: assignment})
		return nil
	default:
		// ignore unknown types
		return nil
	}
}

// close disconnects all clients of this hub and stops its refresher.
func (h *Hub) close() {
	if h.cancel != nil {
		h.cancel()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		delete(h.clients, id)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const playerCookieName = "santabox_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((90 * 24 * time.Hour).Seconds()),
	})

	return id
}

var gameIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

func validGameID(id string) bool {
	return gameIDPattern.MatchString(id)
}

// GameManager holds a set of hubs keyed by game ID, so each /game/$gameid
// is its own isolated exchange.
type GameManager struct {
	ctx    context.Context
	cfg    *Config
	roster []string
	store  exchange.StateStore
	sink   exchange.EventSink

	mu          sync.Mutex
	hubs        map[string]*Hub
	loads       singleflight.Group
	idleTimeout time.Duration
}

func newGameManager(ctx context.Context, cfg *Config, roster []string, st exchange.StateStore, sink exchange.EventSink) *GameManager {
	gm := &GameManager{
		ctx:         ctx,
		cfg:         cfg,
		roster:      roster,
		store:       st,
		sink:        sink,
		hubs:        make(map[string]*Hub),
		idleTimeout: cfg.sessionTimeout,
	}
	if gm.idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

// getHub returns the loaded hub for gameID, loading it once no matter how
// many connections ask at the same time.
func (gm *GameManager) getHub(gameID string) (*Hub, error) {
	gm.mu.Lock()
	hub, ok := gm.hubs[gameID]
	if ok {
		hub.touch()
	}
	gm.mu.Unlock()
	if ok {
		return hub, nil
	}

	v, err, _ := gm.loads.Do(gameID, func() (any, error) {
		gm.mu.Lock()
		if hub, ok := gm.hubs[gameID]; ok {
			gm.mu.Unlock()
			return hub, nil
		}
		gm.mu.Unlock()

		hub, err := gm.openHub(gameID)
		if err != nil {
			return nil, err
		}

		gm.mu.Lock()
		gm.hubs[gameID] = hub
		gm.mu.Unlock()
		return hub, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Hub), nil
}

func (gm *GameManager) openHub(gameID string) (*Hub, error) {
	hub := newHub(gameID)

	var limiter *rate.Limiter
	if gm.cfg.pacing > 0 {
		limiter = rate.NewLimiter(rate.Every(gm.cfg.pacing), 1)
	}

	sinks := exchange.Sinks{hub}
	if gm.sink != nil {
		sinks = append(sinks, gm.sink)
	}

	ticks, interval := gm.cfg.ticks()

	game, err := exchange.NewGame(exchange.Options{
		GameID:          gameID,
		Roster:          gm.roster,
		Store:           gm.store,
		Transport:       hub,
		Events:          sinks,
		Limiter:         limiter,
		CountdownTicks:  ticks,
		TickInterval:    interval,
		OrganizerSecret: gm.cfg.organizerSecret,
		EventDate:       gm.cfg.eventDate,
		Budget:          gm.cfg.budget,
		Logger:          log.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := game.Recover(gm.ctx); err != nil {
		return nil, err
	}

	hub.game = game
	hub.ctx, hub.cancel = context.WithCancel(gm.ctx)
	go game.RunRefresher(hub.ctx)

	log.Info().Str("game_id", gameID).Msg("loaded game")
	return hub, nil
}

// newGameID generates a crypto-random game ID and ensures it doesn't
// collide with loaded games.
func (gm *GameManager) newGameID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		gm.mu.Lock()
		_, exists := gm.hubs[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically unloads hubs that have been idle longer than idleTimeout.
func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-gm.ctx.Done():
			return
		case now := <-ticker.C:
			gm.reap(now)
		}
	}
}

// reap unloads idle hubs. Games with a draw in flight stay loaded.
func (gm *GameManager) reap(now time.Time) int {
	cutoff := now.Add(-gm.idleTimeout)

	gm.mu.Lock()
	defer gm.mu.Unlock()

	reaped := 0
	for id, hub := range gm.hubs {
		if !hub.idleSince(cutoff) || hub.game.Drawing() {
			continue
		}
		delete(gm.hubs, id)
		hub.close()
		reaped++
		log.Info().Str("game_id", id).Msg("unloaded idle game")
	}
	return reaped
}

func (gm *GameManager) closeAll() {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	for id, hub := range gm.hubs {
		hub.close()
		delete(gm.hubs, id)
	}
}

// WebSocket handler that picks the hub based on :gameid
func serveWS(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if !validGameID(gameID) {
			http.Error(w, "invalid game id", http.StatusBadRequest)
			return
		}

		playerID := getOrSetPlayerID(w, r)

		hub, err := gm.getHub(gameID)
		if err != nil {
			log.Error().Err(err).Str("game_id", gameID).Msg("failed to load game")
			http.Error(w, "unable to load game", http.StatusInternalServerError)
			return
		}

		var header http.Header
		if cookies := w.Header().Values("Set-Cookie"); len(cookies) > 0 {
			header = http.Header{"Set-Cookie": cookies}
		}

		conn, err := upgrader.Upgrade(w, r, header)
		if err != nil {
			log.Debug().Err(err).Str("ip", realIP(r)).Msg("websocket upgrade failed")
			return
		}

		client := &Client{
			id:       uuid.NewString(),
			conn:     conn,
			send:     make(chan any, clientBuffer),
			playerID: playerID,
		}

		hub.add(client)

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		h.touch()

		if err := h.handle(c, msg); err != nil {
			h.reply(c, clientError(err))
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current game URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	gameID := ps.ByName("gameid")
	if !validGameID(gameID) {
		http.Error(w, "invalid game id", http.StatusBadRequest)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(png)
}

// registerSantaGame sets up routes so that:
//   - $path                  → redirects to a new random game (8-char ID)
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → WebSocket for that game
//   - $path/:gameid/qr       → PNG QR code for that game URL
func registerSantaGame(cfg *Config, path string, mux *httprouter.Router, gm *GameManager) {
	mux.GET(cfg.prefix+path, serveHomePage(cfg, gm))

	mux.GET(cfg.prefix+path+"/:gameid", serveGamePage(cfg))

	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWS(cfg, gm))

	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler)
}
