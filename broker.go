package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"skyraid/arena/internal/config"
	"skyraid/arena/internal/game"
	"skyraid/arena/internal/logging"
	"skyraid/arena/internal/protocol"
	"skyraid/arena/internal/replay"
)

// respawnDrainInterval is how often the maintenance loop checks for popped
// balloon slots whose respawn delay has elapsed.
const respawnDrainInterval = 100 * time.Millisecond

// Client is one WebSocket session. Outbound frames go through the buffered
// send channel so a slow consumer never blocks the dispatcher.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
}

// identityProvider extracts the display name a session presents on connect.
// The name is advisory; the authoritative identifier is always assigned by
// the session registry.
type identityProvider interface {
	PlayerName(r *http.Request) string
}

// requestIdentityProvider reads the name from the "name" query parameter,
// falling back to the X-Player-Name header.
type requestIdentityProvider struct{}

func (requestIdentityProvider) PlayerName(r *http.Request) string {
	if name := strings.TrimSpace(r.URL.Query().Get("name")); name != "" {
		return name
	}
	return strings.TrimSpace(r.Header.Get("X-Player-Name"))
}

// BrokerOption customises broker construction.
type BrokerOption func(*Broker)

// WithIdentityProvider overrides how connect-time display names are extracted.
func WithIdentityProvider(provider identityProvider) BrokerOption {
	return func(b *Broker) {
		if provider != nil {
			b.identity = provider
		}
	}
}

// WithRecorder attaches a replay recorder that captures every broadcast and
// periodic state snapshots.
func WithRecorder(recorder *replay.Recorder) BrokerOption {
	return func(b *Broker) {
		b.recorder = recorder
	}
}

// Broker owns the WebSocket fan-out and the authoritative game engine. Every
// inbound event mutates the engine and broadcasts its outcome atomically, so
// all clients observe transitions in the same order.
type Broker struct {
	cfg      *config.Config
	log      *logging.Logger
	engine   *game.Engine
	sessions *sessionRegistry
	identity identityProvider
	recorder *replay.Recorder
	upgrader websocket.Upgrader

	// apply is the engine transition entry point, held as a field so tests
	// can exercise the dispatch fault containment.
	apply func(senderID string, msg protocol.ClientMessage) []game.Broadcast

	mu         sync.Mutex
	clients    map[string]*Client
	broadcasts int64

	// dispatchMu serialises mutate-then-broadcast sequences across reader
	// goroutines and the maintenance loop.
	dispatchMu sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBroker constructs a broker around the provided engine.
func NewBroker(cfg *config.Config, engine *game.Engine, logger *logging.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = logging.L()
	}
	b := &Broker{
		cfg:      cfg,
		log:      logger,
		engine:   engine,
		sessions: newSessionRegistry(),
		identity: requestIdentityProvider{},
		clients:  make(map[string]*Client),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	b.apply = engine.Apply
	b.upgrader = websocket.Upgrader{
		CheckOrigin: b.checkOrigin,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	go b.maintenanceLoop()
	return b
}

func (b *Broker) checkOrigin(r *http.Request) bool {
	if len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range b.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// Close stops the maintenance loop and finalises the replay recording.
func (b *Broker) Close() error {
	close(b.stopCh)
	<-b.doneCh
	if b.recorder != nil {
		return b.recorder.Close()
	}
	return nil
}

// serveWS upgrades the connection and runs the session lifecycle: register,
// hand over the identity and state snapshot, announce the arrival, then pump
// frames until the transport drops.
func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	name := b.identity.PlayerName(r)

	// Claim a session slot before upgrading so two simultaneous connects
	// cannot both squeeze past the cap.
	client := &Client{send: make(chan []byte, 256)}
	playerID, ok := b.sessions.register(client, b.cfg.MaxClients)
	if !ok {
		b.log.Warn("connection rejected, server full",
			logging.String("remote_addr", r.RemoteAddr),
			logging.Int("max_clients", b.cfg.MaxClients))
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}
	client.id = playerID

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.sessions.unregister(client)
		b.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	conn.SetReadLimit(b.cfg.MaxPayloadBytes)
	client.conn = conn

	go b.writePump(client)

	b.dispatchLocked(func() {
		initMsg, newPlayerMsg := b.engine.AddPlayer(client.id, name)

		b.mu.Lock()
		b.clients[client.id] = client
		b.mu.Unlock()

		b.unicast(client.id, initMsg)
		b.deliver([]game.Broadcast{{ExcludeID: client.id, Message: newPlayerMsg}})
	})

	b.log.Info("player connected",
		logging.String("player_id", client.id),
		logging.String("remote_addr", r.RemoteAddr))

	b.readPump(client)
}

func (b *Broker) readPump(client *Client) {
	defer func() {
		client.conn.Close()
		b.disconnect(client)
	}()
	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Debug("read error", logging.String("player_id", client.id), logging.Error(err))
			}
			return
		}
		b.dispatch(client, raw)
	}
}

func (b *Broker) writePump(client *Client) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

// dispatch decodes one inbound frame and applies it to the engine. Malformed
// frames are dropped; a panic while handling one frame is contained so it
// cannot take the session or the server down. The mutex release is deferred
// so the recovery path leaves the dispatcher usable for later frames.
func (b *Broker) dispatch(client *Client, raw []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.log.Error("panic while handling message",
				logging.String("player_id", client.id),
				logging.String("panic", toString(recovered)))
		}
	}()

	msg, err := protocol.Decode(raw)
	if err != nil {
		b.log.Debug("dropping malformed frame",
			logging.String("player_id", client.id),
			logging.Error(err))
		return
	}

	b.dispatchLocked(func() {
		b.deliver(b.apply(client.id, msg))
	})
}

// dispatchLocked runs fn under the dispatch mutex with a deferred release, so
// a recovered panic inside fn cannot leave the dispatcher stuck.
func (b *Broker) dispatchLocked(fn func()) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	fn()
}

// disconnect tears the session down. The departure broadcast happens before
// the registry entry is freed so the identifier in the announcement is still
// unambiguous. Safe to call more than once per session.
func (b *Broker) disconnect(client *Client) {
	playerID, ok := b.sessions.unregister(client)
	if !ok {
		return
	}

	b.mu.Lock()
	if current, found := b.clients[playerID]; found && current == client {
		delete(b.clients, playerID)
		close(client.send)
	}
	b.mu.Unlock()

	b.dispatchLocked(func() {
		b.deliver(b.engine.RemovePlayer(playerID))
	})

	b.log.Info("player disconnected", logging.String("player_id", playerID))
}

// deliver marshals each outcome once and fans it out. A backpressured
// recipient has the frame dropped rather than stalling everyone else.
func (b *Broker) deliver(outcomes []game.Broadcast) {
	for _, outcome := range outcomes {
		payload, err := json.Marshal(outcome.Message)
		if err != nil {
			b.log.Error("failed to encode broadcast", logging.Error(err))
			continue
		}
		b.record(protocol.KindOf(outcome.Message), payload)

		b.mu.Lock()
		b.broadcasts++
		for id, client := range b.clients {
			if id == outcome.ExcludeID {
				continue
			}
			select {
			case client.send <- payload:
			default:
				b.log.Warn("dropping frame for slow client", logging.String("player_id", id))
			}
		}
		b.mu.Unlock()
	}
}

// unicast sends one message to a single session.
func (b *Broker) unicast(playerID string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("failed to encode message", logging.Error(err))
		return
	}
	b.record(protocol.KindOf(msg), payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	client, ok := b.clients[playerID]
	if !ok {
		return
	}
	select {
	case client.send <- payload:
	default:
		b.log.Warn("dropping frame for slow client", logging.String("player_id", playerID))
	}
}

func (b *Broker) record(kind string, payload []byte) {
	if b.recorder == nil {
		return
	}
	if err := b.recorder.RecordEvent(kind, payload); err != nil {
		b.log.Error("failed to record event", logging.Error(err))
	}
}

// maintenanceLoop runs the periodic authoritative tasks: the expired bullet
// sweep and the balloon respawn drain. One goroutine owns both so their
// broadcasts interleave cleanly with inbound dispatch.
func (b *Broker) maintenanceLoop() {
	defer close(b.doneCh)

	sweep := time.NewTicker(b.cfg.SweepInterval)
	defer sweep.Stop()
	respawn := time.NewTicker(respawnDrainInterval)
	defer respawn.Stop()

	for {
		select {
		case <-sweep.C:
			b.dispatchLocked(func() {
				b.deliver(b.engine.SweepExpiredBullets())
			})
			b.snapshot()
		case <-respawn.C:
			b.dispatchLocked(func() {
				b.deliver(b.engine.DueRespawns())
			})
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) snapshot() {
	if b.recorder == nil {
		return
	}
	payload, err := json.Marshal(b.engine.Snapshot())
	if err != nil {
		b.log.Error("failed to encode snapshot", logging.Error(err))
		return
	}
	if err := b.recorder.RecordSnapshot(payload); err != nil {
		b.log.Error("failed to record snapshot", logging.Error(err))
	}
}

// BrokerStats summarises the broker's runtime counters.
type BrokerStats struct {
	Clients    int   `json:"clients"`
	Players    int   `json:"players"`
	Broadcasts int64 `json:"broadcasts"`
}

// Stats returns a point-in-time view of the broker's counters.
func (b *Broker) Stats() BrokerStats {
	b.mu.Lock()
	clients := len(b.clients)
	broadcasts := b.broadcasts
	b.mu.Unlock()
	return BrokerStats{
		Clients:    clients,
		Players:    b.engine.PlayerCount(),
		Broadcasts: broadcasts,
	}
}

func toString(value any) string {
	if err, ok := value.(error); ok {
		return err.Error()
	}
	if s, ok := value.(string); ok {
		return s
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "unknown panic"
	}
	return string(data)
}
