package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"skyraid/arena/internal/config"
	"skyraid/arena/internal/game"
	"skyraid/arena/internal/logging"
	"skyraid/arena/internal/protocol"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Broker, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		MaxPayloadBytes:     config.DefaultMaxPayloadBytes,
		PingInterval:        time.Second,
		MaxClients:          10,
		BalloonCount:        5,
		BulletLifespan:      200 * time.Millisecond,
		BalloonRespawnDelay: 150 * time.Millisecond,
		SweepInterval:       50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}
	logger := logging.NewTestLogger()
	engine := game.NewEngine(game.Config{
		BalloonCount:        cfg.BalloonCount,
		BulletLifespan:      cfg.BulletLifespan,
		BalloonRespawnDelay: cfg.BalloonRespawnDelay,
	}, logger)
	broker := NewBroker(cfg, engine, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", broker.serveWS)
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		broker.Close()
	})
	return broker, server
}

func dialArena(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v (resp %v)", url, err, resp)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readKind reads frames until one with the requested type arrives, skipping
// unrelated traffic, and decodes it into a generic map.
func readKind(t *testing.T, conn *websocket.Conn, kind string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed while waiting for %q: %v", kind, err)
		}
		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("received undecodable frame: %v", err)
		}
		if frame["type"] == kind {
			return frame
		}
	}
	t.Fatalf("timed out waiting for %q", kind)
	return nil
}

func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(window))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no frame, got %s", raw)
	}
}

// connectPlayer dials, consumes the init frame, and returns the assigned
// player identifier alongside the connection.
func connectPlayer(t *testing.T, server *httptest.Server, query string) (*websocket.Conn, string, map[string]any) {
	t.Helper()
	conn := dialArena(t, server, query)
	initFrame := readKind(t, conn, "init")
	playerID, _ := initFrame["playerId"].(string)
	if playerID == "" {
		t.Fatalf("init frame missing playerId: %v", initFrame)
	}
	return conn, playerID, initFrame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	payload, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}
}

func vectorFrame(x, y, z float64) map[string]any {
	return map[string]any{"x": x, "y": y, "z": z}
}

func TestConnectDeliversIdentityAndSnapshot(t *testing.T) {
	_, server := newTestServer(t, nil)

	connA, idA, initA := connectPlayer(t, server, "")

	state, ok := initA["gameState"].(map[string]any)
	if !ok {
		t.Fatalf("init frame missing gameState: %v", initA)
	}
	balloons, _ := state["balloons"].([]any)
	if len(balloons) != 5 {
		t.Fatalf("expected 5 balloons in snapshot, got %d", len(balloons))
	}
	players, _ := state["players"].(map[string]any)
	self, ok := players[idA].(map[string]any)
	if !ok {
		t.Fatalf("snapshot missing the connecting player: %v", players)
	}
	if self["name"] != "Player 1" {
		t.Fatalf("expected default name %q, got %v", "Player 1", self["name"])
	}
	if self["health"] != float64(100) {
		t.Fatalf("expected full health, got %v", self["health"])
	}

	_, idB, initB := connectPlayer(t, server, "")

	announcement := readKind(t, connA, "newPlayer")
	if announcement["playerId"] != idB {
		t.Fatalf("newPlayer announced %v, want %q", announcement["playerId"], idB)
	}

	stateB, _ := initB["gameState"].(map[string]any)
	playersB, _ := stateB["players"].(map[string]any)
	if len(playersB) != 2 {
		t.Fatalf("expected second snapshot to contain 2 players, got %d", len(playersB))
	}
}

func TestConnectHonoursRequestedName(t *testing.T) {
	_, server := newTestServer(t, nil)

	_, id, initFrame := connectPlayer(t, server, "?name=Maverick")

	state, _ := initFrame["gameState"].(map[string]any)
	players, _ := state["players"].(map[string]any)
	self, _ := players[id].(map[string]any)
	if self["name"] != "Maverick" {
		t.Fatalf("expected requested name, got %v", self["name"])
	}
}

func TestShootBroadcastsToEveryone(t *testing.T) {
	_, server := newTestServer(t, nil)

	connA, idA, _ := connectPlayer(t, server, "")
	connB, _, _ := connectPlayer(t, server, "")
	readKind(t, connA, "newPlayer")

	sendFrame(t, connA, map[string]any{
		"type":     "shoot",
		"playerId": idA,
		"position": vectorFrame(1, 2, 3),
		"velocity": vectorFrame(0, 0, -10),
	})

	for _, conn := range []*websocket.Conn{connA, connB} {
		frame := readKind(t, conn, "newBullet")
		bullet, _ := frame["bullet"].(map[string]any)
		if bullet["playerId"] != idA {
			t.Fatalf("bullet attributed to %v, want %q", bullet["playerId"], idA)
		}
		bulletID, _ := frame["bulletId"].(string)
		if !strings.HasPrefix(bulletID, "bullet-"+idA+"-") {
			t.Fatalf("unexpected bullet id %q", bulletID)
		}
	}
}

func TestBalloonHitScoresAndRespawns(t *testing.T) {
	_, server := newTestServer(t, nil)

	conn, id, initFrame := connectPlayer(t, server, "")

	state, _ := initFrame["gameState"].(map[string]any)
	balloons, _ := state["balloons"].([]any)
	first, _ := balloons[0].(map[string]any)
	balloonID, _ := first["id"].(string)

	sendFrame(t, conn, map[string]any{
		"type":      "balloonHit",
		"playerId":  id,
		"balloonId": balloonID,
		"position":  vectorFrame(0, 0, 0),
	})

	hit := readKind(t, conn, "balloonHit")
	if hit["newScore"] != float64(10) {
		t.Fatalf("expected newScore 10, got %v", hit["newScore"])
	}
	if hit["balloonId"] != balloonID {
		t.Fatalf("expected hit on %q, got %v", balloonID, hit["balloonId"])
	}

	respawn := readKind(t, conn, "newBalloon")
	balloon, _ := respawn["balloon"].(map[string]any)
	if balloon["id"] == balloonID {
		t.Fatalf("respawned balloon reused id %q", balloonID)
	}
	if balloon["active"] != true {
		t.Fatalf("respawned balloon is not active: %v", balloon)
	}
}

func TestPlayerUpdateExcludesSender(t *testing.T) {
	_, server := newTestServer(t, nil)

	connA, idA, _ := connectPlayer(t, server, "")
	connB, _, _ := connectPlayer(t, server, "")
	readKind(t, connA, "newPlayer")

	sendFrame(t, connA, map[string]any{
		"type":       "playerUpdate",
		"playerId":   idA,
		"position":   vectorFrame(10, 20, 30),
		"quaternion": map[string]any{"_x": 0, "_y": 0, "_z": 0, "_w": 1},
		"planeType":  "planeOne",
		"health":     100,
	})

	update := readKind(t, connB, "playerUpdate")
	if update["playerId"] != idA {
		t.Fatalf("update attributed to %v, want %q", update["playerId"], idA)
	}

	expectSilence(t, connA, 150*time.Millisecond)
}

func TestPlayerHitRelaysDamage(t *testing.T) {
	_, server := newTestServer(t, nil)

	connA, idA, _ := connectPlayer(t, server, "")
	connB, idB, _ := connectPlayer(t, server, "")
	readKind(t, connA, "newPlayer")

	sendFrame(t, connA, map[string]any{
		"type":      "playerHit",
		"targetId":  idB,
		"shooterId": idA,
		"position":  vectorFrame(0, 0, 0),
	})

	for _, conn := range []*websocket.Conn{connA, connB} {
		frame := readKind(t, conn, "playerHit")
		if frame["targetId"] != idB || frame["shooterId"] != idA {
			t.Fatalf("unexpected hit attribution: %v", frame)
		}
		if frame["newHealth"] != float64(95) {
			t.Fatalf("expected newHealth 95, got %v", frame["newHealth"])
		}
	}
}

func TestChatUsesServerSideIdentity(t *testing.T) {
	_, server := newTestServer(t, nil)

	connA, idA, _ := connectPlayer(t, server, "?name=Goose")
	connB, _, _ := connectPlayer(t, server, "")
	readKind(t, connA, "newPlayer")

	// The forged playerId must be ignored in favour of the session identity.
	sendFrame(t, connA, map[string]any{
		"type":     "chatMessage",
		"playerId": "someone-else",
		"message":  "tally ho",
	})

	chat := readKind(t, connB, "chatMessage")
	if chat["playerId"] != idA {
		t.Fatalf("chat attributed to %v, want %q", chat["playerId"], idA)
	}
	if chat["playerName"] != "Goose" {
		t.Fatalf("chat sent as %v, want %q", chat["playerName"], "Goose")
	}
	if chat["message"] != "tally ho" {
		t.Fatalf("chat body altered: %v", chat["message"])
	}
}

func TestDisconnectAnnouncesDeparture(t *testing.T) {
	broker, server := newTestServer(t, nil)

	connA, idA, _ := connectPlayer(t, server, "")
	connB, _, _ := connectPlayer(t, server, "")
	readKind(t, connA, "newPlayer")

	connA.Close()

	departed := readKind(t, connB, "playerDisconnected")
	if departed["playerId"] != idA {
		t.Fatalf("departure announced %v, want %q", departed["playerId"], idA)
	}

	waitFor(t, func() bool { return broker.Stats().Players == 1 })
}

func TestServerFullRejectsConnections(t *testing.T) {
	_, server := newTestServer(t, func(cfg *config.Config) {
		cfg.MaxClients = 1
	})

	connectPlayer(t, server, "")

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail once the server is full")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %v", resp)
	}
	resp.Body.Close()
}

func TestMalformedFramesDoNotKillTheSession(t *testing.T) {
	_, server := newTestServer(t, nil)

	connA, _, _ := connectPlayer(t, server, "")
	connB, _, _ := connectPlayer(t, server, "")
	readKind(t, connA, "newPlayer")

	if err := connA.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("failed to send malformed frame: %v", err)
	}
	if err := connA.WriteMessage(websocket.TextMessage, []byte(`{"type":"warp"}`)); err != nil {
		t.Fatalf("failed to send unknown frame: %v", err)
	}

	sendFrame(t, connA, map[string]any{
		"type":     "chatMessage",
		"playerId": "ignored",
		"message":  "still here",
	})

	chat := readKind(t, connB, "chatMessage")
	if chat["message"] != "still here" {
		t.Fatalf("session did not survive malformed frames: %v", chat)
	}
}

func TestHandlerPanicDoesNotStallDispatch(t *testing.T) {
	broker, server := newTestServer(t, nil)

	// Faulty handler: one poison frame panics, everything else flows through
	// the real engine. Installed before any session connects.
	engineApply := broker.apply
	broker.apply = func(senderID string, msg protocol.ClientMessage) []game.Broadcast {
		if chat, ok := msg.(protocol.Chat); ok && chat.Message == "poison" {
			panic("handler failure")
		}
		return engineApply(senderID, msg)
	}

	connA, _, _ := connectPlayer(t, server, "")
	connB, _, _ := connectPlayer(t, server, "")
	readKind(t, connA, "newPlayer")

	sendFrame(t, connA, map[string]any{
		"type":     "chatMessage",
		"playerId": "ignored",
		"message":  "poison",
	})
	sendFrame(t, connA, map[string]any{
		"type":     "chatMessage",
		"playerId": "ignored",
		"message":  "after the fault",
	})

	// The frame after the fault must still be processed and broadcast; a stuck
	// dispatcher would leave connB waiting until the deadline.
	chat := readKind(t, connB, "chatMessage")
	if chat["message"] != "after the fault" {
		t.Fatalf("expected the frame after the fault, got %v", chat)
	}

	// Chat broadcasts include the sender, so connA's next frame is its own
	// "after the fault" echo; drain it before asserting on connB's traffic.
	readKind(t, connA, "chatMessage")

	// Other sessions keep working too.
	sendFrame(t, connB, map[string]any{
		"type":     "chatMessage",
		"playerId": "ignored",
		"message":  "from the other side",
	})
	reply := readKind(t, connA, "chatMessage")
	if reply["message"] != "from the other side" {
		t.Fatalf("expected traffic from the other session, got %v", reply)
	}
}

func TestBulletsExpireOverTheWire(t *testing.T) {
	_, server := newTestServer(t, nil)

	conn, id, _ := connectPlayer(t, server, "")

	sendFrame(t, conn, map[string]any{
		"type":     "shoot",
		"playerId": id,
		"position": vectorFrame(0, 0, 0),
		"velocity": vectorFrame(0, 0, -1),
	})
	readKind(t, conn, "newBullet")

	update := readKind(t, conn, "bulletsUpdate")
	if update["playerId"] != id {
		t.Fatalf("sweep attributed to %v, want %q", update["playerId"], id)
	}
	bullets, _ := update["bullets"].([]any)
	if len(bullets) != 0 {
		t.Fatalf("expected empty bullet list after expiry, got %v", bullets)
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStatsReflectConnectedPlayers(t *testing.T) {
	broker, server := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		connectPlayer(t, server, fmt.Sprintf("?name=pilot-%d", i))
	}

	waitFor(t, func() bool {
		stats := broker.Stats()
		return stats.Clients == 3 && stats.Players == 3
	})
	if stats := broker.Stats(); stats.Broadcasts == 0 {
		t.Fatalf("expected broadcast counter to advance, got %+v", stats)
	}
}
