package game

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"skyraid/arena/internal/logging"
	"skyraid/arena/internal/protocol"
)

const (
	balloonHitScore = 10
	playerHitDamage = 5
	maxHealth       = 100

	defaultPlaneType = "planeOne"
)

var defaultSpawnPosition = protocol.Vector3{X: 2, Y: 8, Z: 50}

// Broadcast is one outbound announcement produced by an authoritative
// transition. ExcludeID names the single session to skip; empty means every
// active session receives the message.
type Broadcast struct {
	ExcludeID string
	Message   any
}

// respawnTask is an explicit scheduled respawn for one balloon slot, drained by
// the maintenance loop instead of an ad hoc timer closure.
type respawnTask struct {
	slot  int
	dueAt time.Time
}

// Config captures the gameplay tunables the engine needs.
type Config struct {
	BalloonCount        int
	BulletLifespan      time.Duration
	BalloonRespawnDelay time.Duration
}

// Option customises engine construction; used by tests to pin time and randomness.
type Option func(*Engine)

// WithClock overrides the engine time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithRand overrides the spawn position randomness source.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) {
		if rng != nil {
			e.rng = rng
		}
	}
}

// Engine owns the authoritative game state: the player map, the fixed balloon
// population, and the pending respawn queue. Every exported operation runs
// under one mutex so transitions like balloon-hit's check-then-deactivate and
// the score increment never interleave across sessions.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	log *logging.Logger
	now func() time.Time
	rng *rand.Rand

	players     map[string]*protocol.Player
	balloons    []*protocol.Balloon
	respawns    []respawnTask
	nextBalloon int
}

// NewEngine constructs the engine and seeds the initial balloon population.
func NewEngine(cfg Config, logger *logging.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.L()
	}
	engine := &Engine{
		cfg:     cfg,
		log:     logger,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		players: make(map[string]*protocol.Player),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	engine.balloons = make([]*protocol.Balloon, 0, cfg.BalloonCount)
	for i := 0; i < cfg.BalloonCount; i++ {
		engine.balloons = append(engine.balloons, &protocol.Balloon{
			ID:       fmt.Sprintf("balloon-%d", i),
			Position: engine.randomBalloonPosition(),
			Color:    engine.rng.Float64() * 0xffffff,
			Active:   true,
		})
	}
	engine.nextBalloon = cfg.BalloonCount
	return engine
}

func (e *Engine) randomBalloonPosition() protocol.Vector3 {
	return protocol.Vector3{
		X: (e.rng.Float64() - 0.5) * 2500,
		Y: 10 + e.rng.Float64()*1500,
		Z: (e.rng.Float64() - 0.5) * 1000,
	}
}

// AddPlayer creates the default record for a fresh session and returns the
// init snapshot for the new session plus the announcement for everyone else.
// An empty name selects the default "Player N" display name.
func (e *Engine) AddPlayer(playerID, name string) (*protocol.InitMessage, *protocol.NewPlayerMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if name == "" {
		name = fmt.Sprintf("Player %d", len(e.players)+1)
	}
	player := &protocol.Player{
		ID:         playerID,
		Name:       name,
		Position:   defaultSpawnPosition,
		Quaternion: protocol.Identity(),
		PlaneType:  defaultPlaneType,
		Score:      0,
		Health:     maxHealth,
		Bullets:    []*protocol.Bullet{},
	}
	e.players[playerID] = player

	init := &protocol.InitMessage{
		Type:      protocol.KindInit,
		PlayerID:  playerID,
		GameState: e.snapshotLocked(),
	}
	announce := &protocol.NewPlayerMessage{
		Type:     protocol.KindNewPlayer,
		PlayerID: playerID,
		Player:   clonePlayer(player),
	}
	return init, announce
}

// RemovePlayer deletes the record on disconnect and returns the departure
// announcement, or nil when the player was never registered.
func (e *Engine) RemovePlayer(playerID string) []Broadcast {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.players[playerID]; !ok {
		return nil
	}
	delete(e.players, playerID)
	return []Broadcast{{
		Message: &protocol.PlayerDisconnectedMessage{Type: protocol.KindPlayerDisconnected, PlayerID: playerID},
	}}
}

// Apply executes the authoritative transition for one validated message and
// returns the broadcasts it produced, in order. A missing player or balloon
// reference is a logged no-op, never an error.
func (e *Engine) Apply(senderID string, msg protocol.ClientMessage) []Broadcast {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch m := msg.(type) {
	case protocol.PlayerInfo:
		return e.applyPlayerInfo(senderID, m)
	case protocol.PlayerUpdate:
		return e.applyPlayerUpdate(senderID, m)
	case protocol.Shoot:
		return e.applyShoot(m)
	case protocol.BalloonHit:
		return e.applyBalloonHit(m)
	case protocol.PlayerHit:
		return e.applyPlayerHit(m)
	case protocol.Chat:
		return e.applyChat(senderID, m)
	default:
		e.log.Warn("unhandled message variant", logging.String("kind", msg.Kind()))
		return nil
	}
}

func (e *Engine) applyPlayerInfo(senderID string, msg protocol.PlayerInfo) []Broadcast {
	player, ok := e.players[senderID]
	if !ok {
		e.log.Debug("playerInfo for unknown player", logging.String("player_id", senderID))
		return nil
	}
	// Only truthy fields overwrite; an empty name never erases an existing one.
	if msg.Name != "" {
		player.Name = msg.Name
	}
	if msg.PlaneType != "" {
		player.PlaneType = msg.PlaneType
	}
	if len(msg.PlaneConfig) > 0 {
		player.PlaneConfig = append(json.RawMessage(nil), msg.PlaneConfig...)
	}
	return []Broadcast{{
		Message: &protocol.PlayerUpdateMessage{
			Type:        protocol.KindPlayerUpdate,
			PlayerID:    senderID,
			Name:        player.Name,
			PlaneType:   player.PlaneType,
			PlaneConfig: player.PlaneConfig,
		},
	}}
}

func (e *Engine) applyPlayerUpdate(senderID string, msg protocol.PlayerUpdate) []Broadcast {
	player, ok := e.players[msg.PlayerID]
	if !ok {
		e.log.Debug("playerUpdate for unknown player", logging.String("player_id", msg.PlayerID))
		return nil
	}
	player.Position = msg.Position
	player.Quaternion = msg.Quaternion
	player.PlaneType = msg.PlaneType
	player.PlaneConfig = msg.PlaneConfig
	player.Health = clampHealth(msg.Health)

	position := msg.Position
	orientation := msg.Quaternion
	health := player.Health
	// The originating session already holds this state locally; skip the echo.
	return []Broadcast{{
		ExcludeID: senderID,
		Message: &protocol.PlayerUpdateMessage{
			Type:        protocol.KindPlayerUpdate,
			PlayerID:    msg.PlayerID,
			Position:    &position,
			Quaternion:  &orientation,
			PlaneType:   msg.PlaneType,
			PlaneConfig: msg.PlaneConfig,
			Health:      &health,
		},
	}}
}

func (e *Engine) applyShoot(msg protocol.Shoot) []Broadcast {
	player, ok := e.players[msg.PlayerID]
	if !ok {
		e.log.Debug("shoot for unknown player", logging.String("player_id", msg.PlayerID))
		return nil
	}
	now := e.now().UnixMilli()
	bullet := &protocol.Bullet{
		ID:        fmt.Sprintf("bullet-%s-%d", msg.PlayerID, now),
		PlayerID:  msg.PlayerID,
		Position:  msg.Position,
		Velocity:  msg.Velocity,
		CreatedAt: now,
	}
	player.Bullets = append(player.Bullets, bullet)

	clone := *bullet
	// The sender receives its own bullet too so it learns the confirmed id.
	return []Broadcast{{
		Message: &protocol.NewBulletMessage{Type: protocol.KindNewBullet, BulletID: bullet.ID, Bullet: &clone},
	}}
}

func (e *Engine) applyBalloonHit(msg protocol.BalloonHit) []Broadcast {
	slot := -1
	for i, balloon := range e.balloons {
		if balloon.ID == msg.BalloonID {
			slot = i
			break
		}
	}
	if slot == -1 {
		e.log.Debug("balloonHit for unknown balloon", logging.String("balloon_id", msg.BalloonID))
		return nil
	}
	if !e.balloons[slot].Active {
		// A rival claimed this generation first; at most one hit scores.
		e.log.Debug("balloonHit on inactive balloon", logging.String("balloon_id", msg.BalloonID))
		return nil
	}
	shooter, ok := e.players[msg.PlayerID]
	if !ok {
		// Leave the balloon active so the slot is never stranded without a
		// scheduled respawn.
		e.log.Debug("balloonHit from unknown player", logging.String("player_id", msg.PlayerID))
		return nil
	}

	e.balloons[slot].Active = false
	shooter.Score += balloonHitScore
	e.respawns = append(e.respawns, respawnTask{slot: slot, dueAt: e.now().Add(e.cfg.BalloonRespawnDelay)})

	return []Broadcast{{
		Message: &protocol.BalloonHitMessage{
			Type:       protocol.KindBalloonHit,
			BalloonID:  msg.BalloonID,
			PlayerID:   msg.PlayerID,
			Position:   msg.Position,
			NewScore:   shooter.Score,
			PlayerName: shooter.Name,
		},
	}}
}

func (e *Engine) applyPlayerHit(msg protocol.PlayerHit) []Broadcast {
	target, ok := e.players[msg.TargetID]
	if !ok {
		e.log.Debug("playerHit for unknown target", logging.String("target_id", msg.TargetID))
		return nil
	}
	shooter, ok := e.players[msg.ShooterID]
	if !ok {
		e.log.Debug("playerHit from unknown shooter", logging.String("shooter_id", msg.ShooterID))
		return nil
	}

	target.Health -= playerHitDamage
	if target.Health < 0 {
		target.Health = 0
	}
	broadcasts := []Broadcast{{
		Message: &protocol.PlayerHitMessage{
			Type:        protocol.KindPlayerHit,
			TargetID:    msg.TargetID,
			ShooterID:   msg.ShooterID,
			Position:    msg.Position,
			NewHealth:   target.Health,
			TargetName:  target.Name,
			ShooterName: shooter.Name,
		},
	}}
	if target.Health <= 0 {
		// No dead resting state: the kill announcement and the full heal are
		// part of the same transition as the hit.
		target.Health = maxHealth
		broadcasts = append(broadcasts, Broadcast{
			Message: &protocol.PlayerKilledMessage{
				Type:        protocol.KindPlayerKilled,
				TargetID:    msg.TargetID,
				ShooterID:   msg.ShooterID,
				Position:    msg.Position,
				TargetName:  target.Name,
				ShooterName: shooter.Name,
			},
		})
	}
	return broadcasts
}

func (e *Engine) applyChat(senderID string, msg protocol.Chat) []Broadcast {
	sender, ok := e.players[senderID]
	if !ok {
		e.log.Debug("chat from unknown player", logging.String("player_id", senderID))
		return nil
	}
	timestamp := msg.Timestamp
	if timestamp == 0 {
		timestamp = e.now().UnixMilli()
	}
	return []Broadcast{{
		Message: &protocol.ChatMessage{
			Type:       protocol.KindChatMessage,
			PlayerID:   senderID,
			PlayerName: sender.Name,
			Message:    msg.Message,
			Timestamp:  timestamp,
		},
	}}
}

// SweepExpiredBullets removes projectiles older than the configured lifespan
// and reports one bulletsUpdate per player whose list actually shrank.
func (e *Engine) SweepExpiredBullets() []Broadcast {
	e.mu.Lock()
	defer e.mu.Unlock()

	nowMs := e.now().UnixMilli()
	lifespanMs := e.cfg.BulletLifespan.Milliseconds()

	ids := make([]string, 0, len(e.players))
	for id := range e.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var broadcasts []Broadcast
	for _, id := range ids {
		player := e.players[id]
		kept := player.Bullets[:0]
		for _, bullet := range player.Bullets {
			if nowMs-bullet.CreatedAt < lifespanMs {
				kept = append(kept, bullet)
			}
		}
		if len(kept) == len(player.Bullets) {
			continue
		}
		player.Bullets = kept
		broadcasts = append(broadcasts, Broadcast{
			Message: &protocol.BulletsUpdateMessage{
				Type:     protocol.KindBulletsUpdate,
				PlayerID: id,
				Bullets:  cloneBullets(player.Bullets),
			},
		})
	}
	return broadcasts
}

// DueRespawns drains the respawn tasks whose delay has elapsed, replacing each
// popped slot with a brand-new active balloon and announcing it.
func (e *Engine) DueRespawns() []Broadcast {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var broadcasts []Broadcast
	pending := e.respawns[:0]
	for _, task := range e.respawns {
		if task.dueAt.After(now) {
			pending = append(pending, task)
			continue
		}
		balloon := &protocol.Balloon{
			ID:       fmt.Sprintf("balloon-%d", e.nextBalloon),
			Position: e.randomBalloonPosition(),
			Color:    e.rng.Float64() * 0xffffff,
			Active:   true,
		}
		e.nextBalloon++
		e.balloons[task.slot] = balloon
		clone := *balloon
		broadcasts = append(broadcasts, Broadcast{
			Message: &protocol.NewBalloonMessage{Type: protocol.KindNewBalloon, Balloon: &clone},
		})
	}
	e.respawns = pending
	return broadcasts
}

// Snapshot returns a deep copy of the current game state.
func (e *Engine) Snapshot() protocol.GameSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// PlayerCount reports how many player records are live.
func (e *Engine) PlayerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.players)
}

func (e *Engine) snapshotLocked() protocol.GameSnapshot {
	players := make(map[string]*protocol.Player, len(e.players))
	for id, player := range e.players {
		players[id] = clonePlayer(player)
	}
	balloons := make([]*protocol.Balloon, 0, len(e.balloons))
	for _, balloon := range e.balloons {
		clone := *balloon
		balloons = append(balloons, &clone)
	}
	return protocol.GameSnapshot{Players: players, Balloons: balloons}
}

func clampHealth(health int) int {
	if health < 0 {
		return 0
	}
	if health > maxHealth {
		return maxHealth
	}
	return health
}

func clonePlayer(player *protocol.Player) *protocol.Player {
	clone := *player
	clone.Bullets = cloneBullets(player.Bullets)
	if player.PlaneConfig != nil {
		clone.PlaneConfig = append(json.RawMessage(nil), player.PlaneConfig...)
	}
	return &clone
}

func cloneBullets(bullets []*protocol.Bullet) []*protocol.Bullet {
	cloned := make([]*protocol.Bullet, 0, len(bullets))
	for _, bullet := range bullets {
		clone := *bullet
		cloned = append(cloned, &clone)
	}
	return cloned
}
