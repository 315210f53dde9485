package protocol

import "encoding/json"

// Message kinds shared by both directions of the wire protocol. The discriminant
// travels as the "type" field of every JSON frame.
const (
	KindInit               = "init"
	KindPlayerInfo         = "playerInfo"
	KindPlayerUpdate       = "playerUpdate"
	KindNewPlayer          = "newPlayer"
	KindPlayerDisconnected = "playerDisconnected"
	KindShoot              = "shoot"
	KindNewBullet          = "newBullet"
	KindBulletsUpdate      = "bulletsUpdate"
	KindBalloonHit         = "balloonHit"
	KindPlayerHit          = "playerHit"
	KindPlayerKilled       = "playerKilled"
	KindNewBalloon         = "newBalloon"
	KindChatMessage        = "chatMessage"
)

// Vector3 is a position or velocity triple.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion mirrors the client-side orientation encoding, underscored keys included.
type Quaternion struct {
	X float64 `json:"_x"`
	Y float64 `json:"_y"`
	Z float64 `json:"_z"`
	W float64 `json:"_w"`
}

// Identity returns the neutral orientation used for freshly spawned players.
func Identity() Quaternion {
	return Quaternion{W: 1}
}

// Bullet is a live projectile owned by a player.
type Bullet struct {
	ID        string  `json:"id"`
	PlayerID  string  `json:"playerId"`
	Position  Vector3 `json:"position"`
	Velocity  Vector3 `json:"velocity"`
	CreatedAt int64   `json:"createdAt"`
}

// Balloon is a destructible target. Slots deactivate on hit and are replaced by
// a fresh record after the respawn delay; the population size never changes.
type Balloon struct {
	ID       string  `json:"id"`
	Position Vector3 `json:"position"`
	Color    float64 `json:"color"`
	Active   bool    `json:"active"`
}

// Player is the authoritative record for one connected pilot. PlaneConfig is a
// client-authored blob the server relays without interpreting.
type Player struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Position    Vector3         `json:"position"`
	Quaternion  Quaternion      `json:"quaternion"`
	PlaneType   string          `json:"planeType"`
	PlaneConfig json.RawMessage `json:"planeConfig"`
	Score       int             `json:"score"`
	Health      int             `json:"health"`
	Bullets     []*Bullet       `json:"bullets"`
}

// GameSnapshot is the full state sent to a freshly connected client.
type GameSnapshot struct {
	Players  map[string]*Player `json:"players"`
	Balloons []*Balloon         `json:"balloons"`
}

// ClientMessage is the tagged union produced by Decode for inbound frames. The
// dispatcher switches exhaustively over the concrete types.
type ClientMessage interface {
	Kind() string
}

// PlayerInfo announces the sender's display name and aircraft choice. Empty
// fields mean "leave the current value alone".
type PlayerInfo struct {
	Name        string
	PlaneType   string
	PlaneConfig json.RawMessage
}

// Kind implements ClientMessage.
func (PlayerInfo) Kind() string { return KindPlayerInfo }

// PlayerUpdate reports the transform of the player named by PlayerID.
type PlayerUpdate struct {
	PlayerID    string
	Position    Vector3
	Quaternion  Quaternion
	PlaneType   string
	PlaneConfig json.RawMessage
	Health      int
}

// Kind implements ClientMessage.
func (PlayerUpdate) Kind() string { return KindPlayerUpdate }

// Shoot requests a server-confirmed projectile spawn.
type Shoot struct {
	PlayerID string
	Position Vector3
	Velocity Vector3
}

// Kind implements ClientMessage.
func (Shoot) Kind() string { return KindShoot }

// BalloonHit claims a hit on the named balloon.
type BalloonHit struct {
	PlayerID  string
	BalloonID string
	Position  Vector3
}

// Kind implements ClientMessage.
func (BalloonHit) Kind() string { return KindBalloonHit }

// PlayerHit claims a hit by ShooterID against TargetID.
type PlayerHit struct {
	ShooterID string
	TargetID  string
	Position  Vector3
}

// Kind implements ClientMessage.
func (PlayerHit) Kind() string { return KindPlayerHit }

// Chat carries a text message. Timestamp is zero when the client omitted one.
type Chat struct {
	PlayerID  string
	Message   string
	Timestamp int64
}

// Kind implements ClientMessage.
func (Chat) Kind() string { return KindChatMessage }

// InitMessage hands a new session its identity and the full state snapshot.
type InitMessage struct {
	Type      string       `json:"type"`
	PlayerID  string       `json:"playerId"`
	GameState GameSnapshot `json:"gameState"`
}

// NewPlayerMessage announces a freshly connected player to everyone else.
type NewPlayerMessage struct {
	Type     string  `json:"type"`
	PlayerID string  `json:"playerId"`
	Player   *Player `json:"player"`
}

// PlayerUpdateMessage relays player field changes. Only the fields the
// triggering event actually changed are populated.
type PlayerUpdateMessage struct {
	Type        string          `json:"type"`
	PlayerID    string          `json:"playerId"`
	Name        string          `json:"name,omitempty"`
	PlaneType   string          `json:"planeType,omitempty"`
	PlaneConfig json.RawMessage `json:"planeConfig,omitempty"`
	Position    *Vector3        `json:"position,omitempty"`
	Quaternion  *Quaternion     `json:"quaternion,omitempty"`
	Health      *int            `json:"health,omitempty"`
}

// PlayerDisconnectedMessage announces a departed player.
type PlayerDisconnectedMessage struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
}

// NewBulletMessage confirms a projectile spawn with its server-assigned id.
type NewBulletMessage struct {
	Type     string  `json:"type"`
	BulletID string  `json:"bulletId"`
	Bullet   *Bullet `json:"bullet"`
}

// BulletsUpdateMessage replaces a player's projectile list after expiry sweeps.
type BulletsUpdateMessage struct {
	Type     string    `json:"type"`
	PlayerID string    `json:"playerId"`
	Bullets  []*Bullet `json:"bullets"`
}

// BalloonHitMessage announces an effective balloon hit and the new score.
type BalloonHitMessage struct {
	Type       string  `json:"type"`
	BalloonID  string  `json:"balloonId"`
	PlayerID   string  `json:"playerId"`
	Position   Vector3 `json:"position"`
	NewScore   int     `json:"newScore"`
	PlayerName string  `json:"playerName"`
}

// NewBalloonMessage announces the replacement record for a respawned slot.
type NewBalloonMessage struct {
	Type    string   `json:"type"`
	Balloon *Balloon `json:"balloon"`
}

// PlayerHitMessage announces damage applied to a player.
type PlayerHitMessage struct {
	Type        string  `json:"type"`
	TargetID    string  `json:"targetId"`
	ShooterID   string  `json:"shooterId"`
	Position    Vector3 `json:"position"`
	NewHealth   int     `json:"newHealth"`
	TargetName  string  `json:"targetName"`
	ShooterName string  `json:"shooterName"`
}

// PlayerKilledMessage announces a kill. It always follows the PlayerHitMessage
// describing the same transition.
type PlayerKilledMessage struct {
	Type        string  `json:"type"`
	TargetID    string  `json:"targetId"`
	ShooterID   string  `json:"shooterId"`
	Position    Vector3 `json:"position"`
	TargetName  string  `json:"targetName"`
	ShooterName string  `json:"shooterName"`
}

// ChatMessage relays a chat line with the sender's current display name.
type ChatMessage struct {
	Type       string `json:"type"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// KindOf reports the wire discriminant of an outbound message. Unknown values
// yield the empty string.
func KindOf(msg any) string {
	switch m := msg.(type) {
	case *InitMessage:
		return m.Type
	case *NewPlayerMessage:
		return m.Type
	case *PlayerUpdateMessage:
		return m.Type
	case *PlayerDisconnectedMessage:
		return m.Type
	case *NewBulletMessage:
		return m.Type
	case *BulletsUpdateMessage:
		return m.Type
	case *BalloonHitMessage:
		return m.Type
	case *NewBalloonMessage:
		return m.Type
	case *PlayerHitMessage:
		return m.Type
	case *PlayerKilledMessage:
		return m.Type
	case *ChatMessage:
		return m.Type
	}
	return ""
}
