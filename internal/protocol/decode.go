package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	errEmptyFrame = errors.New("empty frame")

	// ErrMissingKind reports a frame with no "type" discriminant.
	ErrMissingKind = errors.New("frame missing type discriminant")
	// ErrUnknownKind reports a discriminant outside the client->server contract.
	ErrUnknownKind = errors.New("unknown message type")
)

type envelope struct {
	Type string `json:"type"`
}

// Decode parses a raw text frame and validates it against the field contract of
// its declared kind, returning the corresponding tagged variant. Any error
// means the frame must be dropped without mutating state; the protocol has no
// negative-acknowledgement reply.
func Decode(raw []byte) (ClientMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errEmptyFrame
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch env.Type {
	case KindPlayerInfo:
		return decodePlayerInfo(raw)
	case KindPlayerUpdate:
		return decodePlayerUpdate(raw)
	case KindShoot:
		return decodeShoot(raw)
	case KindBalloonHit:
		return decodeBalloonHit(raw)
	case KindPlayerHit:
		return decodePlayerHit(raw)
	case KindChatMessage:
		return decodeChat(raw)
	case "":
		return nil, ErrMissingKind
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

// vectorWire checks field presence before committing to a Vector3 value.
type vectorWire struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

func (w *vectorWire) validate(field string) (Vector3, error) {
	if w == nil {
		return Vector3{}, fmt.Errorf("%s is required", field)
	}
	if w.X == nil || w.Y == nil || w.Z == nil {
		return Vector3{}, fmt.Errorf("%s must carry numeric x, y and z", field)
	}
	return Vector3{X: *w.X, Y: *w.Y, Z: *w.Z}, nil
}

type quaternionWire struct {
	X *float64 `json:"_x"`
	Y *float64 `json:"_y"`
	Z *float64 `json:"_z"`
	W *float64 `json:"_w"`
}

func (w *quaternionWire) validate(field string) (Quaternion, error) {
	if w == nil {
		return Quaternion{}, fmt.Errorf("%s is required", field)
	}
	if w.X == nil || w.Y == nil || w.Z == nil || w.W == nil {
		return Quaternion{}, fmt.Errorf("%s must carry numeric _x, _y, _z and _w", field)
	}
	return Quaternion{X: *w.X, Y: *w.Y, Z: *w.Z, W: *w.W}, nil
}

// validatePlaneConfig admits absent, null, or JSON-object configs. The server
// never looks inside the blob, only relays it.
func validatePlaneConfig(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, errors.New("planeConfig must be an object or null")
	}
	return append(json.RawMessage(nil), trimmed...), nil
}

func decodePlayerInfo(raw []byte) (ClientMessage, error) {
	// Name and planeType may be empty strings; empty means "keep the current
	// value" rather than a contract violation.
	var wire struct {
		Name        *string         `json:"name"`
		PlaneType   *string         `json:"planeType"`
		PlaneConfig json.RawMessage `json:"planeConfig"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("playerInfo: %w", err)
	}
	msg := PlayerInfo{}
	if wire.Name != nil {
		msg.Name = *wire.Name
	}
	if wire.PlaneType != nil {
		msg.PlaneType = *wire.PlaneType
	}
	config, err := validatePlaneConfig(wire.PlaneConfig)
	if err != nil {
		return nil, fmt.Errorf("playerInfo: %w", err)
	}
	msg.PlaneConfig = config
	return msg, nil
}

func decodePlayerUpdate(raw []byte) (ClientMessage, error) {
	var wire struct {
		PlayerID    string          `json:"playerId"`
		Position    *vectorWire     `json:"position"`
		Quaternion  *quaternionWire `json:"quaternion"`
		PlaneType   *string         `json:"planeType"`
		PlaneConfig json.RawMessage `json:"planeConfig"`
		Health      *float64        `json:"health"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("playerUpdate: %w", err)
	}
	if wire.PlayerID == "" {
		return nil, errors.New("playerUpdate: playerId is required")
	}
	position, err := wire.Position.validate("position")
	if err != nil {
		return nil, fmt.Errorf("playerUpdate: %w", err)
	}
	orientation, err := wire.Quaternion.validate("quaternion")
	if err != nil {
		return nil, fmt.Errorf("playerUpdate: %w", err)
	}
	if wire.PlaneType == nil {
		return nil, errors.New("playerUpdate: planeType is required")
	}
	config, err := validatePlaneConfig(wire.PlaneConfig)
	if err != nil {
		return nil, fmt.Errorf("playerUpdate: %w", err)
	}
	if wire.Health == nil {
		return nil, errors.New("playerUpdate: health is required")
	}
	if *wire.Health < 0 || *wire.Health > 100 {
		return nil, fmt.Errorf("playerUpdate: health %v outside [0,100]", *wire.Health)
	}
	return PlayerUpdate{
		PlayerID:    wire.PlayerID,
		Position:    position,
		Quaternion:  orientation,
		PlaneType:   *wire.PlaneType,
		PlaneConfig: config,
		Health:      int(*wire.Health),
	}, nil
}

func decodeShoot(raw []byte) (ClientMessage, error) {
	var wire struct {
		PlayerID string      `json:"playerId"`
		Position *vectorWire `json:"position"`
		Velocity *vectorWire `json:"velocity"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("shoot: %w", err)
	}
	if wire.PlayerID == "" {
		return nil, errors.New("shoot: playerId is required")
	}
	position, err := wire.Position.validate("position")
	if err != nil {
		return nil, fmt.Errorf("shoot: %w", err)
	}
	velocity, err := wire.Velocity.validate("velocity")
	if err != nil {
		return nil, fmt.Errorf("shoot: %w", err)
	}
	return Shoot{PlayerID: wire.PlayerID, Position: position, Velocity: velocity}, nil
}

func decodeBalloonHit(raw []byte) (ClientMessage, error) {
	var wire struct {
		PlayerID  string      `json:"playerId"`
		BalloonID string      `json:"balloonId"`
		Position  *vectorWire `json:"position"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("balloonHit: %w", err)
	}
	if wire.PlayerID == "" {
		return nil, errors.New("balloonHit: playerId is required")
	}
	if wire.BalloonID == "" {
		return nil, errors.New("balloonHit: balloonId is required")
	}
	position, err := wire.Position.validate("position")
	if err != nil {
		return nil, fmt.Errorf("balloonHit: %w", err)
	}
	return BalloonHit{PlayerID: wire.PlayerID, BalloonID: wire.BalloonID, Position: position}, nil
}

func decodePlayerHit(raw []byte) (ClientMessage, error) {
	var wire struct {
		ShooterID string      `json:"shooterId"`
		TargetID  string      `json:"targetId"`
		Position  *vectorWire `json:"position"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("playerHit: %w", err)
	}
	if wire.ShooterID == "" {
		return nil, errors.New("playerHit: shooterId is required")
	}
	if wire.TargetID == "" {
		return nil, errors.New("playerHit: targetId is required")
	}
	position, err := wire.Position.validate("position")
	if err != nil {
		return nil, fmt.Errorf("playerHit: %w", err)
	}
	return PlayerHit{ShooterID: wire.ShooterID, TargetID: wire.TargetID, Position: position}, nil
}

func decodeChat(raw []byte) (ClientMessage, error) {
	var wire struct {
		PlayerID  string   `json:"playerId"`
		Message   string   `json:"message"`
		Timestamp *float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("chatMessage: %w", err)
	}
	if wire.PlayerID == "" {
		return nil, errors.New("chatMessage: playerId is required")
	}
	if wire.Message == "" {
		return nil, errors.New("chatMessage: message is required")
	}
	msg := Chat{PlayerID: wire.PlayerID, Message: wire.Message}
	if wire.Timestamp != nil {
		msg.Timestamp = int64(*wire.Timestamp)
	}
	return msg, nil
}
