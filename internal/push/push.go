// Package push is the per-session event channel. Delivery is best effort:
// messages may be lost or duplicated, so adoption on the receiving side goes
// by move count, never by message identity.
package push

import (
	"encoding/json"

	"github.com/yvesdamsh/damcash2/internal/session"
)

// Envelope is the wire shape of every channel event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event types carried on the session topic.
const (
	TypeStateUpdate  = "state-update"
	TypeMoveAck      = "move-ack"
	TypePlayerJoined = "player-joined"
	TypeDrawOffer    = "draw-offer"
	TypeDrawAccept   = "draw-accept"
	TypeDrawDecline  = "draw-decline"
	TypeReaction     = "reaction"
	TypeRefetchHint  = "refetch-hint"
	TypeForceSave    = "force-save"
)

// MoveAck confirms a persisted write back to the mover.
type MoveAck struct {
	SessionID   string `json:"session_id"`
	LocalMoveID string `json:"local_move_id,omitempty"`
	MoveCount   int    `json:"move_count"`
	Rev         int64  `json:"rev"`
}

// ForceSave asks a connected peer to persist the attached state because the
// sender's own persist path failed.
type ForceSave struct {
	SessionID string           `json:"session_id"`
	State     *session.Session `json:"state"`
}

// NewStateUpdate wraps the full authoritative record.
func NewStateUpdate(s *session.Session) (Envelope, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeStateUpdate, Payload: raw}, nil
}

// NewMoveAck wraps a persisted-write acknowledgment.
func NewMoveAck(ack MoveAck) (Envelope, error) {
	raw, err := json.Marshal(ack)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeMoveAck, Payload: raw}, nil
}

// NewForceSave wraps a force-save instruction.
func NewForceSave(fs ForceSave) (Envelope, error) {
	raw, err := json.Marshal(fs)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeForceSave, Payload: raw}, nil
}

// DecodeState extracts a session from a state-update payload. A nil session
// with nil error marks a partial push the receiver should re-fetch around.
func DecodeState(e Envelope) (*session.Session, error) {
	if e.Type != TypeStateUpdate || len(e.Payload) == 0 {
		return nil, nil
	}
	var s session.Session
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return nil, err
	}
	if s.ID == "" || s.Board.Ruleset == "" {
		return nil, nil
	}
	return &s, nil
}
