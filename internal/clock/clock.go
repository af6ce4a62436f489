// Package clock computes remaining thinking time per side. All functions are
// pure over a serializable State so the authoritative record stays the only
// baseline; live countdowns are always derived, never stored.
package clock

import (
	"time"

	"github.com/yvesdamsh/damcash2/internal/rules"
)

// State is the persisted clock baseline of a session.
type State struct {
	WhiteLeft  float64   `json:"white_seconds_left"`
	BlackLeft  float64   `json:"black_seconds_left"`
	Increment  float64   `json:"increment_seconds"`
	LastMoveAt time.Time `json:"last_move_at"`
}

// NewState starts both sides with base seconds.
func NewState(base, increment float64, now time.Time) State {
	return State{WhiteLeft: base, BlackLeft: base, Increment: increment, LastMoveAt: now}
}

func (s State) left(color rules.Color) float64 {
	if color == rules.White {
		return s.WhiteLeft
	}
	return s.BlackLeft
}

func (s State) setLeft(color rules.Color, v float64) State {
	if color == rules.White {
		s.WhiteLeft = v
	} else {
		s.BlackLeft = v
	}
	return s
}

// Remaining returns the live remaining seconds for color. Only the side to
// move while the session runs is charged for elapsed wall time.
func Remaining(s State, turn rules.Color, color rules.Color, running bool, now time.Time) float64 {
	v := s.left(color)
	if running && turn == color {
		v -= now.Sub(s.LastMoveAt).Seconds()
	}
	if v < 0 {
		return 0
	}
	return v
}

// Commit charges the mover for elapsed time, credits the increment, floors at
// zero and resets the baseline timestamp.
func Commit(s State, mover rules.Color, now time.Time) State {
	v := s.left(mover) - now.Sub(s.LastMoveAt).Seconds() + s.Increment
	if v < 0 {
		v = 0
	}
	s = s.setLeft(mover, v)
	s.LastMoveAt = now
	return s
}

// TimedOut reports whether color's clock has reached zero while it is that
// color's turn. Board state is irrelevant to a timeout.
func TimedOut(s State, turn rules.Color, color rules.Color, running bool, now time.Time) bool {
	return running && turn == color && Remaining(s, turn, color, running, now) <= 0
}
