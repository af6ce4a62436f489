// Package gamedto holds the wire types of the HTTP surface. They are a
// deliberate subset of the internal session record: clients get derived
// clock values and notation, not engine internals.
package gamedto

import (
	"time"

	"github.com/yvesdamsh/damcash2/internal/rules"
	"github.com/yvesdamsh/damcash2/internal/session"
)

type CreateSessionRequest struct {
	Ruleset    string `json:"ruleset" binding:"required"`
	PlayerID   string `json:"player_id" binding:"required"`
	PlayerName string `json:"player_name"`
	Color      string `json:"color"`
	VersusAI   bool   `json:"versus_ai"`
}

type JoinRequest struct {
	PlayerID   string `json:"player_id" binding:"required"`
	PlayerName string `json:"player_name"`
	Color      string `json:"color"`
}

type MoveRequest struct {
	PlayerID  string `json:"player_id" binding:"required"`
	From      string `json:"from" binding:"required"`
	To        string `json:"to" binding:"required"`
	Promotion string `json:"promotion"`
}

type ActionRequest struct {
	PlayerID string `json:"player_id" binding:"required"`
}

type ExpireRequest struct {
	Color string `json:"color" binding:"required"`
}

type SeatView struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	IsAI bool   `json:"is_ai,omitempty"`
}

type MoveView struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Notation  string    `json:"notation"`
	Color     string    `json:"color"`
	Captures  int       `json:"captures,omitempty"`
	Promotion string    `json:"promotion,omitempty"`
	At        time.Time `json:"at"`
}

type ClockView struct {
	WhiteLeft float64 `json:"white_left"`
	BlackLeft float64 `json:"black_left"`
	Increment float64 `json:"increment"`
}

type SessionView struct {
	ID             string      `json:"id"`
	Ruleset        string      `json:"ruleset"`
	Status         string      `json:"status"`
	White          *SeatView   `json:"white,omitempty"`
	Black          *SeatView   `json:"black,omitempty"`
	Turn           string      `json:"turn"`
	Board          rules.Board `json:"board"`
	Clock          ClockView   `json:"clock"`
	Moves          []MoveView  `json:"moves"`
	MoveCount      int         `json:"move_count"`
	DrawOfferedBy  string      `json:"draw_offered_by,omitempty"`
	TakebackBy     string      `json:"takeback_requested_by,omitempty"`
	WinnerID       string      `json:"winner_id,omitempty"`
	TerminalReason string      `json:"terminal_reason,omitempty"`
	SeriesWhite    float64     `json:"series_white"`
	SeriesBlack    float64     `json:"series_black"`
	Rev            int64       `json:"rev"`
}

// FromSession projects the internal record into the wire view, deriving
// live clock values at now.
func FromSession(s *session.Session, now time.Time) SessionView {
	v := SessionView{
		ID:             s.ID,
		Ruleset:        string(s.Ruleset),
		Status:         string(s.Status),
		Turn:           string(s.Turn),
		Board:          s.Board,
		MoveCount:      s.MoveCount(),
		DrawOfferedBy:  string(s.Offers.DrawOfferedBy),
		TakebackBy:     string(s.Offers.TakebackRequestedBy),
		WinnerID:       s.WinnerID,
		TerminalReason: s.TerminalReason,
		SeriesWhite:    s.SeriesScore.White,
		SeriesBlack:    s.SeriesScore.Black,
		Rev:            s.Rev,
		Clock: ClockView{
			WhiteLeft: s.Remaining(rules.White, now),
			BlackLeft: s.Remaining(rules.Black, now),
			Increment: s.Clocks.Increment,
		},
	}
	v.White = seatView(s.Seats.White)
	v.Black = seatView(s.Seats.Black)
	v.Moves = make([]MoveView, 0, len(s.MoveLog))
	for _, mv := range s.MoveLog {
		v.Moves = append(v.Moves, MoveView{
			From:      mv.From.String(),
			To:        mv.To.String(),
			Notation:  mv.Notation,
			Color:     string(mv.Color),
			Captures:  len(mv.Captured),
			Promotion: mv.Promotion,
			At:        mv.At,
		})
	}
	return v
}

func seatView(p *session.PlayerRef) *SeatView {
	if p == nil {
		return nil
	}
	return &SeatView{ID: p.ID, Name: p.Name, IsAI: p.IsAI}
}
