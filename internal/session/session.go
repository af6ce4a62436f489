// Package session owns the authoritative GameSession record and its status
// transitions. Methods mutate the receiver and are meant to run inside the
// store's conditional update, so a transition either lands atomically under
// the expected revision or not at all.
package session

import (
	"encoding/json"
	"time"

	"github.com/yvesdamsh/damcash2/internal/clock"
	"github.com/yvesdamsh/damcash2/internal/rules"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusPlaying  Status = "PLAYING"
	StatusFinished Status = "FINISHED"
)

// PlayerRef identifies a seat occupant. AI seats are pinned to their color
// across rematches.
type PlayerRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	IsAI bool   `json:"is_ai,omitempty"`
}

// Seats holds the two colored slots; a nil entry is a free seat.
type Seats struct {
	White *PlayerRef `json:"white,omitempty"`
	Black *PlayerRef `json:"black,omitempty"`
}

// Offers are single-slot, one outstanding offer per kind.
type Offers struct {
	DrawOfferedBy       rules.Color `json:"draw_offered_by,omitempty"`
	TakebackRequestedBy rules.Color `json:"takeback_requested_by,omitempty"`
}

// Score tracks a multi-game series; draws award half a point each.
type Score struct {
	White float64 `json:"white"`
	Black float64 `json:"black"`
}

// Session is the authoritative persisted record.
type Session struct {
	ID      string        `json:"id"`
	Ruleset rules.Ruleset `json:"ruleset"`
	Status  Status        `json:"status"`
	Seats   Seats         `json:"seats"`
	Turn    rules.Color   `json:"current_turn"`
	Board   rules.Board   `json:"board"`
	Clocks  clock.State   `json:"clocks"`
	MoveLog []rules.Move  `json:"move_log"`
	Offers  Offers        `json:"offers"`

	WinnerID       string `json:"winner_id,omitempty"`
	TerminalReason string `json:"terminal_reason,omitempty"`
	SeriesScore    Score  `json:"series_score"`

	SettlementDispatched bool `json:"settlement_dispatched,omitempty"`

	// Rev is a monotonic revision counter covering every mutation, so seat
	// fills and offers are guarded by conditional updates like moves are.
	Rev       int64     `json:"rev"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a session in WAITING with the given starting position.
func New(id string, rs rules.Ruleset, board rules.Board, clocks clock.State, now time.Time) *Session {
	return &Session{
		ID:        id,
		Ruleset:   rs,
		Status:    StatusWaiting,
		Turn:      rules.White,
		Board:     board,
		Clocks:    clocks,
		MoveLog:   []rules.Move{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MoveCount is the monotonic version used for state adoption.
func (s *Session) MoveCount() int { return len(s.MoveLog) }

func (s *Session) touch(now time.Time) {
	s.Rev++
	s.UpdatedAt = now
}

// Clone returns a deep copy via JSON round trip; the record is designed to
// survive exactly this encoding.
func (s *Session) Clone() *Session {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out Session
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return &out
}

// Seat returns the occupant of color.
func (s *Session) Seat(color rules.Color) *PlayerRef {
	if color == rules.White {
		return s.Seats.White
	}
	return s.Seats.Black
}

// SeatOf finds the color a player holds. With solo sessions the same player
// may hold both seats; the turn color is preferred so move submission works.
func (s *Session) SeatOf(playerID string) (rules.Color, bool) {
	if p := s.Seat(s.Turn); p != nil && p.ID == playerID {
		return s.Turn, true
	}
	other := s.Turn.Opponent()
	if p := s.Seat(other); p != nil && p.ID == playerID {
		return other, true
	}
	return "", false
}

// FreeSeat returns a free seat color, preferring pref when it is open.
func (s *Session) FreeSeat(pref rules.Color) (rules.Color, bool) {
	if pref.Valid() && s.Seat(pref) == nil {
		return pref, true
	}
	if s.Seats.White == nil {
		return rules.White, true
	}
	if s.Seats.Black == nil {
		return rules.Black, true
	}
	return "", false
}

// HasFreeSeat reports whether either slot is open.
func (s *Session) HasFreeSeat() bool { return s.Seats.White == nil || s.Seats.Black == nil }

func (s *Session) setSeat(color rules.Color, p PlayerRef) {
	cp := p
	if color == rules.White {
		s.Seats.White = &cp
	} else {
		s.Seats.Black = &cp
	}
}

// Join occupies a free seat. The write is conditional on the seat being free
// at read time; a lost race fails closed with ErrSeatConflict.
func (s *Session) Join(p PlayerRef, pref rules.Color, now time.Time) (rules.Color, error) {
	if s.Status == StatusFinished {
		return "", ErrFinished
	}
	if pref.Valid() && s.Seat(pref) != nil {
		return "", ErrSeatConflict
	}
	seat, ok := s.FreeSeat(pref)
	if !ok {
		return "", ErrSeatConflict
	}
	s.setSeat(seat, p)
	if !s.HasFreeSeat() && s.Status == StatusWaiting {
		s.Status = StatusPlaying
		s.Clocks.LastMoveAt = now
	}
	s.touch(now)
	return seat, nil
}

// ApplyMove validates and executes a move for the player. The turn is
// retained while a mandatory capture continuation is pending; otherwise the
// mover's clock commits and the turn flips. Any outstanding offers are
// cleared as a side effect, and terminal detection runs before returning.
func (s *Session) ApplyMove(playerID string, req rules.MoveRequest, now time.Time) (*rules.Move, error) {
	if s.Status != StatusPlaying {
		if s.Status == StatusFinished {
			return nil, ErrFinished
		}
		return nil, ErrNotPlaying
	}
	seat, ok := s.SeatOf(playerID)
	if !ok {
		return nil, ErrNotParticipant
	}
	if seat != s.Turn {
		return nil, ErrNotYourTurn
	}
	// flag fall beats a late move
	if clock.TimedOut(s.Clocks, s.Turn, s.Turn, true, now) {
		_ = s.Timeout(s.Turn, now)
		return nil, ErrClockExpired
	}

	engine, err := rules.ForRuleset(s.Ruleset)
	if err != nil {
		return nil, err
	}
	board, mv, err := engine.Apply(s.Board, seat, req)
	if err != nil {
		return nil, err
	}
	mv.At = now

	s.Board = board
	s.MoveLog = append(s.MoveLog, mv)
	s.Offers = Offers{}

	mustContinue := s.Ruleset == rules.RulesetCheckers &&
		board.Checkers != nil && board.Checkers.MustContinueFrom != nil
	if !mustContinue {
		s.Clocks = clock.Commit(s.Clocks, seat, now)
		s.Turn = seat.Opponent()
	}

	if outcome := engine.Terminal(board, s.Turn); outcome.Over {
		s.finish(outcome.Winner, outcome.Reason, now)
	} else {
		s.touch(now)
	}
	last := &s.MoveLog[len(s.MoveLog)-1]
	return last, nil
}

func (s *Session) finish(winner rules.Color, reason string, now time.Time) {
	s.Status = StatusFinished
	s.TerminalReason = reason
	s.Offers = Offers{}
	switch winner {
	case rules.White:
		if p := s.Seats.White; p != nil {
			s.WinnerID = p.ID
		}
		s.SeriesScore.White++
	case rules.Black:
		if p := s.Seats.Black; p != nil {
			s.WinnerID = p.ID
		}
		s.SeriesScore.Black++
	default:
		s.SeriesScore.White += 0.5
		s.SeriesScore.Black += 0.5
	}
	s.touch(now)
}

// OfferDraw sets the single draw offer slot.
func (s *Session) OfferDraw(playerID string, now time.Time) error {
	seat, err := s.participantInPlay(playerID)
	if err != nil {
		return err
	}
	if s.Offers.DrawOfferedBy == seat {
		return ErrOfferPending
	}
	s.Offers.DrawOfferedBy = seat
	s.touch(now)
	return nil
}

// AcceptDraw finishes the game drawn; winnerId stays empty.
func (s *Session) AcceptDraw(playerID string, now time.Time) error {
	seat, err := s.participantInPlay(playerID)
	if err != nil {
		return err
	}
	if s.Offers.DrawOfferedBy == "" {
		return ErrNoOffer
	}
	if s.Offers.DrawOfferedBy == seat {
		return ErrOwnOffer
	}
	s.finish("", rules.ReasonDrawAgreed, now)
	return nil
}

func (s *Session) DeclineDraw(playerID string, now time.Time) error {
	_, err := s.participantInPlay(playerID)
	if err != nil {
		return err
	}
	if s.Offers.DrawOfferedBy == "" {
		return ErrNoOffer
	}
	s.Offers.DrawOfferedBy = ""
	s.touch(now)
	return nil
}

// RequestTakeback sets the single takeback slot.
func (s *Session) RequestTakeback(playerID string, now time.Time) error {
	seat, err := s.participantInPlay(playerID)
	if err != nil {
		return err
	}
	if len(s.MoveLog) == 0 {
		return ErrNothingToRevert
	}
	if s.Offers.TakebackRequestedBy == seat {
		return ErrOfferPending
	}
	s.Offers.TakebackRequestedBy = seat
	s.touch(now)
	return nil
}

// AcceptTakeback reverts the log by one entry, flips the turn back to the
// reverted mover and re-derives the board from the new last snapshot.
func (s *Session) AcceptTakeback(playerID string, now time.Time) error {
	seat, err := s.participantInPlay(playerID)
	if err != nil {
		return err
	}
	if s.Offers.TakebackRequestedBy == "" {
		return ErrNoOffer
	}
	if s.Offers.TakebackRequestedBy == seat {
		return ErrOwnOffer
	}
	if len(s.MoveLog) == 0 {
		return ErrNothingToRevert
	}
	removed := s.MoveLog[len(s.MoveLog)-1]
	s.MoveLog = s.MoveLog[:len(s.MoveLog)-1]
	if len(s.MoveLog) > 0 {
		s.Board = s.MoveLog[len(s.MoveLog)-1].Board
	} else if engine, eerr := rules.ForRuleset(s.Ruleset); eerr == nil {
		s.Board = engine.Initial()
	}
	s.Turn = removed.Color
	s.Offers = Offers{}
	s.Clocks.LastMoveAt = now
	s.touch(now)
	return nil
}

func (s *Session) DeclineTakeback(playerID string, now time.Time) error {
	_, err := s.participantInPlay(playerID)
	if err != nil {
		return err
	}
	if s.Offers.TakebackRequestedBy == "" {
		return ErrNoOffer
	}
	s.Offers.TakebackRequestedBy = ""
	s.touch(now)
	return nil
}

// Resign finishes the game with the resigner's opponent as winner.
func (s *Session) Resign(playerID string, now time.Time) error {
	seat, err := s.participantInPlay(playerID)
	if err != nil {
		return err
	}
	s.finish(seat.Opponent(), rules.ReasonResignation, now)
	return nil
}

// Timeout finishes the game against color once its clock is spent,
// independent of board state.
func (s *Session) Timeout(color rules.Color, now time.Time) error {
	if s.Status != StatusPlaying {
		return ErrNotPlaying
	}
	if !clock.TimedOut(s.Clocks, s.Turn, color, true, now) {
		return ErrClockStillAlive
	}
	s.finish(color.Opponent(), rules.ReasonTimeout, now)
	return nil
}

// MarkSettled records that the settlement collaborator was invoked; a second
// dispatch for the same terminal transition is refused.
func (s *Session) MarkSettled(now time.Time) error {
	if s.Status != StatusFinished {
		return ErrNotFinished
	}
	if s.SettlementDispatched {
		return ErrSettlementRepeat
	}
	s.SettlementDispatched = true
	s.touch(now)
	return nil
}

// Remaining derives color's live clock via the clock manager.
func (s *Session) Remaining(color rules.Color, now time.Time) float64 {
	return clock.Remaining(s.Clocks, s.Turn, color, s.Status == StatusPlaying, now)
}

// Rematch builds a new session seeded from a finished one: fresh board,
// clocks and log, series score carried forward. With swap the seat colors
// flip; AI seats keep their color either way, the human takes the other side.
func (s *Session) Rematch(newID string, base, increment float64, swap bool, now time.Time) (*Session, error) {
	if s.Status != StatusFinished {
		return nil, ErrNotFinished
	}
	engine, err := rules.ForRuleset(s.Ruleset)
	if err != nil {
		return nil, err
	}
	next := New(newID, s.Ruleset, engine.Initial(), clock.NewState(base, increment, now), now)
	next.SeriesScore = s.SeriesScore

	white, black := s.Seats.White, s.Seats.Black
	if swap && !seatIsAI(s.Seats.White) && !seatIsAI(s.Seats.Black) {
		white, black = s.Seats.Black, s.Seats.White
	}
	next.Seats = Seats{White: white, Black: black}
	if !next.HasFreeSeat() {
		next.Status = StatusPlaying
		next.Clocks.LastMoveAt = now
	}
	return next, nil
}

func seatIsAI(p *PlayerRef) bool { return p != nil && p.IsAI }

func (s *Session) participantInPlay(playerID string) (rules.Color, error) {
	if s.Status != StatusPlaying {
		if s.Status == StatusFinished {
			return "", ErrFinished
		}
		return "", ErrNotPlaying
	}
	seat, ok := s.SeatOf(playerID)
	if !ok {
		return "", ErrNotParticipant
	}
	return seat, nil
}
