package rules

import (
	"errors"
	"fmt"
	"time"
)

// Ruleset selects which rule engine governs a session.
type Ruleset string

const (
	RulesetCheckers Ruleset = "checkers"
	RulesetChess    Ruleset = "chess"
)

// Color identifies a side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

func (c Color) Valid() bool { return c == White || c == Black }

// Coord is a zero-based board coordinate; {0,0} is a1.
type Coord struct {
	File int `json:"file"`
	Rank int `json:"rank"`
}

func (c Coord) String() string {
	return fmt.Sprintf("%c%d", 'a'+rune(c.File), c.Rank+1)
}

func (c Coord) OnBoard() bool {
	return c.File >= 0 && c.File < 8 && c.Rank >= 0 && c.Rank < 8
}

// ParseCoord reads "e4"-style square names.
func ParseCoord(s string) (Coord, error) {
	if len(s) != 2 {
		return Coord{}, fmt.Errorf("bad square %q", s)
	}
	f := int(s[0] - 'a')
	r := int(s[1] - '1')
	c := Coord{File: f, Rank: r}
	if !c.OnBoard() {
		return Coord{}, fmt.Errorf("square %q off board", s)
	}
	return c, nil
}

// MoveRequest is what a caller submits: endpoints plus an optional promotion
// piece ("q","r","b","n" for chess; ignored for checkers).
type MoveRequest struct {
	From      Coord  `json:"from"`
	To        Coord  `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// Move is immutable once appended to a session's move log. Board holds the
// resulting position so history can be replayed without the engine.
type Move struct {
	From      Coord     `json:"from"`
	To        Coord     `json:"to"`
	Captured  []Coord   `json:"captured,omitempty"`
	Promotion string    `json:"promotion,omitempty"`
	Color     Color     `json:"color"`
	Notation  string    `json:"notation"`
	Board     Board     `json:"board"`
	At        time.Time `json:"at"`
}

// Board is a tagged variant so checkers and chess positions cannot be
// confused with one another downstream.
type Board struct {
	Ruleset  Ruleset           `json:"ruleset"`
	Checkers *CheckersPosition `json:"checkers,omitempty"`
	Chess    *ChessPosition    `json:"chess,omitempty"`
}

// Outcome reports a terminal condition. Winner is empty on draws; Reason is
// the tag handed to the settlement collaborator.
type Outcome struct {
	Over   bool   `json:"over"`
	Winner Color  `json:"winner,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Terminal reason tags.
const (
	ReasonCheckmate            = "checkmate"
	ReasonStalemate            = "stalemate"
	ReasonFiftyMove            = "fifty_move"
	ReasonThreefoldRepetition  = "threefold_repetition"
	ReasonInsufficientMaterial = "insufficient_material"
	ReasonNoMoves              = "no_moves"
	ReasonResignation          = "resignation"
	ReasonTimeout              = "timeout"
	ReasonDrawAgreed           = "draw_agreed"
)

var (
	ErrIllegalMove       = errors.New("illegal move")
	ErrPromotionRequired = errors.New("promotion piece required")
	ErrCorruptBoard      = errors.New("board failed to deserialize")
	ErrUnknownRuleset    = errors.New("unknown ruleset")
)

// Engine is a pure rule engine: no I/O, no clocks.
type Engine interface {
	// Initial returns the starting position.
	Initial() Board
	// LegalMoves enumerates every legal move for color, already restricted
	// to a mandatory-continuation square when the position carries one.
	LegalMoves(b Board, color Color) ([]Move, error)
	// Apply validates req against LegalMoves and returns the resulting
	// board plus the executed Move (captures, promotion, notation filled).
	Apply(b Board, color Color, req MoveRequest) (Board, Move, error)
	// Terminal inspects the position with toMove to play next.
	Terminal(b Board, toMove Color) Outcome
}

// ForRuleset returns the engine for rs.
func ForRuleset(rs Ruleset) (Engine, error) {
	switch rs {
	case RulesetCheckers:
		return checkersEngine{}, nil
	case RulesetChess:
		return chessEngine{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuleset, rs)
	}
}
