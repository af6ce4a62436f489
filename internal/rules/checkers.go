package rules

import (
	"fmt"
	"strings"
)

// CheckersPosition serializes as a 64-char grid, rank-major from a1.
// Cells: '.' empty, 'w'/'b' men, 'W'/'B' kings. MustContinueFrom is only set
// transiently while a capture chain is in progress.
type CheckersPosition struct {
	Grid             string `json:"grid"`
	MustContinueFrom *Coord `json:"must_continue_from,omitempty"`
}

type checkersEngine struct{}

const checkersStartGrid = "" +
	"w.w.w.w." +
	".w.w.w.w" +
	"w.w.w.w." +
	"........" +
	"........" +
	".b.b.b.b" +
	"b.b.b.b." +
	".b.b.b.b"

func (checkersEngine) Initial() Board {
	return Board{Ruleset: RulesetCheckers, Checkers: &CheckersPosition{Grid: checkersStartGrid}}
}

func (p *CheckersPosition) cell(c Coord) byte {
	return p.Grid[c.Rank*8+c.File]
}

func (p *CheckersPosition) withCell(grid []byte, c Coord, v byte) {
	grid[c.Rank*8+c.File] = v
}

func checkersColorOf(cell byte) (Color, bool) {
	switch cell {
	case 'w', 'W':
		return White, true
	case 'b', 'B':
		return Black, true
	}
	return "", false
}

func isKing(cell byte) bool { return cell == 'W' || cell == 'B' }

func validCheckersPosition(b Board) (*CheckersPosition, error) {
	if b.Ruleset != RulesetCheckers || b.Checkers == nil || len(b.Checkers.Grid) != 64 {
		return nil, ErrCorruptBoard
	}
	return b.Checkers, nil
}

var checkersDirs = [4][2]int{{-1, -1}, {1, -1}, {-1, 1}, {1, 1}} // file,rank deltas in scan order

// checkersForward is the quiet-move rank direction for color. Men capture in
// all four diagonals; only quiet moves are restricted to forward.
func checkersForward(color Color) int {
	if color == White {
		return 1
	}
	return -1
}

func (e checkersEngine) LegalMoves(b Board, color Color) ([]Move, error) {
	pos, err := validCheckersPosition(b)
	if err != nil {
		return nil, err
	}
	if !color.Valid() {
		return nil, fmt.Errorf("invalid color %q", color)
	}

	if pos.MustContinueFrom != nil {
		from := *pos.MustContinueFrom
		if c, ok := checkersColorOf(pos.cell(from)); !ok || c != color {
			return nil, fmt.Errorf("%w: continuation square %s not held by %s", ErrCorruptBoard, from, color)
		}
		return captureMovesFrom(pos, from, color), nil
	}

	captures := allCaptureMoves(pos, color)
	if len(captures) > 0 {
		return captures, nil
	}
	return quietMoves(pos, color), nil
}

// allCaptureMoves scans a1..h8; with multiple candidates the first enumerated
// wins ties, longest-chain preference is left to move selection strategies.
func allCaptureMoves(pos *CheckersPosition, color Color) []Move {
	var out []Move
	for rank := 0; rank < 8; rank++ {
		for file := 0; file < 8; file++ {
			from := Coord{File: file, Rank: rank}
			if c, ok := checkersColorOf(pos.cell(from)); ok && c == color {
				out = append(out, captureMovesFrom(pos, from, color)...)
			}
		}
	}
	return out
}

func captureMovesFrom(pos *CheckersPosition, from Coord, color Color) []Move {
	var out []Move
	for _, d := range checkersDirs {
		over := Coord{File: from.File + d[0], Rank: from.Rank + d[1]}
		to := Coord{File: from.File + 2*d[0], Rank: from.Rank + 2*d[1]}
		if !to.OnBoard() {
			continue
		}
		victim, ok := checkersColorOf(pos.cell(over))
		if !ok || victim == color || pos.cell(to) != '.' {
			continue
		}
		out = append(out, Move{
			From:     from,
			To:       to,
			Captured: []Coord{over},
			Color:    color,
			Notation: fmt.Sprintf("%sx%s", from, to),
		})
	}
	return out
}

func quietMoves(pos *CheckersPosition, color Color) []Move {
	var out []Move
	fwd := checkersForward(color)
	for rank := 0; rank < 8; rank++ {
		for file := 0; file < 8; file++ {
			from := Coord{File: file, Rank: rank}
			c, ok := checkersColorOf(pos.cell(from))
			if !ok || c != color {
				continue
			}
			king := isKing(pos.cell(from))
			for _, d := range checkersDirs {
				if !king && d[1] != fwd {
					continue
				}
				to := Coord{File: from.File + d[0], Rank: from.Rank + d[1]}
				if !to.OnBoard() || pos.cell(to) != '.' {
					continue
				}
				out = append(out, Move{
					From:     from,
					To:       to,
					Color:    color,
					Notation: fmt.Sprintf("%s-%s", from, to),
				})
			}
		}
	}
	return out
}

func (e checkersEngine) Apply(b Board, color Color, req MoveRequest) (Board, Move, error) {
	pos, err := validCheckersPosition(b)
	if err != nil {
		return Board{}, Move{}, err
	}
	legal, err := e.LegalMoves(b, color)
	if err != nil {
		return Board{}, Move{}, err
	}
	var chosen *Move
	for i := range legal {
		if legal[i].From == req.From && legal[i].To == req.To {
			chosen = &legal[i]
			break
		}
	}
	if chosen == nil {
		return Board{}, Move{}, ErrIllegalMove
	}

	grid := []byte(pos.Grid)
	piece := pos.cell(req.From)
	pos.withCell(grid, req.From, '.')
	for _, cap := range chosen.Captured {
		pos.withCell(grid, cap, '.')
	}

	// promotion on back rank; a capture chain survives mid-chain promotion
	backRank := 7
	if color == Black {
		backRank = 0
	}
	if req.To.Rank == backRank && !isKing(piece) {
		if color == White {
			piece = 'W'
		} else {
			piece = 'B'
		}
		chosen.Promotion = "king"
	}
	pos.withCell(grid, req.To, piece)

	next := &CheckersPosition{Grid: string(grid)}
	if len(chosen.Captured) > 0 {
		landed := req.To
		if more := captureMovesFrom(next, landed, color); len(more) > 0 {
			next.MustContinueFrom = &landed
		}
	}

	nb := Board{Ruleset: RulesetCheckers, Checkers: next}
	mv := *chosen
	mv.Board = nb
	return nb, mv, nil
}

// Terminal: a color with zero legal moves (no pieces or fully blocked) loses.
func (e checkersEngine) Terminal(b Board, toMove Color) Outcome {
	legal, err := e.LegalMoves(b, toMove)
	if err != nil {
		return Outcome{}
	}
	if len(legal) == 0 {
		return Outcome{Over: true, Winner: toMove.Opponent(), Reason: ReasonNoMoves}
	}
	return Outcome{}
}

// RenderCheckersGrid is a debugging aid used by logs and tests.
func RenderCheckersGrid(b Board) string {
	if b.Checkers == nil || len(b.Checkers.Grid) != 64 {
		return "<corrupt>"
	}
	var sb strings.Builder
	for rank := 7; rank >= 0; rank-- {
		sb.WriteString(b.Checkers.Grid[rank*8 : rank*8+8])
		sb.WriteByte('\n')
	}
	return sb.String()
}
