package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// ChessPosition keeps the UCI move list as the source of truth and is
// reconstructed by replay from the start position. Castling rights, en
// passant, the half-move clock and repetition tracking all fall out of the
// replay; FEN is carried for presentation only.
type ChessPosition struct {
	FEN      string   `json:"fen"`
	MovesUCI []string `json:"moves_uci"`
}

type chessEngine struct{}

func (chessEngine) Initial() Board {
	game := nchess.NewGame()
	return Board{Ruleset: RulesetChess, Chess: &ChessPosition{FEN: game.FEN(), MovesUCI: []string{}}}
}

// reconstruct replays the stored UCI moves from the start position.
// Applying the FEN instead can double-apply moves.
func reconstructChess(p *ChessPosition) *nchess.Game {
	game := nchess.NewGame()
	for _, mv := range p.MovesUCI {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil
		}
	}
	return game
}

func validChessPosition(b Board) (*ChessPosition, error) {
	if b.Ruleset != RulesetChess || b.Chess == nil {
		return nil, ErrCorruptBoard
	}
	return b.Chess, nil
}

func coordOf(sq nchess.Square) Coord {
	return Coord{File: int(sq.File()), Rank: int(sq.Rank())}
}

func chessColorOf(c nchess.Color) Color {
	if c == nchess.White {
		return White
	}
	return Black
}

func promoString(pt nchess.PieceType) string {
	switch pt {
	case nchess.Queen:
		return "q"
	case nchess.Rook:
		return "r"
	case nchess.Bishop:
		return "b"
	case nchess.Knight:
		return "n"
	}
	return ""
}

// capturedSquares derives the captured cell from move tags; en passant
// removes the pawn behind the landing square.
func capturedSquares(mv *nchess.Move) []Coord {
	switch {
	case mv.HasTag(nchess.EnPassant):
		return []Coord{{File: int(mv.S2().File()), Rank: int(mv.S1().Rank())}}
	case mv.HasTag(nchess.Capture):
		return []Coord{coordOf(mv.S2())}
	}
	return nil
}

func (e chessEngine) LegalMoves(b Board, color Color) ([]Move, error) {
	pos, err := validChessPosition(b)
	if err != nil {
		return nil, err
	}
	game := reconstructChess(pos)
	if game == nil {
		return nil, fmt.Errorf("%w: chess replay failed", ErrCorruptBoard)
	}
	if chessColorOf(game.Position().Turn()) != color {
		return nil, nil
	}
	cur := game.Position()
	var out []Move
	for _, mv := range game.ValidMoves() {
		out = append(out, Move{
			From:      coordOf(mv.S1()),
			To:        coordOf(mv.S2()),
			Captured:  capturedSquares(&mv),
			Promotion: promoString(mv.Promo()),
			Color:     color,
			Notation:  nchess.AlgebraicNotation{}.Encode(cur, &mv),
		})
	}
	return out, nil
}

func (e chessEngine) Apply(b Board, color Color, req MoveRequest) (Board, Move, error) {
	pos, err := validChessPosition(b)
	if err != nil {
		return Board{}, Move{}, err
	}
	game := reconstructChess(pos)
	if game == nil {
		return Board{}, Move{}, fmt.Errorf("%w: chess replay failed", ErrCorruptBoard)
	}
	if chessColorOf(game.Position().Turn()) != color {
		return Board{}, Move{}, ErrIllegalMove
	}

	promo := strings.ToLower(strings.TrimSpace(req.Promotion))
	uci := req.From.String() + req.To.String() + promo
	before := game.Position()
	mv, derr := nchess.UCINotation{}.Decode(before, uci)
	if derr != nil {
		if promo == "" && promotionAvailable(game, req.From, req.To) {
			return Board{}, Move{}, ErrPromotionRequired
		}
		return Board{}, Move{}, ErrIllegalMove
	}
	san := nchess.AlgebraicNotation{}.Encode(before, mv)
	if err := game.Move(mv, nil); err != nil {
		if promo == "" && promotionAvailable(game, req.From, req.To) {
			return Board{}, Move{}, ErrPromotionRequired
		}
		return Board{}, Move{}, ErrIllegalMove
	}
	claimAutomaticDraws(game)

	next := &ChessPosition{
		FEN:      game.FEN(),
		MovesUCI: append(append([]string(nil), pos.MovesUCI...), uci),
	}
	nb := Board{Ruleset: RulesetChess, Chess: next}
	out := Move{
		From:      req.From,
		To:        req.To,
		Captured:  capturedSquares(mv),
		Promotion: promoString(mv.Promo()),
		Color:     color,
		Notation:  san,
		Board:     nb,
	}
	return nb, out, nil
}

// promotionAvailable reports whether from→to is a legal pawn move once a
// promotion piece is supplied. The state machine blocks turn completion on it.
func promotionAvailable(game *nchess.Game, from, to Coord) bool {
	for _, mv := range game.ValidMoves() {
		if coordOf(mv.S1()) == from && coordOf(mv.S2()) == to && mv.Promo() != nchess.NoPieceType {
			return true
		}
	}
	return false
}

// claimAutomaticDraws promotes claimable draws (threefold, fifty-move) to the
// game outcome; forced draws are applied by the library on its own.
func claimAutomaticDraws(game *nchess.Game) {
	if game.Outcome() != nchess.NoOutcome {
		return
	}
	for _, m := range game.EligibleDraws() {
		if m == nchess.ThreefoldRepetition || m == nchess.FiftyMoveRule {
			_ = game.Draw(m)
			return
		}
	}
}

func reasonFromMethod(m nchess.Method) string {
	switch strings.ToLower(m.String()) {
	case "checkmate":
		return ReasonCheckmate
	case "stalemate":
		return ReasonStalemate
	case "fiftymoverule", "seventyfivemoverule":
		return ReasonFiftyMove
	case "threefoldrepetition", "fivefoldrepetition":
		return ReasonThreefoldRepetition
	case "insufficientmaterial":
		return ReasonInsufficientMaterial
	default:
		return strings.ToLower(m.String())
	}
}

func (e chessEngine) Terminal(b Board, toMove Color) Outcome {
	pos, err := validChessPosition(b)
	if err != nil {
		return Outcome{}
	}
	game := reconstructChess(pos)
	if game == nil {
		return Outcome{}
	}
	claimAutomaticDraws(game)
	switch game.Outcome() {
	case nchess.WhiteWon:
		return Outcome{Over: true, Winner: White, Reason: reasonFromMethod(game.Method())}
	case nchess.BlackWon:
		return Outcome{Over: true, Winner: Black, Reason: reasonFromMethod(game.Method())}
	case nchess.Draw:
		return Outcome{Over: true, Reason: reasonFromMethod(game.Method())}
	}
	return Outcome{}
}

// PGN renders the archived transcript for a finished chess board.
func PGN(b Board) string {
	if b.Ruleset != RulesetChess || b.Chess == nil {
		return ""
	}
	game := reconstructChess(b.Chess)
	if game == nil {
		return ""
	}
	return game.String()
}
