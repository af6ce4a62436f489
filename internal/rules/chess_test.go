package rules

import (
	"errors"
	"strings"
	"testing"
)

func playChess(t *testing.T, e chessEngine, b Board, color Color, uci string) Board {
	t.Helper()
	from := mustCoord(t, uci[0:2])
	to := mustCoord(t, uci[2:4])
	promo := ""
	if len(uci) > 4 {
		promo = uci[4:]
	}
	next, _, err := e.Apply(b, color, MoveRequest{From: from, To: to, Promotion: promo})
	if err != nil {
		t.Fatalf("apply %s for %s: %v", uci, color, err)
	}
	return next
}

func TestChessOpeningMove(t *testing.T) {
	e := chessEngine{}
	b := e.Initial()
	next, mv, err := e.Apply(b, White, MoveRequest{From: mustCoord(t, "e2"), To: mustCoord(t, "e4")})
	if err != nil {
		t.Fatalf("e2e4: %v", err)
	}
	if mv.Notation != "e4" {
		t.Fatalf("want SAN e4, got %q", mv.Notation)
	}
	if len(next.Chess.MovesUCI) != 1 || next.Chess.MovesUCI[0] != "e2e4" {
		t.Fatalf("move list must hold e2e4: %v", next.Chess.MovesUCI)
	}
	if !strings.Contains(next.Chess.FEN, " b ") {
		t.Fatalf("turn must pass to black in FEN: %s", next.Chess.FEN)
	}
}

func TestChessIllegalMove(t *testing.T) {
	e := chessEngine{}
	b := e.Initial()
	if _, _, err := e.Apply(b, White, MoveRequest{From: mustCoord(t, "e2"), To: mustCoord(t, "e5")}); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("e2e5 must be illegal: %v", err)
	}
	// black cannot move first
	if _, _, err := e.Apply(b, Black, MoveRequest{From: mustCoord(t, "e7"), To: mustCoord(t, "e5")}); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("out-of-turn move must be illegal: %v", err)
	}
}

func TestChessCheckmateTerminal(t *testing.T) {
	e := chessEngine{}
	b := e.Initial()
	b = playChess(t, e, b, White, "f2f3")
	b = playChess(t, e, b, Black, "e7e5")
	b = playChess(t, e, b, White, "g2g4")
	b = playChess(t, e, b, Black, "d8h4")

	out := e.Terminal(b, White)
	if !out.Over || out.Winner != Black || out.Reason != ReasonCheckmate {
		t.Fatalf("fool's mate must end the game for black: %+v", out)
	}
}

func TestChessPromotionGating(t *testing.T) {
	e := chessEngine{}
	b := e.Initial()
	for _, step := range []struct {
		color Color
		uci   string
	}{
		{White, "a2a4"}, {Black, "b7b5"},
		{White, "a4b5"}, {Black, "a7a6"},
		{White, "b5a6"}, {Black, "c7c6"},
		{White, "a6b7"}, {Black, "c6c5"},
	} {
		b = playChess(t, e, b, step.color, step.uci)
	}

	// the pawn on b7 can take the rook on a8 only with a promotion piece
	_, _, err := e.Apply(b, White, MoveRequest{From: mustCoord(t, "b7"), To: mustCoord(t, "a8")})
	if !errors.Is(err, ErrPromotionRequired) {
		t.Fatalf("promotion without a piece must be gated: %v", err)
	}

	next, mv, err := e.Apply(b, White, MoveRequest{From: mustCoord(t, "b7"), To: mustCoord(t, "a8"), Promotion: "q"})
	if err != nil {
		t.Fatalf("promotion with piece: %v", err)
	}
	if mv.Promotion != "q" {
		t.Fatalf("executed move must record the promotion, got %q", mv.Promotion)
	}
	if len(mv.Captured) != 1 || mv.Captured[0] != mustCoord(t, "a8") {
		t.Fatalf("capture promotion must name a8: %v", mv.Captured)
	}
	if strings.Count(strings.Split(next.Chess.FEN, " ")[0], "Q") != 2 {
		t.Fatalf("board must now hold two white queens: %s", next.Chess.FEN)
	}
}

func TestChessEnPassantCaptureSquare(t *testing.T) {
	e := chessEngine{}
	b := e.Initial()
	b = playChess(t, e, b, White, "e2e4")
	b = playChess(t, e, b, Black, "a7a6")
	b = playChess(t, e, b, White, "e4e5")
	b = playChess(t, e, b, Black, "d7d5")

	_, mv, err := e.Apply(b, White, MoveRequest{From: mustCoord(t, "e5"), To: mustCoord(t, "d6")})
	if err != nil {
		t.Fatalf("en passant: %v", err)
	}
	if len(mv.Captured) != 1 || mv.Captured[0] != mustCoord(t, "d5") {
		t.Fatalf("en passant removes the pawn behind the landing square, got %v", mv.Captured)
	}
}

func TestChessLegalMovesOffTurn(t *testing.T) {
	e := chessEngine{}
	moves, err := e.LegalMoves(e.Initial(), Black)
	if err != nil {
		t.Fatalf("LegalMoves: %v", err)
	}
	if len(moves) != 0 {
		t.Fatalf("black has no moves before white plays, got %d", len(moves))
	}
	moves, err = e.LegalMoves(e.Initial(), White)
	if err != nil {
		t.Fatalf("LegalMoves: %v", err)
	}
	if len(moves) != 20 {
		t.Fatalf("want 20 opening moves, got %d", len(moves))
	}
}

func TestChessPGNRendering(t *testing.T) {
	e := chessEngine{}
	b := e.Initial()
	b = playChess(t, e, b, White, "e2e4")
	b = playChess(t, e, b, Black, "e7e5")
	pgn := PGN(b)
	if !strings.Contains(pgn, "e4") || !strings.Contains(pgn, "e5") {
		t.Fatalf("PGN must contain the played moves: %q", pgn)
	}
}

func TestChessLegalMovesAllResolveCheck(t *testing.T) {
	e := chessEngine{}
	b := e.Initial()
	b = playChess(t, e, b, White, "e2e4")
	b = playChess(t, e, b, Black, "e7e5")
	b = playChess(t, e, b, White, "d2d4")
	b = playChess(t, e, b, Black, "f8b4") // check along b4-e1

	moves, err := e.LegalMoves(b, White)
	if err != nil {
		t.Fatalf("LegalMoves: %v", err)
	}
	if len(moves) == 0 {
		t.Fatal("checked side must have responses")
	}
	seen := make(map[string]bool, len(moves))
	for _, mv := range moves {
		seen[mv.From.String()+mv.To.String()] = true
		if _, _, aerr := e.Apply(b, White, MoveRequest{From: mv.From, To: mv.To, Promotion: mv.Promotion}); aerr != nil {
			t.Fatalf("enumerated move %s%s must apply: %v", mv.From, mv.To, aerr)
		}
	}
	if !seen["c2c3"] {
		t.Fatal("blocking c2c3 must be legal")
	}
	for _, ignoring := range []string{"a2a3", "g1f3"} {
		if seen[ignoring] {
			t.Fatalf("%s leaves the king in check and must be absent", ignoring)
		}
	}
}

func TestChessPinnedPieceCannotMove(t *testing.T) {
	e := chessEngine{}
	b := e.Initial()
	for _, ply := range []struct {
		color Color
		uci   string
	}{
		{White, "e2e4"}, {Black, "e7e5"},
		{White, "d2d4"}, {Black, "f8b4"},
		{White, "b1c3"}, {Black, "g8f6"},
	} {
		b = playChess(t, e, b, ply.color, ply.uci)
	}

	// the c3 knight shields the king from the b4 bishop
	moves, err := e.LegalMoves(b, White)
	if err != nil {
		t.Fatalf("LegalMoves: %v", err)
	}
	if len(moves) == 0 {
		t.Fatal("pinned knight must not stall the whole side")
	}
	for _, mv := range moves {
		if mv.From.String() == "c3" {
			t.Fatalf("pinned knight must have no moves, got %s%s", mv.From, mv.To)
		}
		if _, _, aerr := e.Apply(b, White, MoveRequest{From: mv.From, To: mv.To, Promotion: mv.Promotion}); aerr != nil {
			t.Fatalf("enumerated move %s%s must apply: %v", mv.From, mv.To, aerr)
		}
	}
}
