package settle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/yvesdamsh/damcash2/internal/rules"
	"github.com/yvesdamsh/damcash2/internal/session"
)

// Repository archives finished games to postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts the final record. The upsert keeps retries idempotent
// even though the dispatcher already guards against double dispatch.
func (r *Repository) SaveResult(ctx context.Context, s *session.Session, reason string) error {
	if r == nil || r.db == nil || s == nil {
		return nil
	}

	result := resultToken(s)
	transcript := buildTranscript(s, result, reason)
	duration := s.UpdatedAt.Sub(s.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO game_results (
		session_id, ruleset, white_id, white_name, black_id, black_name,
		result, reason, transcript, move_count,
		series_white, series_black,
		started_at, ended_at, duration_ms
	  ) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
	  ) ON CONFLICT (session_id) DO UPDATE SET
		ruleset=EXCLUDED.ruleset,
		white_id=EXCLUDED.white_id,
		white_name=EXCLUDED.white_name,
		black_id=EXCLUDED.black_id,
		black_name=EXCLUDED.black_name,
		result=EXCLUDED.result,
		reason=EXCLUDED.reason,
		transcript=EXCLUDED.transcript,
		move_count=EXCLUDED.move_count,
		series_white=EXCLUDED.series_white,
		series_black=EXCLUDED.series_black,
		started_at=EXCLUDED.started_at,
		ended_at=EXCLUDED.ended_at,
		duration_ms=EXCLUDED.duration_ms`

	whiteID, whiteName := seatColumns(s.Seats.White)
	blackID, blackName := seatColumns(s.Seats.Black)

	_, err := r.db.ExecContext(ctx, q,
		s.ID, string(s.Ruleset),
		whiteID, whiteName,
		blackID, blackName,
		result, strings.TrimSpace(reason), transcript, s.MoveCount(),
		s.SeriesScore.White, s.SeriesScore.Black,
		s.CreatedAt, s.UpdatedAt, duration,
	)
	return err
}

func seatColumns(p *session.PlayerRef) (string, string) {
	if p == nil {
		return "", ""
	}
	return p.ID, p.Name
}

func resultToken(s *session.Session) string {
	if s.WinnerID == "" {
		return "draw"
	}
	if p := s.Seats.White; p != nil && p.ID == s.WinnerID {
		return "white"
	}
	if p := s.Seats.Black; p != nil && p.ID == s.WinnerID {
		return "black"
	}
	return ""
}

// buildTranscript renders PGN for chess and a numbered coordinate listing
// for checkers.
func buildTranscript(s *session.Session, result, reason string) string {
	if s.Ruleset == rules.RulesetChess {
		if pgn := rules.PGN(s.Board); pgn != "" {
			return pgn
		}
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[Result \"%s\"]", mapResultTag(result)))
	if strings.TrimSpace(reason) != "" {
		b.WriteString(fmt.Sprintf(" [Termination \"%s\"]", strings.ToLower(strings.TrimSpace(reason))))
	}
	b.WriteString("\n")
	for i, mv := range s.MoveLog {
		if i%2 == 0 {
			b.WriteString(fmt.Sprintf("%d. ", i/2+1))
		}
		b.WriteString(strings.TrimSpace(mv.Notation))
		b.WriteString(" ")
	}
	b.WriteString(mapResultTag(result))
	return b.String()
}

func mapResultTag(result string) string {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	case "draw":
		return "1/2-1/2"
	default:
		return "*"
	}
}
