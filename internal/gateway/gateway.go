// Package gateway is the server-side entry point for session operations. It
// owns the conditional-update loop against the store, fans envelopes out to
// subscribers, triggers settlement on terminal transitions and schedules
// machine moves for AI seats.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yvesdamsh/damcash2/internal/ai"
	"github.com/yvesdamsh/damcash2/internal/clock"
	"github.com/yvesdamsh/damcash2/internal/metrics"
	"github.com/yvesdamsh/damcash2/internal/obslog"
	"github.com/yvesdamsh/damcash2/internal/push"
	"github.com/yvesdamsh/damcash2/internal/rules"
	"github.com/yvesdamsh/damcash2/internal/session"
	"github.com/yvesdamsh/damcash2/internal/settle"
	"github.com/yvesdamsh/damcash2/internal/store"
)

const mutateAttempts = 3

// ErrCapacity reports that the session cap is reached; no new sessions until
// live ones finish or expire.
var ErrCapacity = errors.New("session capacity reached")

// Service wires the collaborators behind the HTTP and websocket surface.
type Service struct {
	store  store.Store
	bcast  push.Broadcaster
	settle *settle.Dispatcher
	ai     *ai.Provider

	clockBase     float64
	clockInc      float64
	rematchSwap   bool
	maxSessions   int
	aiThinkDelay  time.Duration
	aiMoveTimeout time.Duration

	now func() time.Time
}

type Option func(*Service)

// WithClocks sets the base and increment, in seconds, for new sessions.
func WithClocks(base, inc float64) Option {
	return func(s *Service) { s.clockBase, s.clockInc = base, inc }
}

// WithRematchSwap controls whether rematch flips seat colors.
func WithRematchSwap(swap bool) Option {
	return func(s *Service) { s.rematchSwap = swap }
}

// WithSessionCap bounds the number of stored sessions; <= 0 means unbounded.
func WithSessionCap(n int) Option {
	return func(s *Service) { s.maxSessions = n }
}

// WithAIThinkDelay delays machine replies so they read as deliberate.
func WithAIThinkDelay(d time.Duration) Option {
	return func(s *Service) { s.aiThinkDelay = d }
}

// WithNow injects the time source.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st store.Store, bcast push.Broadcaster, dispatcher *settle.Dispatcher, provider *ai.Provider, opts ...Option) *Service {
	s := &Service{
		store:         st,
		bcast:         bcast,
		settle:        dispatcher,
		ai:            provider,
		clockBase:     300,
		clockInc:      3,
		rematchSwap:   true,
		aiThinkDelay:  500 * time.Millisecond,
		aiMoveTimeout: 10 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateParams describes a new session request.
type CreateParams struct {
	Ruleset   rules.Ruleset
	Creator   session.PlayerRef
	Preferred rules.Color
	VersusAI  bool
}

// CreateSession builds, seats and persists a new session. With VersusAI the
// opposite seat is filled immediately and the game starts at once.
func (g *Service) CreateSession(ctx context.Context, p CreateParams) (*session.Session, error) {
	engine, err := rules.ForRuleset(p.Ruleset)
	if err != nil {
		return nil, err
	}
	if err := g.checkCapacity(ctx); err != nil {
		return nil, err
	}
	now := g.now()
	s := session.New(uuid.NewString(), p.Ruleset, engine.Initial(), clock.NewState(g.clockBase, g.clockInc, now), now)

	seat, err := s.Join(p.Creator, p.Preferred, now)
	if err != nil {
		return nil, err
	}
	if p.VersusAI {
		bot := session.PlayerRef{ID: "ai:" + uuid.NewString(), Name: "Engine", IsAI: true}
		if _, err := s.Join(bot, seat.Opponent(), now); err != nil {
			return nil, err
		}
	}

	if err := g.store.Create(ctx, s); err != nil {
		return nil, err
	}
	obslog.L().Info("session_created",
		zap.String("session_id", s.ID),
		zap.String("ruleset", string(p.Ruleset)),
		zap.Bool("versus_ai", p.VersusAI),
	)
	g.publishState(ctx, s)
	g.maybeScheduleAI(s)
	return s, nil
}

// Join seats a player. A seat lost to a concurrent joiner fails closed with
// ErrSeatConflict; the caller is expected to refetch and pick again.
func (g *Service) Join(ctx context.Context, sessionID string, p session.PlayerRef, pref rules.Color) (*session.Session, rules.Color, error) {
	var seat rules.Color
	s, err := g.mutate(ctx, sessionID, func(s *session.Session) error {
		var jerr error
		seat, jerr = s.Join(p, pref, g.now())
		return jerr
	})
	if err != nil {
		return nil, "", err
	}
	obslog.L().Info("player_joined",
		zap.String("session_id", sessionID),
		zap.String("player_id", p.ID),
		zap.String("seat", string(seat)),
	)
	g.publish(ctx, sessionID, push.TypePlayerJoined, nil)
	g.publishState(ctx, s)
	g.maybeScheduleAI(s)
	return s, seat, nil
}

// Get returns the authoritative session.
func (g *Service) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	return g.store.Get(ctx, sessionID)
}

// SubmitMove validates and lands a move, fans the new state out, settles a
// terminal transition and hands the turn to an AI seat when one holds it.
func (g *Service) SubmitMove(ctx context.Context, sessionID, playerID string, req rules.MoveRequest) (*session.Session, *rules.Move, error) {
	var mv *rules.Move
	s, err := g.mutate(ctx, sessionID, func(s *session.Session) error {
		var aerr error
		mv, aerr = s.ApplyMove(playerID, req, g.now())
		return aerr
	})
	if err != nil {
		if errors.Is(err, session.ErrClockExpired) {
			// mutate aborted, so persist the flag fall explicitly
			if cur, gerr := g.store.Get(ctx, sessionID); gerr == nil {
				_, _, _ = g.CheckTimeout(ctx, sessionID, cur.Turn)
			}
		}
		metrics.MovesRejected.WithLabelValues(rejectionLabel(err)).Inc()
		return nil, nil, err
	}
	metrics.MovesAccepted.WithLabelValues(string(s.Ruleset)).Inc()
	obslog.L().Info("move_accepted",
		zap.String("session_id", sessionID),
		zap.String("player_id", playerID),
		zap.String("notation", mv.Notation),
		zap.Int("move_count", s.MoveCount()),
	)
	g.publishState(ctx, s)
	ack := push.MoveAck{SessionID: sessionID, MoveCount: s.MoveCount(), Rev: s.Rev}
	if env, err := push.NewMoveAck(ack); err == nil && g.bcast != nil {
		_ = g.bcast.Publish(ctx, sessionID, env)
	}

	if s.Status == session.StatusFinished {
		g.afterTerminal(ctx, sessionID)
		return s, mv, nil
	}
	g.maybeScheduleAI(s)
	return s, mv, nil
}

// OfferDraw, AcceptDraw and DeclineDraw manage the single draw slot.
func (g *Service) OfferDraw(ctx context.Context, sessionID, playerID string) (*session.Session, error) {
	s, err := g.mutate(ctx, sessionID, func(s *session.Session) error {
		return s.OfferDraw(playerID, g.now())
	})
	if err != nil {
		return nil, err
	}
	g.publish(ctx, sessionID, push.TypeDrawOffer, nil)
	g.publishState(ctx, s)
	return s, nil
}

func (g *Service) AcceptDraw(ctx context.Context, sessionID, playerID string) (*session.Session, error) {
	s, err := g.mutate(ctx, sessionID, func(s *session.Session) error {
		return s.AcceptDraw(playerID, g.now())
	})
	if err != nil {
		return nil, err
	}
	g.publish(ctx, sessionID, push.TypeDrawAccept, nil)
	g.publishState(ctx, s)
	g.afterTerminal(ctx, sessionID)
	return s, nil
}

func (g *Service) DeclineDraw(ctx context.Context, sessionID, playerID string) (*session.Session, error) {
	s, err := g.mutate(ctx, sessionID, func(s *session.Session) error {
		return s.DeclineDraw(playerID, g.now())
	})
	if err != nil {
		return nil, err
	}
	g.publish(ctx, sessionID, push.TypeDrawDecline, nil)
	g.publishState(ctx, s)
	return s, nil
}

func (g *Service) RequestTakeback(ctx context.Context, sessionID, playerID string) (*session.Session, error) {
	s, err := g.mutate(ctx, sessionID, func(s *session.Session) error {
		return s.RequestTakeback(playerID, g.now())
	})
	if err != nil {
		return nil, err
	}
	g.publishState(ctx, s)
	return s, nil
}

func (g *Service) AcceptTakeback(ctx context.Context, sessionID, playerID string) (*session.Session, error) {
	s, err := g.mutate(ctx, sessionID, func(s *session.Session) error {
		return s.AcceptTakeback(playerID, g.now())
	})
	if err != nil {
		return nil, err
	}
	g.publishState(ctx, s)
	g.maybeScheduleAI(s)
	return s, nil
}

func (g *Service) DeclineTakeback(ctx context.Context, sessionID, playerID string) (*session.Session, error) {
	s, err := g.mutate(ctx, sessionID, func(s *session.Session) error {
		return s.DeclineTakeback(playerID, g.now())
	})
	if err != nil {
		return nil, err
	}
	g.publishState(ctx, s)
	return s, nil
}

// Resign ends the game in the opponent's favor.
func (g *Service) Resign(ctx context.Context, sessionID, playerID string) (*session.Session, error) {
	s, err := g.mutate(ctx, sessionID, func(s *session.Session) error {
		return s.Resign(playerID, g.now())
	})
	if err != nil {
		return nil, err
	}
	obslog.L().Info("player_resigned",
		zap.String("session_id", sessionID),
		zap.String("player_id", playerID),
	)
	g.publishState(ctx, s)
	g.afterTerminal(ctx, sessionID)
	return s, nil
}

// TimeLeft derives both live clocks without mutating anything.
func (g *Service) TimeLeft(ctx context.Context, sessionID string) (white, black float64, err error) {
	s, err := g.store.Get(ctx, sessionID)
	if err != nil {
		return 0, 0, err
	}
	now := g.now()
	return s.Remaining(rules.White, now), s.Remaining(rules.Black, now), nil
}

// CheckTimeout finishes the game against color if its clock is spent. A
// still-alive clock is reported, not an error surface for callers polling.
func (g *Service) CheckTimeout(ctx context.Context, sessionID string, color rules.Color) (*session.Session, bool, error) {
	s, err := g.mutate(ctx, sessionID, func(s *session.Session) error {
		return s.Timeout(color, g.now())
	})
	if errors.Is(err, session.ErrClockStillAlive) || errors.Is(err, session.ErrNotPlaying) {
		cur, gerr := g.store.Get(ctx, sessionID)
		return cur, false, gerr
	}
	if err != nil {
		return nil, false, err
	}
	obslog.L().Info("clock_expired",
		zap.String("session_id", sessionID),
		zap.String("color", string(color)),
	)
	g.publishState(ctx, s)
	g.afterTerminal(ctx, sessionID)
	return s, true, nil
}

// Rematch starts a fresh game from a finished one, carrying the series score
// and swapping colors between the human seats.
func (g *Service) Rematch(ctx context.Context, sessionID, playerID string) (*session.Session, error) {
	prev, err := g.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, ok := prev.SeatOf(playerID); !ok {
		return nil, session.ErrNotParticipant
	}
	if err := g.checkCapacity(ctx); err != nil {
		return nil, err
	}
	next, err := prev.Rematch(uuid.NewString(), g.clockBase, g.clockInc, g.rematchSwap, g.now())
	if err != nil {
		return nil, err
	}
	if err := g.store.Create(ctx, next); err != nil {
		return nil, err
	}
	obslog.L().Info("rematch_created",
		zap.String("session_id", sessionID),
		zap.String("next_session_id", next.ID),
	)
	g.publishState(ctx, next)
	g.maybeScheduleAI(next)
	return next, nil
}

func (g *Service) checkCapacity(ctx context.Context) error {
	if g.maxSessions <= 0 {
		return nil
	}
	n, err := g.store.Count(ctx)
	if err != nil {
		return err
	}
	if n >= g.maxSessions {
		obslog.L().Warn("session_capacity_reached", zap.Int("max", g.maxSessions))
		return ErrCapacity
	}
	return nil
}

// mutate runs fn under the store's conditional update, re-reading on a lost
// revision race. Domain errors from fn pass through untouched.
func (g *Service) mutate(ctx context.Context, sessionID string, fn func(*session.Session) error) (*session.Session, error) {
	var lastErr error
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		cur, err := g.store.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		s, err := g.store.Update(ctx, sessionID, cur.Rev, fn)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (g *Service) afterTerminal(ctx context.Context, sessionID string) {
	if g.settle == nil {
		return
	}
	if err := g.settle.Dispatch(ctx, sessionID); err != nil {
		obslog.L().Error("settlement_dispatch_error",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func (g *Service) publishState(ctx context.Context, s *session.Session) {
	if g.bcast == nil || s == nil {
		return
	}
	if env, err := push.NewStateUpdate(s); err == nil {
		_ = g.bcast.Publish(ctx, s.ID, env)
	}
}

func (g *Service) publish(ctx context.Context, sessionID, typ string, payload []byte) {
	if g.bcast == nil {
		return
	}
	_ = g.bcast.Publish(ctx, sessionID, push.Envelope{Type: typ, Payload: payload})
}

// maybeScheduleAI hands the turn to the machine seat holding it. The pick
// runs against a fresh read and is guarded by the move count, so a human
// move landing in between simply voids the scheduled reply.
func (g *Service) maybeScheduleAI(s *session.Session) {
	if g.ai == nil || s == nil || s.Status != session.StatusPlaying {
		return
	}
	seat := s.Seat(s.Turn)
	if seat == nil || !seat.IsAI {
		return
	}
	sessionID, botID, expectMoves := s.ID, seat.ID, s.MoveCount()
	go g.runAIMove(sessionID, botID, expectMoves)
}

func (g *Service) runAIMove(sessionID, botID string, expectMoves int) {
	time.Sleep(g.aiThinkDelay)
	ctx, cancel := context.WithTimeout(context.Background(), g.aiMoveTimeout)
	defer cancel()

	cur, err := g.store.Get(ctx, sessionID)
	if err != nil {
		return
	}
	// stale-turn guard: a move landed while we were thinking
	if cur.Status != session.StatusPlaying || cur.MoveCount() != expectMoves {
		return
	}
	seat := cur.Seat(cur.Turn)
	if seat == nil || seat.ID != botID {
		return
	}

	req, err := g.ai.ChooseMove(ctx, cur, cur.Turn)
	if err != nil {
		obslog.L().Warn("ai_choose_error",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}
	if _, _, err := g.SubmitMove(ctx, sessionID, botID, req); err != nil {
		// a racing human move or terminal transition voids the reply
		obslog.L().Debug("ai_move_voided",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, rules.ErrIllegalMove):
		return "illegal_move"
	case errors.Is(err, rules.ErrPromotionRequired):
		return "promotion_required"
	case errors.Is(err, session.ErrNotYourTurn):
		return "not_your_turn"
	case errors.Is(err, session.ErrFinished):
		return "finished"
	case errors.Is(err, session.ErrNotPlaying):
		return "not_playing"
	case errors.Is(err, session.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, session.ErrClockExpired):
		return "timeout"
	default:
		return "other"
	}
}
