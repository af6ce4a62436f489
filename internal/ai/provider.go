// Package ai picks moves for machine-seated players. A remote inference
// service is hedged against a local heuristic: the remote answer is used
// when it arrives inside the budget and is legal, the local pick otherwise.
// The session never stalls on inference.
package ai

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/yvesdamsh/damcash2/internal/obslog"
	"github.com/yvesdamsh/damcash2/internal/rules"
	"github.com/yvesdamsh/damcash2/internal/session"
)

// ErrNoMoves reports a position with no legal move for the machine seat.
var ErrNoMoves = errors.New("no legal moves available")

// Provider chooses moves for AI seats.
type Provider struct {
	remote       *InferenceClient // nil means local-only
	remoteBudget time.Duration
}

type ProviderOption func(*Provider)

// WithRemoteBudget bounds how long ChooseMove waits for the remote answer.
func WithRemoteBudget(d time.Duration) ProviderOption {
	return func(p *Provider) { p.remoteBudget = d }
}

// NewProvider builds a provider. remote may be nil.
func NewProvider(remote *InferenceClient, opts ...ProviderOption) *Provider {
	p := &Provider{
		remote:       remote,
		remoteBudget: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ChooseMove returns a move for color in s's current position. The remote
// call and the local heuristic race; an illegal or late remote suggestion
// falls back to the local pick without error.
func (p *Provider) ChooseMove(ctx context.Context, s *session.Session, color rules.Color) (rules.MoveRequest, error) {
	engine, err := rules.ForRuleset(s.Ruleset)
	if err != nil {
		return rules.MoveRequest{}, err
	}
	legal, err := engine.LegalMoves(s.Board, color)
	if err != nil {
		return rules.MoveRequest{}, err
	}
	if len(legal) == 0 {
		return rules.MoveRequest{}, ErrNoMoves
	}

	local := p.localPick(engine, s.Board, color, legal)
	if p.remote == nil {
		return local, nil
	}

	type remoteResult struct {
		resp *SuggestResponse
		err  error
	}
	resCh := make(chan remoteResult, 1)
	rctx, cancel := context.WithTimeout(ctx, p.remoteBudget)
	defer cancel()
	go func() {
		resp, rerr := p.remote.Suggest(rctx, SuggestRequest{
			Ruleset:   string(s.Ruleset),
			Board:     s.Board,
			Color:     string(color),
			MoveCount: s.MoveCount(),
		})
		resCh <- remoteResult{resp: resp, err: rerr}
	}()

	select {
	case <-rctx.Done():
		obslog.L().Debug("ai_remote_timeout", zap.String("session_id", s.ID))
		return local, nil
	case res := <-resCh:
		if res.err != nil {
			obslog.L().Debug("ai_remote_error", zap.String("session_id", s.ID), zap.Error(res.err))
			return local, nil
		}
		req, ok := p.validateRemote(res.resp, legal)
		if !ok {
			obslog.L().Warn("ai_remote_illegal",
				zap.String("session_id", s.ID),
				zap.String("from", res.resp.From),
				zap.String("to", res.resp.To),
			)
			return local, nil
		}
		return req, nil
	}
}

// validateRemote accepts a suggestion only if it names a move in the legal
// set. Promotion is taken from the matched legal move when the suggestion
// omits it.
func (p *Provider) validateRemote(resp *SuggestResponse, legal []rules.Move) (rules.MoveRequest, bool) {
	if resp == nil {
		return rules.MoveRequest{}, false
	}
	from, err := rules.ParseCoord(resp.From)
	if err != nil {
		return rules.MoveRequest{}, false
	}
	to, err := rules.ParseCoord(resp.To)
	if err != nil {
		return rules.MoveRequest{}, false
	}
	for _, mv := range legal {
		if mv.From != from || mv.To != to {
			continue
		}
		promo := resp.Promotion
		if promo == "" {
			promo = mv.Promotion
		}
		if mv.Promotion != "" && promo != mv.Promotion {
			continue
		}
		return rules.MoveRequest{From: from, To: to, Promotion: promo}, true
	}
	return rules.MoveRequest{}, false
}

// localPick is the always-available heuristic. For checkers it prefers the
// capture whose forced continuation chain runs longest; otherwise it takes
// the first enumerated move, which keeps behavior deterministic for tests.
func (p *Provider) localPick(engine rules.Engine, b rules.Board, color rules.Color, legal []rules.Move) rules.MoveRequest {
	best := legal[0]
	if b.Ruleset == rules.RulesetCheckers {
		bestLen := -1
		for _, mv := range legal {
			if len(mv.Captured) == 0 {
				continue
			}
			n := chainLength(engine, b, color, mv, 0)
			if n > bestLen {
				bestLen = n
				best = mv
			}
		}
	}
	return rules.MoveRequest{From: best.From, To: best.To, Promotion: best.Promotion}
}

func chainLength(engine rules.Engine, b rules.Board, color rules.Color, mv rules.Move, depth int) int {
	if depth > 12 {
		return depth
	}
	next, _, err := engine.Apply(b, color, rules.MoveRequest{From: mv.From, To: mv.To, Promotion: mv.Promotion})
	if err != nil {
		return depth
	}
	if next.Checkers == nil || next.Checkers.MustContinueFrom == nil {
		return depth + 1
	}
	cont, err := engine.LegalMoves(next, color)
	if err != nil || len(cont) == 0 {
		return depth + 1
	}
	best := depth + 1
	for _, c := range cont {
		if n := chainLength(engine, next, color, c, depth+1); n > best {
			best = n
		}
	}
	return best
}
