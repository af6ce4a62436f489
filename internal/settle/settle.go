// Package settle hands finished games to the outside world exactly once.
// The dispatched flag lives in the session record and is flipped through a
// conditional store update, so two gateways racing on the same terminal
// session produce a single settlement.
package settle

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/yvesdamsh/damcash2/internal/metrics"
	"github.com/yvesdamsh/damcash2/internal/obslog"
	"github.com/yvesdamsh/damcash2/internal/session"
	"github.com/yvesdamsh/damcash2/internal/store"
)

// Sink receives a finished session. Implementations must tolerate retries:
// the dispatcher flips the flag first, but a crashed sink leaves the game
// archived at-least-zero times, never twice.
type Sink interface {
	SaveResult(ctx context.Context, s *session.Session, reason string) error
}

// Dispatcher drives the dispatch-once protocol against the store.
type Dispatcher struct {
	store store.Store
	sink  Sink
}

func NewDispatcher(st store.Store, sink Sink) *Dispatcher {
	return &Dispatcher{store: st, sink: sink}
}

// Dispatch settles sessionID if it is finished and not yet dispatched.
// A lost flag race or an already-dispatched session is a silent no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string) error {
	if d == nil || d.sink == nil {
		return nil
	}
	cur, err := d.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if cur.Status != session.StatusFinished || cur.SettlementDispatched {
		return nil
	}

	claimed, err := d.store.Update(ctx, sessionID, cur.Rev, func(s *session.Session) error {
		return s.MarkSettled(s.UpdatedAt)
	})
	if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, session.ErrSettlementRepeat) {
		return nil // someone else claimed it
	}
	if err != nil {
		return err
	}

	if serr := d.sink.SaveResult(ctx, claimed, claimed.TerminalReason); serr != nil {
		obslog.L().Error("settlement_sink_error",
			zap.String("session_id", sessionID),
			zap.String("reason", claimed.TerminalReason),
			zap.Error(serr),
		)
		return serr
	}
	metrics.SettlementDispatches.Inc()
	obslog.L().Info("settlement_dispatched",
		zap.String("session_id", sessionID),
		zap.String("reason", claimed.TerminalReason),
		zap.String("winner_id", claimed.WinnerID),
	)
	return nil
}
