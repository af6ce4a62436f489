// Package syncp reconciles a client's local session view with the
// authoritative store. Moves render optimistically and are confirmed later;
// adoption is monotonic on move count so a regression is never displayed, no
// matter how pushes are lost, duplicated or reordered.
package syncp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yvesdamsh/damcash2/internal/metrics"
	"github.com/yvesdamsh/damcash2/internal/obslog"
	"github.com/yvesdamsh/damcash2/internal/push"
	"github.com/yvesdamsh/damcash2/internal/rules"
	"github.com/yvesdamsh/damcash2/internal/session"
	"github.com/yvesdamsh/damcash2/internal/store"
)

// ErrResync reports that an optimistic move lost a write race and the view
// was re-derived from the winning state. Soft: callers show a transient
// syncing indicator, nothing else.
var ErrResync = errors.New("resynchronized from authoritative state")

// LiveChannel is the push transport a controller listens on and sends direct
// peer messages through. A nil channel degrades to polling only.
type LiveChannel interface {
	Connected() bool
	Send(ctx context.Context, e push.Envelope) error
	Events() <-chan push.Envelope
}

// Config bounds the background loops. Zero values take defaults.
type Config struct {
	RetryInterval    time.Duration // unacked pending writes resend after this
	SweepInterval    time.Duration // retry sweep cadence
	PollMin          time.Duration // fast poll interval after a change
	PollMax          time.Duration // backoff cap
	FreeSeatPoll     time.Duration // fast poll while a seat is open
	SilenceThreshold time.Duration // channel silence before polling kicks in
	RefetchMinGap    time.Duration // min spacing between partial-push refetches
	Passive          bool          // preview/spectator mode: always poll
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 3 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.PollMin <= 0 {
		c.PollMin = 2 * time.Second
	}
	if c.PollMax <= 0 {
		c.PollMax = 30 * time.Second
	}
	if c.FreeSeatPoll <= 0 {
		c.FreeSeatPoll = time.Second
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 10 * time.Second
	}
	if c.RefetchMinGap <= 0 {
		c.RefetchMinGap = 2 * time.Second
	}
	return c
}

// PendingWrite is client-local and transient: it exists only until the store
// acknowledges or a timeout forces a resend. Never persisted server-side.
type PendingWrite struct {
	LocalMoveID string
	PlayerID    string
	Req         rules.MoveRequest
	Version     int // move count the write produces
	SentAt      time.Time
}

// Controller owns one session view and its background tasks. Start/Stop are
// tied to session attach/detach; there are no ambient global timers.
type Controller struct {
	sessionID string
	store     store.Store
	bcast     push.Broadcaster
	ch        LiveChannel
	cfg       Config
	now       func() time.Time

	mu            sync.Mutex
	view          *session.Session
	applied       int
	appliedRev    int64
	pending       []PendingWrite
	lastPushAt    time.Time
	lastRefetchAt time.Time
	syncing       bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a controller for sessionID. bcast and ch may be nil; the
// controller then relies on the remaining delivery paths.
func New(sessionID string, st store.Store, bcast push.Broadcaster, ch LiveChannel, cfg Config) *Controller {
	return &Controller{
		sessionID: sessionID,
		store:     st,
		bcast:     bcast,
		ch:        ch,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Attach seeds the local view, usually from the join/create response.
func (c *Controller) Attach(s *session.Session) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view = s.Clone()
	c.applied = s.MoveCount()
	c.appliedRev = s.Rev
}

// Start launches the channel listener, the adaptive poll loop and the
// pending-write retry sweep.
func (c *Controller) Start(ctx context.Context) {
	if c.ch != nil {
		c.wg.Add(1)
		go c.listen(ctx)
	}
	c.wg.Add(2)
	go c.pollLoop(ctx)
	go c.retrySweep(ctx)
}

// Stop tears the controller down and waits for its tasks.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// View returns a copy of the current local view.
func (c *Controller) View() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view == nil {
		return nil
	}
	return c.view.Clone()
}

// Applied returns the locally applied move count.
func (c *Controller) Applied() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// Syncing reports the transient indicator after a lost write race.
func (c *Controller) Syncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncing
}

// PendingCount is exposed for tests and UI badges.
func (c *Controller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Adopt applies a candidate state if it is not stale. Shorter logs are
// discarded outright; duplicates are no-ops because comparison is on move
// count and revision, not message identity.
func (c *Controller) Adopt(cand *session.Session) bool {
	if cand == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adoptLocked(cand)
}

func (c *Controller) adoptLocked(cand *session.Session) bool {
	n := cand.MoveCount()
	if n < c.applied {
		metrics.SyncStaleDiscards.Inc()
		obslog.L().Debug("sync_stale_discard",
			zap.String("session_id", c.sessionID),
			zap.Int("candidate_moves", n),
			zap.Int("applied_moves", c.applied),
		)
		return false
	}
	if n == c.applied && cand.Rev <= c.appliedRev {
		return false
	}
	c.view = cand.Clone()
	c.applied = n
	c.appliedRev = cand.Rev
	c.syncing = false
	c.ackPendingLocked(n)
	metrics.SyncAdoptions.Inc()
	obslog.L().Debug("sync_adopt",
		zap.String("session_id", c.sessionID),
		zap.Int("moves", n),
		zap.Int64("rev", cand.Rev),
	)
	return true
}

func (c *Controller) ackPendingLocked(moveCount int) {
	kept := c.pending[:0]
	for _, pw := range c.pending {
		if pw.Version > moveCount {
			kept = append(kept, pw)
		}
	}
	c.pending = kept
}

// SubmitMove applies the move locally first (apply now, confirm later), then
// walks the delivery paths: direct peer push, conditional persist with one
// immediate retry, broadcast fanout, and a force-save instruction over the
// live channel as the last resort.
func (c *Controller) SubmitMove(ctx context.Context, playerID string, req rules.MoveRequest) (*rules.Move, error) {
	c.mu.Lock()
	if c.view == nil {
		c.mu.Unlock()
		return nil, store.ErrNotFound
	}
	baseRev := c.view.Rev
	local := c.view.Clone()
	mv, err := local.ApplyMove(playerID, req, c.now())
	if err != nil {
		c.mu.Unlock()
		metrics.MovesRejected.WithLabelValues(rejectionLabel(err)).Inc()
		return nil, err
	}
	c.view = local
	c.applied = local.MoveCount()
	pw := PendingWrite{
		LocalMoveID: uuid.NewString(),
		PlayerID:    playerID,
		Req:         req,
		Version:     local.MoveCount(),
		SentAt:      c.now(),
	}
	c.pending = append(c.pending, pw)
	snapshot := local.Clone()
	c.mu.Unlock()

	// direct push to peers over the live channel, independent of fanout
	if c.ch != nil && c.ch.Connected() {
		if env, eerr := push.NewStateUpdate(snapshot); eerr == nil {
			_ = c.ch.Send(ctx, env)
		}
	}

	persisted, perr := c.persistMove(ctx, baseRev, pw)
	if perr == nil {
		c.Adopt(persisted)
		c.removePending(pw.LocalMoveID)
		c.fanout(ctx, persisted, pw.LocalMoveID)
		return mv, nil
	}
	if errors.Is(perr, store.ErrVersionConflict) {
		return mv, c.resync(ctx, pw)
	}

	// transient failure: retry once immediately, then fall back to asking a
	// connected peer to save on our behalf
	persisted, perr = c.persistMove(ctx, baseRev, pw)
	if perr == nil {
		c.Adopt(persisted)
		c.removePending(pw.LocalMoveID)
		c.fanout(ctx, persisted, pw.LocalMoveID)
		return mv, nil
	}
	if errors.Is(perr, store.ErrVersionConflict) {
		return mv, c.resync(ctx, pw)
	}
	if c.ch != nil && c.ch.Connected() {
		if env, eerr := push.NewForceSave(push.ForceSave{SessionID: c.sessionID, State: snapshot}); eerr == nil {
			_ = c.ch.Send(ctx, env)
		}
	}
	obslog.L().Warn("sync_persist_deferred",
		zap.String("session_id", c.sessionID),
		zap.String("local_move_id", pw.LocalMoveID),
		zap.Error(perr),
	)
	// the retry sweep picks the pending write up after RetryInterval
	return mv, nil
}

func (c *Controller) persistMove(ctx context.Context, expectedRev int64, pw PendingWrite) (*session.Session, error) {
	return c.store.Update(ctx, c.sessionID, expectedRev, func(s *session.Session) error {
		_, err := s.ApplyMove(pw.PlayerID, pw.Req, c.now())
		return err
	})
}

// resync discards the optimistic overlay wholesale and re-derives the view
// from the winning authoritative state.
func (c *Controller) resync(ctx context.Context, pw PendingWrite) error {
	c.removePending(pw.LocalMoveID)
	auth, err := c.store.Get(ctx, c.sessionID)
	c.mu.Lock()
	c.syncing = true
	if err == nil && auth != nil {
		// unconditional: the overlay is abandoned, the authoritative state wins
		c.view = auth.Clone()
		c.applied = auth.MoveCount()
		c.appliedRev = auth.Rev
		c.syncing = false
		c.ackPendingLocked(c.applied)
	}
	c.mu.Unlock()
	obslog.L().Info("sync_stale_write",
		zap.String("session_id", c.sessionID),
		zap.String("local_move_id", pw.LocalMoveID),
	)
	return ErrResync
}

func (c *Controller) fanout(ctx context.Context, s *session.Session, localMoveID string) {
	if c.bcast == nil || s == nil {
		return
	}
	if env, err := push.NewStateUpdate(s); err == nil {
		_ = c.bcast.Publish(ctx, c.sessionID, env)
	}
	ack := push.MoveAck{SessionID: c.sessionID, LocalMoveID: localMoveID, MoveCount: s.MoveCount(), Rev: s.Rev}
	if env, err := push.NewMoveAck(ack); err == nil {
		_ = c.bcast.Publish(ctx, c.sessionID, env)
	}
}

func (c *Controller) removePending(localMoveID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.pending[:0]
	for _, pw := range c.pending {
		if pw.LocalMoveID != localMoveID {
			kept = append(kept, pw)
		}
	}
	c.pending = kept
}

func (c *Controller) listen(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case e, ok := <-c.ch.Events():
			if !ok {
				return
			}
			c.handleEnvelope(ctx, e)
		}
	}
}

func (c *Controller) handleEnvelope(ctx context.Context, e push.Envelope) {
	c.mu.Lock()
	c.lastPushAt = c.now()
	c.mu.Unlock()

	switch e.Type {
	case push.TypeStateUpdate:
		s, err := push.DecodeState(e)
		if err != nil || s == nil {
			// partial push: one throttled direct re-fetch
			c.throttledRefetch(ctx)
			return
		}
		c.Adopt(s)
	case push.TypeMoveAck:
		var ack push.MoveAck
		if json.Unmarshal(e.Payload, &ack) == nil {
			c.mu.Lock()
			c.ackPendingLocked(ack.MoveCount)
			c.mu.Unlock()
		}
	case push.TypeForceSave:
		var fs push.ForceSave
		if json.Unmarshal(e.Payload, &fs) == nil && fs.State != nil {
			c.Adopt(fs.State)
			c.persistForeign(ctx, fs.State)
		}
	case push.TypeRefetchHint, push.TypePlayerJoined, push.TypeDrawOffer, push.TypeDrawAccept, push.TypeDrawDecline:
		c.throttledRefetch(ctx)
	case push.TypeReaction:
		// no state effect
	}
}

// persistForeign lands a peer's state on its behalf after their persist path
// failed. Monotonic: never replaces a longer stored log.
func (c *Controller) persistForeign(ctx context.Context, s *session.Session) {
	cur, err := c.store.Get(ctx, c.sessionID)
	if err != nil || cur == nil {
		return
	}
	if cur.MoveCount() >= s.MoveCount() {
		return
	}
	_, err = c.store.Update(ctx, c.sessionID, cur.Rev, func(dst *session.Session) error {
		*dst = *s.Clone()
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrVersionConflict) {
		obslog.L().Warn("sync_force_save_error",
			zap.String("session_id", c.sessionID),
			zap.Error(err),
		)
	}
}

func (c *Controller) throttledRefetch(ctx context.Context) {
	c.mu.Lock()
	if c.now().Sub(c.lastRefetchAt) < c.cfg.RefetchMinGap {
		c.mu.Unlock()
		return
	}
	c.lastRefetchAt = c.now()
	c.mu.Unlock()
	c.fetchAndAdopt(ctx)
}

func (c *Controller) fetchAndAdopt(ctx context.Context) bool {
	s, err := c.store.Get(ctx, c.sessionID)
	if err != nil {
		obslog.L().Debug("sync_fetch_error", zap.String("session_id", c.sessionID), zap.Error(err))
		return false
	}
	return c.Adopt(s)
}

// pollLoop is the fallback for lost pushes: it only works when the live
// channel is silent, disconnected or the controller is passive, backs off
// multiplicatively while nothing changes, and snaps back to the fast
// interval on any detected change. While a seat is free it polls fast to
// minimize join latency.
func (c *Controller) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.PollMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(interval):
		}
		if !c.shouldPoll() {
			interval = c.cfg.PollMin
			continue
		}
		if c.fetchAndAdopt(ctx) {
			interval = c.cfg.PollMin
		} else {
			interval *= 2
			if interval > c.cfg.PollMax {
				interval = c.cfg.PollMax
			}
		}
		if c.hasFreeSeat() && interval > c.cfg.FreeSeatPoll {
			interval = c.cfg.FreeSeatPoll
		}
	}
}

func (c *Controller) shouldPoll() bool {
	if c.cfg.Passive {
		return true
	}
	if c.ch == nil || !c.ch.Connected() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view != nil && c.view.HasFreeSeat() {
		return true
	}
	return c.now().Sub(c.lastPushAt) > c.cfg.SilenceThreshold
}

func (c *Controller) hasFreeSeat() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view != nil && c.view.HasFreeSeat()
}

// retrySweep resends pending writes whose acknowledgment deadline passed.
func (c *Controller) retrySweep(ctx context.Context) {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-t.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Controller) sweepOnce(ctx context.Context) {
	c.mu.Lock()
	var due []PendingWrite
	for i := range c.pending {
		if c.now().Sub(c.pending[i].SentAt) >= c.cfg.RetryInterval {
			c.pending[i].SentAt = c.now()
			due = append(due, c.pending[i])
		}
	}
	c.mu.Unlock()

	for _, pw := range due {
		metrics.SyncRetries.Inc()
		cur, err := c.store.Get(ctx, c.sessionID)
		if err != nil || cur == nil {
			continue
		}
		if cur.MoveCount() >= pw.Version {
			// landed through another path
			c.removePending(pw.LocalMoveID)
			c.Adopt(cur)
			continue
		}
		persisted, perr := c.store.Update(ctx, c.sessionID, cur.Rev, func(s *session.Session) error {
			_, err := s.ApplyMove(pw.PlayerID, pw.Req, c.now())
			return err
		})
		if perr == nil {
			c.removePending(pw.LocalMoveID)
			c.Adopt(persisted)
			c.fanout(ctx, persisted, pw.LocalMoveID)
			continue
		}
		if errors.Is(perr, store.ErrVersionConflict) {
			continue // next sweep re-reads
		}
		if errors.Is(perr, session.ErrNotYourTurn) || errors.Is(perr, rules.ErrIllegalMove) ||
			errors.Is(perr, session.ErrFinished) {
			// premise gone: the overlay lost, drop the write
			c.removePending(pw.LocalMoveID)
			c.fetchAndAdopt(ctx)
		}
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
