package syncp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yvesdamsh/damcash2/internal/clock"
	"github.com/yvesdamsh/damcash2/internal/push"
	"github.com/yvesdamsh/damcash2/internal/rules"
	"github.com/yvesdamsh/damcash2/internal/session"
	"github.com/yvesdamsh/damcash2/internal/store"
)

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	events    chan push.Envelope
	sent      []push.Envelope
}

func newFakeChannel(connected bool) *fakeChannel {
	return &fakeChannel{connected: connected, events: make(chan push.Envelope, 16)}
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Send(_ context.Context, e push.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeChannel) Events() <-chan push.Envelope { return f.events }

func (f *fakeChannel) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, e := range f.sent {
		out = append(out, e.Type)
	}
	return out
}

func newSyncStore(t *testing.T) *store.RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return store.NewRedisStoreFromClient(rdb, time.Hour)
}

func seedPlayingSession(t *testing.T, st *store.RedisStore, id string) *session.Session {
	t.Helper()
	engine, err := rules.ForRuleset(rules.RulesetCheckers)
	if err != nil {
		t.Fatalf("ForRuleset: %v", err)
	}
	now := time.Now()
	s := session.New(id, rules.RulesetCheckers, engine.Initial(), clock.NewState(300, 0, now), now)
	if _, err := s.Join(session.PlayerRef{ID: "alice"}, rules.White, now); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := s.Join(session.PlayerRef{ID: "bob"}, rules.Black, now); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := st.Create(context.Background(), s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func coord(t *testing.T, sq string) rules.Coord {
	t.Helper()
	c, err := rules.ParseCoord(sq)
	if err != nil {
		t.Fatalf("ParseCoord: %v", err)
	}
	return c
}

func TestAdoptIsMonotonic(t *testing.T) {
	st := newSyncStore(t)
	s := seedPlayingSession(t, st, "g1")
	c := New("g1", st, nil, nil, Config{})
	c.Attach(s)

	ahead := s.Clone()
	if _, err := ahead.ApplyMove("alice", rules.MoveRequest{From: coord(t, "c3"), To: coord(t, "d4")}, time.Now()); err != nil {
		t.Fatalf("move: %v", err)
	}
	if !c.Adopt(ahead) {
		t.Fatalf("longer log must be adopted")
	}
	if c.Applied() != 1 {
		t.Fatalf("applied must track adoption, got %d", c.Applied())
	}

	// the original, shorter state arrives late
	if c.Adopt(s) {
		t.Fatalf("shorter log must be discarded")
	}
	// a duplicate of the adopted state is a no-op
	if c.Adopt(ahead) {
		t.Fatalf("duplicate adoption must be a no-op")
	}
	if c.Applied() != 1 {
		t.Fatalf("applied must be unchanged, got %d", c.Applied())
	}
}

func TestSubmitMovePersistsAndClearsPending(t *testing.T) {
	st := newSyncStore(t)
	s := seedPlayingSession(t, st, "g1")
	ch := newFakeChannel(true)
	c := New("g1", st, nil, ch, Config{})
	c.Attach(s)

	ctx := context.Background()
	mv, err := c.SubmitMove(ctx, "alice", rules.MoveRequest{From: coord(t, "c3"), To: coord(t, "d4")})
	if err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}
	if mv == nil || mv.Notation == "" {
		t.Fatalf("move must be returned")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("acked write must leave the queue, got %d", c.PendingCount())
	}
	if c.View().MoveCount() != 1 {
		t.Fatalf("view must show the move")
	}

	auth, err := st.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if auth.MoveCount() != 1 {
		t.Fatalf("store must hold the move, got %d", auth.MoveCount())
	}

	// the connected channel got a direct state push
	types := ch.sentTypes()
	if len(types) == 0 || types[0] != push.TypeStateUpdate {
		t.Fatalf("peer push missing: %v", types)
	}
}

func TestSubmitMoveLocalRejection(t *testing.T) {
	st := newSyncStore(t)
	s := seedPlayingSession(t, st, "g1")
	c := New("g1", st, nil, nil, Config{})
	c.Attach(s)

	_, err := c.SubmitMove(context.Background(), "bob", rules.MoveRequest{From: coord(t, "f6"), To: coord(t, "e5")})
	if !errors.Is(err, session.ErrNotYourTurn) {
		t.Fatalf("out-of-turn move rejects locally: %v", err)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("rejected moves never queue")
	}
	auth, _ := st.Get(context.Background(), "g1")
	if auth.MoveCount() != 0 {
		t.Fatalf("rejected move must not reach the store")
	}
}

func TestStaleWriteResyncsWholesale(t *testing.T) {
	st := newSyncStore(t)
	s := seedPlayingSession(t, st, "g1")
	c := New("g1", st, nil, nil, Config{})
	c.Attach(s)

	ctx := context.Background()
	// another device lands alice's move first
	if _, err := st.Update(ctx, "g1", s.Rev, func(cur *session.Session) error {
		_, merr := cur.ApplyMove("alice", rules.MoveRequest{From: coord(t, "c3"), To: coord(t, "d4")}, time.Now())
		return merr
	}); err != nil {
		t.Fatalf("out-of-band move: %v", err)
	}

	// this controller, still on the old revision, tries a different move
	_, err := c.SubmitMove(ctx, "alice", rules.MoveRequest{From: coord(t, "a3"), To: coord(t, "b4")})
	if !errors.Is(err, ErrResync) {
		t.Fatalf("lost race must resync: %v", err)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("the losing write must be dropped")
	}
	if c.Syncing() {
		t.Fatalf("successful refetch clears the syncing indicator")
	}
	view := c.View()
	if view.MoveCount() != 1 || view.MoveLog[0].To != coord(t, "d4") {
		t.Fatalf("view must be the winning state: %+v", view.MoveLog)
	}
}

func TestRetrySweepLandsPendingWrite(t *testing.T) {
	st := newSyncStore(t)
	s := seedPlayingSession(t, st, "g1")
	c := New("g1", st, nil, nil, Config{RetryInterval: 10 * time.Millisecond})
	c.Attach(s)

	// simulate a write whose persist path failed: view advanced, store did not
	local := s.Clone()
	if _, err := local.ApplyMove("alice", rules.MoveRequest{From: coord(t, "c3"), To: coord(t, "d4")}, time.Now()); err != nil {
		t.Fatalf("move: %v", err)
	}
	c.mu.Lock()
	c.view = local
	c.applied = 1
	c.pending = append(c.pending, PendingWrite{
		LocalMoveID: "w1",
		PlayerID:    "alice",
		Req:         rules.MoveRequest{From: coord(t, "c3"), To: coord(t, "d4")},
		Version:     1,
		SentAt:      time.Now().Add(-time.Second),
	})
	c.mu.Unlock()

	c.sweepOnce(context.Background())

	if c.PendingCount() != 0 {
		t.Fatalf("sweep must land and clear the write")
	}
	auth, _ := st.Get(context.Background(), "g1")
	if auth.MoveCount() != 1 {
		t.Fatalf("sweep must persist the move, got %d", auth.MoveCount())
	}
}

func TestRetrySweepDropsLandedWrite(t *testing.T) {
	st := newSyncStore(t)
	s := seedPlayingSession(t, st, "g1")
	c := New("g1", st, nil, nil, Config{RetryInterval: 10 * time.Millisecond})
	c.Attach(s)

	ctx := context.Background()
	// the move already landed through another path
	if _, err := st.Update(ctx, "g1", s.Rev, func(cur *session.Session) error {
		_, merr := cur.ApplyMove("alice", rules.MoveRequest{From: coord(t, "c3"), To: coord(t, "d4")}, time.Now())
		return merr
	}); err != nil {
		t.Fatalf("out-of-band move: %v", err)
	}
	c.mu.Lock()
	c.pending = append(c.pending, PendingWrite{
		LocalMoveID: "w1",
		PlayerID:    "alice",
		Req:         rules.MoveRequest{From: coord(t, "c3"), To: coord(t, "d4")},
		Version:     1,
		SentAt:      time.Now().Add(-time.Second),
	})
	c.mu.Unlock()

	c.sweepOnce(ctx)

	if c.PendingCount() != 0 {
		t.Fatalf("landed write must be acked, not resent")
	}
	auth, _ := st.Get(ctx, "g1")
	if auth.MoveCount() != 1 {
		t.Fatalf("no duplicate application, got %d", auth.MoveCount())
	}
}

func TestForceSaveEnvelopePersistsPeerState(t *testing.T) {
	st := newSyncStore(t)
	s := seedPlayingSession(t, st, "g1")
	c := New("g1", st, nil, nil, Config{})
	c.Attach(s)

	peer := s.Clone()
	if _, err := peer.ApplyMove("alice", rules.MoveRequest{From: coord(t, "c3"), To: coord(t, "d4")}, time.Now()); err != nil {
		t.Fatalf("move: %v", err)
	}
	env, err := push.NewForceSave(push.ForceSave{SessionID: "g1", State: peer})
	if err != nil {
		t.Fatalf("NewForceSave: %v", err)
	}
	c.handleEnvelope(context.Background(), env)

	if c.View().MoveCount() != 1 {
		t.Fatalf("force-save state must be adopted")
	}
	auth, _ := st.Get(context.Background(), "g1")
	if auth.MoveCount() != 1 {
		t.Fatalf("force-save state must be persisted on the peer's behalf, got %d", auth.MoveCount())
	}
}

func TestPartialPushTriggersRefetch(t *testing.T) {
	st := newSyncStore(t)
	s := seedPlayingSession(t, st, "g1")
	c := New("g1", st, nil, nil, Config{})
	c.Attach(s)

	ctx := context.Background()
	if _, err := st.Update(ctx, "g1", s.Rev, func(cur *session.Session) error {
		_, merr := cur.ApplyMove("alice", rules.MoveRequest{From: coord(t, "c3"), To: coord(t, "d4")}, time.Now())
		return merr
	}); err != nil {
		t.Fatalf("out-of-band move: %v", err)
	}

	partial, _ := json.Marshal(map[string]any{"id": "g1"})
	c.handleEnvelope(ctx, push.Envelope{Type: push.TypeStateUpdate, Payload: partial})

	if c.View().MoveCount() != 1 {
		t.Fatalf("partial push must trigger a direct re-fetch")
	}
}

func TestMoveAckClearsPending(t *testing.T) {
	st := newSyncStore(t)
	s := seedPlayingSession(t, st, "g1")
	c := New("g1", st, nil, nil, Config{})
	c.Attach(s)

	c.mu.Lock()
	c.pending = append(c.pending, PendingWrite{LocalMoveID: "w1", Version: 1, SentAt: time.Now()})
	c.mu.Unlock()

	raw, _ := json.Marshal(push.MoveAck{SessionID: "g1", MoveCount: 1, Rev: 5})
	c.handleEnvelope(context.Background(), push.Envelope{Type: push.TypeMoveAck, Payload: raw})

	if c.PendingCount() != 0 {
		t.Fatalf("ack must clear writes at or below its move count")
	}
}
