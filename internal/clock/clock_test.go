package clock

import (
	"testing"
	"time"

	"github.com/yvesdamsh/damcash2/internal/rules"
)

func TestRemainingOnlyDrainsTurnHolder(t *testing.T) {
	t0 := time.Now()
	s := NewState(60, 0, t0)
	at := t0.Add(10 * time.Second)

	if got := Remaining(s, rules.White, rules.White, true, at); got != 50 {
		t.Fatalf("white on turn: want 50, got %v", got)
	}
	if got := Remaining(s, rules.White, rules.Black, true, at); got != 60 {
		t.Fatalf("black off turn must not drain: got %v", got)
	}
	if got := Remaining(s, rules.White, rules.White, false, at); got != 60 {
		t.Fatalf("stopped clock must not drain: got %v", got)
	}
}

func TestRemainingClampsAtZero(t *testing.T) {
	t0 := time.Now()
	s := NewState(5, 0, t0)
	if got := Remaining(s, rules.White, rules.White, true, t0.Add(time.Minute)); got != 0 {
		t.Fatalf("want 0, got %v", got)
	}
}

func TestCommitDeductsAndAddsIncrement(t *testing.T) {
	t0 := time.Now()
	s := NewState(60, 3, t0)
	at := t0.Add(10 * time.Second)

	s = Commit(s, rules.White, at)
	if s.WhiteLeft != 53 {
		t.Fatalf("60 - 10 + 3 = 53, got %v", s.WhiteLeft)
	}
	if s.BlackLeft != 60 {
		t.Fatalf("black untouched: got %v", s.BlackLeft)
	}
	if !s.LastMoveAt.Equal(at) {
		t.Fatalf("commit must restamp LastMoveAt")
	}

	// black thinks 5s next
	at2 := at.Add(5 * time.Second)
	s = Commit(s, rules.Black, at2)
	if s.BlackLeft != 58 {
		t.Fatalf("60 - 5 + 3 = 58, got %v", s.BlackLeft)
	}
}

func TestTimedOut(t *testing.T) {
	t0 := time.Now()
	s := NewState(2, 0, t0)
	if TimedOut(s, rules.White, rules.White, true, t0.Add(1*time.Second)) {
		t.Fatalf("1s of 2s spent: not out")
	}
	if !TimedOut(s, rules.White, rules.White, true, t0.Add(3*time.Second)) {
		t.Fatalf("3s of 2s spent: out")
	}
	if TimedOut(s, rules.White, rules.Black, true, t0.Add(3*time.Second)) {
		t.Fatalf("off-turn color never flags")
	}
}
