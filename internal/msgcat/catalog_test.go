package msgcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderEmbeddedDefaults(t *testing.T) {
	cat, err := New("en", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := cat.Render("reject.not_your_turn", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "It is not your turn." {
		t.Fatalf("unexpected render: %q", got)
	}

	got, err = cat.Render("terminal.resignation", map[string]string{"Winner": "Alice", "Loser": "Bob"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "Bob resigned. Alice wins." {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRenderMissingKeyErrors(t *testing.T) {
	cat, err := New("en", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cat.Render("no.such.key", nil); err == nil {
		t.Fatal("missing key must error")
	}
	if _, err := cat.Render("offer.draw_offered", map[string]string{}); err == nil {
		t.Fatal("missing template data must error")
	}
}

func TestRenderOrFallsBack(t *testing.T) {
	cat, err := New("en", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := cat.RenderOr("no.such.key", nil, "fallback"); got != "fallback" {
		t.Fatalf("want fallback, got %q", got)
	}
	if got := cat.RenderOr("offer.draw_accepted", nil, "fallback"); got != "Draw agreed." {
		t.Fatalf("want rendered value, got %q", got)
	}
}

func TestOverrideDirectoryReplacesKeys(t *testing.T) {
	dir := t.TempDir()
	override := "reject:\n  not_your_turn: \"Wait for your opponent.\"\n"
	if err := os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(override), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	cat, err := New("en", dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := cat.Render("reject.not_your_turn", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "Wait for your opponent." {
		t.Fatalf("override must win: %q", got)
	}

	// untouched keys keep their embedded defaults
	got, err = cat.Render("reject.finished", nil)
	if err != nil || got != "This game is already over." {
		t.Fatalf("default must survive: %q %v", got, err)
	}
}

func TestOverrideDuplicateKeyRejected(t *testing.T) {
	dir := t.TempDir()
	a := "reject:\n  finished: \"Game over A.\"\n"
	b := "reject:\n  finished: \"Game over B.\"\n"
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(a), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(b), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := New("en", dir)
	if err == nil || !strings.Contains(err.Error(), "duplicate override key") {
		t.Fatalf("duplicate keys across files must be rejected, got %v", err)
	}
}

func TestUnknownLocaleFallsBackToEnglish(t *testing.T) {
	cat, err := New("xx", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := cat.Render("reject.finished", nil)
	if err != nil || got != "This game is already over." {
		t.Fatalf("unknown locale must load English defaults: %q %v", got, err)
	}
}
