package signal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewWatcher_ClearsStaleSignals(t *testing.T) {
	root := t.TempDir()
	signalsDir := filepath.Join(root, ".phalanx", "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		t.Fatal(err)
	}
	// Leftovers from a crashed run.
	for _, name := range []string{"kill", "pause", "pause-agent-1"} {
		if err := os.WriteFile(filepath.Join(signalsDir, name), []byte("stale"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	w, err := NewWatcher(root)
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	if w.ShouldStop() {
		t.Error("stale kill file survived startup")
	}
	if w.ShouldPause() {
		t.Error("stale pause file survived startup")
	}
}

func TestWatcher_KillAndPause(t *testing.T) {
	w, err := NewWatcher(t.TempDir())
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	if w.ShouldStop() || w.ShouldPause() {
		t.Fatal("signals set before anything was sent")
	}

	if err := w.SendKill(); err != nil {
		t.Fatalf("SendKill() error: %v", err)
	}
	if err := w.SendPause(); err != nil {
		t.Fatalf("SendPause() error: %v", err)
	}

	// The stat fallback makes these immediate regardless of fsnotify
	// delivery timing.
	if !w.ShouldStop() {
		t.Error("ShouldStop() = false after SendKill")
	}
	if !w.ShouldPause() {
		t.Error("ShouldPause() = false after SendPause")
	}
}

func TestWatcher_SignalChannel(t *testing.T) {
	w, err := NewWatcher(t.TempDir())
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()
	if w.watcher == nil {
		t.Skip("fsnotify unavailable on this system")
	}

	if err := w.SendPauseAgent("agent-42"); err != nil {
		t.Fatalf("SendPauseAgent() error: %v", err)
	}

	select {
	case sig := <-w.Signals():
		if sig.Kind != KindPause {
			t.Errorf("signal kind = %s, want pause", sig.Kind)
		}
		if sig.AgentID != "agent-42" {
			t.Errorf("signal agent = %s, want agent-42", sig.AgentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no signal delivered")
	}
}

func TestWatcher_ClearSignalsResets(t *testing.T) {
	w, err := NewWatcher(t.TempDir())
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	if err := w.SendKill(); err != nil {
		t.Fatal(err)
	}
	if !w.ShouldStop() {
		t.Fatal("ShouldStop() = false after SendKill")
	}

	w.ClearSignals()
	if w.ShouldStop() {
		t.Error("ShouldStop() = true after ClearSignals")
	}
}
