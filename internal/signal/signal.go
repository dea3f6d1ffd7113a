// Package signal watches the .phalanx/signals directory for file-based
// control signals: a "pause" file pauses all agents, a "kill" file cancels
// the run, and "pause-<agent-id>" targets a single agent. Signal files are
// cleared on startup so stale signals from a crashed run do not fire.
package signal

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind identifies a control signal.
type Kind string

const (
	// KindPause pauses agents.
	KindPause Kind = "pause"
	// KindKill cancels the run.
	KindKill Kind = "kill"
)

// Signal is one observed control signal.
type Signal struct {
	// Kind identifies the signal.
	Kind Kind
	// AgentID targets a single agent, empty for a global signal.
	AgentID string
}

// Watcher monitors the signals directory. It prefers fsnotify and keeps a
// stat-based fallback for events the watcher missed.
type Watcher struct {
	signalsDir string

	mu          sync.RWMutex
	stopSignal  bool
	pauseSignal bool

	signals chan Signal
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewWatcher creates a watcher for the project's signals directory,
// clearing any leftover signal files. The fsnotify watcher is optional: if
// it cannot be created, callers fall back to the ShouldStop/ShouldPause
// stat checks.
func NewWatcher(projectRoot string) (*Watcher, error) {
	signalsDir := filepath.Join(projectRoot, ".phalanx", "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, err
	}

	w := &Watcher{
		signalsDir: signalsDir,
		signals:    make(chan Signal, 8),
		done:       make(chan struct{}),
	}
	w.ClearSignals()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[signal] fsnotify unavailable, stat fallback only: %v", err)
		return w, nil
	}
	if err := fsw.Add(signalsDir); err != nil {
		fsw.Close()
		log.Printf("[signal] cannot watch %s, stat fallback only: %v", signalsDir, err)
		return w, nil
	}
	w.watcher = fsw
	go w.watch()

	return w, nil
}

// Signals returns the channel of observed signals.
func (w *Watcher) Signals() <-chan Signal {
	return w.signals
}

// watch consumes fsnotify events until Close.
func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.dispatch(filepath.Base(event.Name))
		case <-w.watcher.Errors:
			// Keep watching; the stat fallback covers missed events.
		}
	}
}

// dispatch translates a signal file name into a Signal and records the
// sticky flags.
func (w *Watcher) dispatch(name string) {
	var sig Signal
	switch {
	case name == "kill":
		sig = Signal{Kind: KindKill}
		w.mu.Lock()
		w.stopSignal = true
		w.mu.Unlock()
	case name == "pause":
		sig = Signal{Kind: KindPause}
		w.mu.Lock()
		w.pauseSignal = true
		w.mu.Unlock()
	case strings.HasPrefix(name, "pause-"):
		sig = Signal{Kind: KindPause, AgentID: strings.TrimPrefix(name, "pause-")}
	default:
		return
	}

	select {
	case w.signals <- sig:
	default:
		// A full channel means the consumer is behind; the sticky flags
		// still record global signals.
	}
}

// ShouldStop returns true if a kill signal was received, checking the file
// directly in case the watcher missed it.
func (w *Watcher) ShouldStop() bool {
	if _, err := os.Stat(filepath.Join(w.signalsDir, "kill")); err == nil {
		w.mu.Lock()
		w.stopSignal = true
		w.mu.Unlock()
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stopSignal
}

// ShouldPause returns true if a global pause signal was received.
func (w *Watcher) ShouldPause() bool {
	if _, err := os.Stat(filepath.Join(w.signalsDir, "pause")); err == nil {
		w.mu.Lock()
		w.pauseSignal = true
		w.mu.Unlock()
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.pauseSignal
}

// SendKill creates a kill signal file.
func (w *Watcher) SendKill() error {
	return w.write("kill")
}

// SendPause creates a global pause signal file.
func (w *Watcher) SendPause() error {
	return w.write("pause")
}

// SendPauseAgent creates a pause signal file for a single agent.
func (w *Watcher) SendPauseAgent(agentID string) error {
	return w.write("pause-" + agentID)
}

func (w *Watcher) write(name string) error {
	path := filepath.Join(w.signalsDir, name)
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// ClearSignals removes all signal files and resets the sticky flags.
func (w *Watcher) ClearSignals() {
	w.mu.Lock()
	w.stopSignal = false
	w.pauseSignal = false
	w.mu.Unlock()

	entries, err := os.ReadDir(w.signalsDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		os.Remove(filepath.Join(w.signalsDir, e.Name()))
	}
}

// Close shuts down the watcher.
func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}
