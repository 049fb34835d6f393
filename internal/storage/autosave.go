package storage

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/lilvirgola/p2pdocs/internal/monitoring"
)

// DefaultAutosaveThreshold is the number of local edits between writes.
const DefaultAutosaveThreshold = 10

// Autosaver overwrites a single UTF-8 text file with the current document
// projection: after a configured number of local edits, and on every state
// install. Write failures are logged and counted, never propagated; the
// document keeps operating in memory.
type Autosaver struct {
	mu        sync.Mutex
	path      string
	threshold int
	edits     int
	onFlush   func()

	log     *zap.Logger
	metrics *monitoring.Metrics
}

// NewAutosaver writes to <dir>/<peerID>.txt every threshold edits.
func NewAutosaver(dir string, peerID string, threshold int, log *zap.Logger, metrics *monitoring.Metrics) (*Autosaver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if threshold <= 0 {
		threshold = DefaultAutosaveThreshold
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Autosaver{
		path:      filepath.Join(dir, sanitize(peerID)+".txt"),
		threshold: threshold,
		log:       log,
		metrics:   metrics,
	}, nil
}

// SetOnFlush registers a hook run after each successful write; the node
// uses it to persist component snapshots alongside the text.
func (a *Autosaver) SetOnFlush(fn func()) {
	a.mu.Lock()
	a.onFlush = fn
	a.mu.Unlock()
}

// Edited records one local edit and writes text once the threshold is
// reached.
func (a *Autosaver) Edited(text string) {
	a.mu.Lock()
	a.edits++
	due := a.edits >= a.threshold
	if due {
		a.edits = 0
	}
	a.mu.Unlock()

	if due {
		a.Flush(text)
	}
}

// Flush writes text immediately (state installs, shutdown).
func (a *Autosaver) Flush(text string) {
	a.mu.Lock()
	path := a.path
	hook := a.onFlush
	a.mu.Unlock()

	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		a.log.Error("autosave failed", zap.String("path", path), zap.Error(err))
		if a.metrics != nil {
			a.metrics.AutosaveErrors.Inc()
		}
		return
	}
	if a.metrics != nil {
		a.metrics.AutosaveWrites.Inc()
	}
	if hook != nil {
		hook()
	}
}

// Path returns the autosave file location.
func (a *Autosaver) Path() string { return a.path }
