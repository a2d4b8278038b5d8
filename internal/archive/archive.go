// Package archive appends chat messages to per-session NDJSON files from a
// bounded background queue.
package archive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultQueueSize = 256

// Config controls the archive.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Entry is one archived message.
type Entry struct {
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id,omitempty"`
	From      string    `json:"from"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	LoggedAt  time.Time `json:"logged_at"`
}

// Entry kinds.
const (
	KindMessage = "message"
	KindAI      = "ai_response"
	KindHistory = "history"
)

// Sink receives archived entries.
type Sink interface {
	Log(Entry)
}

// Archive writes entries asynchronously. The zero value is not usable; use
// New.
type Archive struct {
	dir    string
	logger *slog.Logger
	queue  chan Entry

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts an archive. A disabled config returns nil, which Log accepts.
func New(cfg Config, logger *slog.Logger) (*Archive, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}

	a := &Archive{
		dir:    cfg.Dir,
		logger: logger,
		queue:  make(chan Entry, size),
	}
	a.wg.Add(1)
	go a.run()
	return a, nil
}

// Log queues e without blocking. Entries are dropped when the queue is full
// or the archive is closed.
func (a *Archive) Log(e Entry) {
	if a == nil {
		return
	}
	if e.LoggedAt.IsZero() {
		e.LoggedAt = time.Now().UTC()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- e:
	default:
		a.logger.Warn("Archive queue full, dropping entry", "session_id", e.SessionID, "queue_len", len(a.queue))
	}
}

// Close flushes queued entries and stops the writer.
func (a *Archive) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}

// Path returns the file holding a session's entries.
func (a *Archive) Path(sessionID string) string {
	return filepath.Join(a.dir, fileName(sessionID))
}

func (a *Archive) run() {
	defer a.wg.Done()
	for e := range a.queue {
		if err := a.write(e); err != nil {
			a.logger.Error("Failed to archive entry", "session_id", e.SessionID, "error", err)
		}
	}
}

func (a *Archive) write(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	f, err := os.OpenFile(a.Path(e.SessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write archive file: %w", err)
	}
	return f.Close()
}

// fileName keeps session ids from escaping the archive directory.
func fileName(sessionID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, sessionID)
	if clean == "" {
		clean = "unknown"
	}
	return clean + ".ndjson"
}
