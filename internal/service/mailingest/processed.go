package mailingest

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// processedRetention bounds how long a message id is remembered. IMAP
// \Seen flags already stop normal re-delivery; the log only guards
// against flag loss, so 90 days is plenty.
const processedRetention = 90 * 24 * time.Hour

// ProcessedLog is an append-only file of handled message ids, one
// "RFC3339Nano<TAB>message-id" line each. It survives watcher restarts
// and is compacted on open.
type ProcessedLog struct {
	mu   sync.Mutex
	path string
	seen map[string]time.Time
	f    *os.File
	now  func() time.Time
}

// OpenProcessedLog loads the log, drops entries past retention and
// rewrites the file when anything was dropped.
func OpenProcessedLog(path string) (*ProcessedLog, error) {
	l := &ProcessedLog{path: path, seen: map[string]time.Time{}, now: time.Now}
	dropped, err := l.load()
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		if err := l.rewrite(); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("op=mail.open_log: %w", err)
	}
	l.f = f
	return l, nil
}

func (l *ProcessedLog) load() (dropped int, err error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=mail.read_log: %w", err)
	}
	defer func() { _ = f.Close() }()

	cutoff := l.now().Add(-processedRetention)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		ts, id, ok := strings.Cut(sc.Text(), "\t")
		if !ok || id == "" {
			dropped++
			continue
		}
		at, perr := time.Parse(time.RFC3339Nano, ts)
		if perr != nil || at.Before(cutoff) {
			dropped++
			continue
		}
		l.seen[id] = at
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("op=mail.read_log: %w", err)
	}
	return dropped, nil
}

func (l *ProcessedLog) rewrite() error {
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("op=mail.compact_log: %w", err)
	}
	w := bufio.NewWriter(f)
	for id, at := range l.seen {
		fmt.Fprintf(w, "%s\t%s\n", at.Format(time.RFC3339Nano), id)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("op=mail.compact_log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("op=mail.compact_log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("op=mail.compact_log: %w", err)
	}
	return nil
}

// Contains reports whether the message id was already handled.
func (l *ProcessedLog) Contains(messageID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[messageID]
	return ok
}

// Add records a handled message id and flushes the line to disk before
// returning, so a crash after MarkProcessed cannot forget it.
func (l *ProcessedLog) Add(messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[messageID]; ok {
		return nil
	}
	at := l.now().UTC()
	if _, err := fmt.Fprintf(l.f, "%s\t%s\n", at.Format(time.RFC3339Nano), messageID); err != nil {
		return fmt.Errorf("op=mail.append_log: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("op=mail.append_log: %w", err)
	}
	l.seen[messageID] = at
	return nil
}

// Close releases the underlying file.
func (l *ProcessedLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
