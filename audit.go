package modrun

import (
	"strings"
	"sync"
	"time"
)

// AuditEntry is one recorded administrative or action event.
type AuditEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	Action      string         `json:"action"`
	Actor       string         `json:"actor"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// AuditFilter narrows AuditLog queries. Zero-value fields match
// everything.
type AuditFilter struct {
	Actor        string
	ActionPrefix string
	ExecutionID  string
	Since        time.Time
}

// AuditLog is a bounded in-memory audit trail. When the entry count
// exceeds maxEntries the oldest entries are dropped. It implements
// AuditSink so hosts can hand it directly to modules, and an optional
// downstream sink receives every entry as well (typically a database
// writer contributed by a module).
type AuditLog struct {
	mu         sync.RWMutex
	entries    []AuditEntry
	maxEntries int
	downstream AuditSink
	logger     Logger
}

const defaultAuditCapacity = 10000

// NewAuditLog creates a trail holding at most maxEntries entries.
// Non-positive values use a default capacity.
func NewAuditLog(maxEntries int, logger Logger) *AuditLog {
	if maxEntries <= 0 {
		maxEntries = defaultAuditCapacity
	}
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &AuditLog{maxEntries: maxEntries, logger: logger}
}

// SetDownstream forwards future entries to sink in addition to the
// in-memory trail.
func (l *AuditLog) SetDownstream(sink AuditSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.downstream = sink
}

// LogAudit records an entry, trimming the oldest entries when the
// trail is full.
func (l *AuditLog) LogAudit(action string, details map[string]any, actor, executionID string) {
	entry := AuditEntry{
		Timestamp:   time.Now(),
		Action:      action,
		Actor:       actor,
		ExecutionID: executionID,
		Details:     details,
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if over := len(l.entries) - l.maxEntries; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
	downstream := l.downstream
	l.mu.Unlock()

	l.logger.Debug("audit", "action", action, "actor", actor, "executionID", executionID)
	if downstream != nil {
		downstream.LogAudit(action, details, actor, executionID)
	}
}

// Entries returns entries matching the filter, oldest first.
func (l *AuditLog) Entries(filter AuditFilter) []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]AuditEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		if filter.ActionPrefix != "" && !strings.HasPrefix(e.Action, filter.ActionPrefix) {
			continue
		}
		if filter.ExecutionID != "" && e.ExecutionID != filter.ExecutionID {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of retained entries.
func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
