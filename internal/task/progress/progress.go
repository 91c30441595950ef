// Package progress provides the in-memory, non-durable progress channel
// between the worker pool and live read clients.
package progress

import (
	"sync"
	"time"
)

const defaultMaxLines = 200

// Snapshot is a point-in-time view of a task's live progress.
type Snapshot struct {
	CurrentTask string   `json:"current_task"`
	Lines       []string `json:"lines"`
	Finished    bool     `json:"finished"`
}

// entry is the per-task progress state. Single writer (the owning worker),
// many readers.
type entry struct {
	mu       sync.RWMutex
	current  string
	lines    []string // bounded ring
	next     int
	wrapped  bool
	finished bool
	gc       *time.Timer
}

// Bus tracks live progress per task. Entries are garbage-collected a
// configurable retention after Finish so clients polling near the end still
// see the final step.
type Bus struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	retention time.Duration
	maxLines  int
}

// NewBus creates a progress bus with the given post-finish retention.
func NewBus(retention time.Duration) *Bus {
	return &Bus{
		entries:   make(map[string]*entry),
		retention: retention,
		maxLines:  defaultMaxLines,
	}
}

func (b *Bus) get(taskID string, create bool) *entry {
	b.mu.RLock()
	e, ok := b.entries[taskID]
	b.mu.RUnlock()
	if ok || !create {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok = b.entries[taskID]; ok {
		return e
	}
	e = &entry{lines: make([]string, 0, 64)}
	b.entries[taskID] = e
	return e
}

// SetCurrent records the task's current playbook step.
func (b *Bus) SetCurrent(taskID, current string) {
	e := b.get(taskID, true)
	e.mu.Lock()
	e.current = current
	e.mu.Unlock()
}

// Append adds an output line to the task's bounded ring.
func (b *Bus) Append(taskID, line string) {
	e := b.get(taskID, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.lines) < b.maxLines {
		e.lines = append(e.lines, line)
		return
	}
	e.lines[e.next] = line
	e.next = (e.next + 1) % b.maxLines
	e.wrapped = true
}

// Snapshot returns the task's current step and recent output lines in
// arrival order. Returns nil when no live entry exists.
func (b *Bus) Snapshot(taskID string) *Snapshot {
	e := b.get(taskID, false)
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	var lines []string
	if e.wrapped {
		lines = make([]string, 0, len(e.lines))
		lines = append(lines, e.lines[e.next:]...)
		lines = append(lines, e.lines[:e.next]...)
	} else {
		lines = append(lines, e.lines...)
	}
	return &Snapshot{
		CurrentTask: e.current,
		Lines:       lines,
		Finished:    e.finished,
	}
}

// Finish marks the entry finished and schedules its removal after the
// retention window.
func (b *Bus) Finish(taskID string) {
	e := b.get(taskID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.finished = true
	if e.gc == nil {
		e.gc = time.AfterFunc(b.retention, func() { b.remove(taskID) })
	}
	e.mu.Unlock()
}

func (b *Bus) remove(taskID string) {
	b.mu.Lock()
	delete(b.entries, taskID)
	b.mu.Unlock()
}

// Len returns the number of live entries.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
