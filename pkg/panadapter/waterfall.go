package panadapter

import (
	"sync"
	"time"
)

// Line is one waterfall row
type Line struct {
	Timestamp time.Time `json:"timestamp"`
	Bins      []float64 `json:"data"`
}

// Waterfall is a bounded history of spectrum rows. Lines are returned
// newest first and pushing past capacity evicts the oldest row.
type Waterfall struct {
	mu    sync.RWMutex
	lines []Line
	head  int // index of the next write
	count int
}

// NewWaterfall creates a history holding capacity rows
func NewWaterfall(capacity int) *Waterfall {
	if capacity <= 0 {
		capacity = 200
	}
	return &Waterfall{lines: make([]Line, capacity)}
}

// Push adds a row as the newest entry
func (w *Waterfall) Push(line Line) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines[w.head] = line
	w.head = (w.head + 1) % len(w.lines)
	if w.count < len(w.lines) {
		w.count++
	}
}

// Lines returns up to n rows, newest first. n <= 0 returns every row.
func (w *Waterfall) Lines(n int) []Line {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if n <= 0 || n > w.count {
		n = w.count
	}
	out := make([]Line, n)
	for i := 0; i < n; i++ {
		idx := (w.head - 1 - i + len(w.lines)) % len(w.lines)
		out[i] = w.lines[idx]
	}
	return out
}

// Len returns the number of stored rows
func (w *Waterfall) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

// Cap returns the capacity
func (w *Waterfall) Cap() int {
	return len(w.lines)
}

// Reset drops every row
func (w *Waterfall) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.lines {
		w.lines[i] = Line{}
	}
	w.head, w.count = 0, 0
}
