package activity

import (
	"sort"
	"sync"
	"time"
)

// ChangeEvent reports the controls and properties of an instrument that
// changed as one observable unit.
type ChangeEvent struct {
	Instrument string             `json:"instrument"`
	Controls   map[string]float64 `json:"controls,omitempty"`
	Properties []string           `json:"properties,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// TaskEvent reports a lifecycle transition of an acquisition stream.
type TaskEvent struct {
	Source    string    `json:"source"`
	TaskID    uint64    `json:"task_id"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	Frames    uint64    `json:"frames"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Listener observes instrument changes and task transitions.
//
// Callbacks run synchronously on the goroutine that caused the event and must
// not call back into the emitting instrument or hardware source.
type Listener interface {
	InstrumentChanged(ev ChangeEvent)
	TaskTransition(ev TaskEvent)
}

// Funcs adapts plain functions to the Listener interface. Nil fields are ignored.
type Funcs struct {
	OnChange func(ChangeEvent)
	OnTask   func(TaskEvent)
}

// InstrumentChanged calls OnChange when set.
func (f Funcs) InstrumentChanged(ev ChangeEvent) {
	if f.OnChange != nil {
		f.OnChange(ev)
	}
}

// TaskTransition calls OnTask when set.
func (f Funcs) TaskTransition(ev TaskEvent) {
	if f.OnTask != nil {
		f.OnTask(ev)
	}
}

// Hub fans events out to a dynamic set of listeners.
type Hub struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]Listener
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[int]Listener)}
}

// Subscribe registers a listener and returns a function removing it again.
func (h *Hub) Subscribe(l Listener) func() {
	if l == nil {
		return func() {}
	}
	h.mu.Lock()
	id := h.next
	h.next++
	h.listeners[id] = l
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) snapshot() []Listener {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]int, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.listeners[id])
	}
	return out
}

// InstrumentChanged forwards ev to every subscriber.
func (h *Hub) InstrumentChanged(ev ChangeEvent) {
	if h == nil {
		return
	}
	for _, l := range h.snapshot() {
		l.InstrumentChanged(ev)
	}
}

// TaskTransition forwards ev to every subscriber.
func (h *Hub) TaskTransition(ev TaskEvent) {
	if h == nil {
		return
	}
	for _, l := range h.snapshot() {
		l.TaskTransition(ev)
	}
}
