package transport

import (
	"slices"
	"sync"
)

// Listeners is a set of state callbacks shared by the implementations in
// this module.
type Listeners struct {
	mu    sync.Mutex
	next  int
	funcs map[int]func(State)
}

// Add registers fn and returns a func that removes it.
func (l *Listeners) Add(fn func(State)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.funcs == nil {
		l.funcs = make(map[int]func(State))
	}
	id := l.next
	l.next++
	l.funcs[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.funcs, id)
		l.mu.Unlock()
	}
}

// Emit calls every registered listener with s, outside the lock.
func (l *Listeners) Emit(s State) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.funcs))
	for id := range l.funcs {
		ids = append(ids, id)
	}
	fns := make([]func(State), 0, len(ids))
	// Registration order.
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.funcs[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
