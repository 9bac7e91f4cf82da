// Package surfacetest provides an in-memory rendering context for tests.
package surfacetest

import (
	"context"
	"sync"
)

// Fake records everything a Surface asks of its context. By default it
// becomes ready as soon as it is loaded and echoes programmatic scrolls back
// as scroll events, like a browser does.
type Fake struct {
	// ManualReady defers readiness until FireReady is called.
	ManualReady bool
	// Silent suppresses the scroll event that follows ScrollTo.
	Silent bool

	mu        sync.Mutex
	payloads  []string
	styles    []string
	scrolls   []float64
	offset    float64
	ready     func()
	listeners map[int]func(float64)
	nextID    int
}

func New() *Fake {
	return &Fake{listeners: make(map[int]func(float64))}
}

func (f *Fake) Load(_ context.Context, payload string, ready func()) error {
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.offset = 0
	f.ready = ready
	manual := f.ManualReady
	f.mu.Unlock()
	if !manual {
		f.FireReady()
	}
	return nil
}

// FireReady signals readiness for the most recent Load.
func (f *Fake) FireReady() {
	f.mu.Lock()
	ready := f.ready
	f.ready = nil
	f.mu.Unlock()
	if ready != nil {
		ready()
	}
}

func (f *Fake) InjectStyle(_ context.Context, css string) error {
	f.mu.Lock()
	f.styles = append(f.styles, css)
	f.mu.Unlock()
	return nil
}

func (f *Fake) ScrollOffset(_ context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset, nil
}

func (f *Fake) ScrollTo(_ context.Context, pos float64) error {
	f.mu.Lock()
	f.offset = pos
	f.scrolls = append(f.scrolls, pos)
	silent := f.Silent
	f.mu.Unlock()
	if !silent {
		f.emit(pos)
	}
	return nil
}

func (f *Fake) ListenScroll(fn func(pos float64)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

// UserScroll simulates the user scrolling the context to pos.
func (f *Fake) UserScroll(pos float64) {
	f.mu.Lock()
	f.offset = pos
	f.mu.Unlock()
	f.emit(pos)
}

// Offset returns the current scroll offset.
func (f *Fake) Offset() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

// Payloads returns every payload loaded so far.
func (f *Fake) Payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payloads...)
}

// LastPayload returns the most recent payload, or "".
func (f *Fake) LastPayload() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return ""
	}
	return f.payloads[len(f.payloads)-1]
}

// Styles returns every injected style text.
func (f *Fake) Styles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.styles...)
}

// Scrolls returns every position passed to ScrollTo.
func (f *Fake) Scrolls() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.scrolls...)
}

// Listeners returns the number of registered scroll listeners.
func (f *Fake) Listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *Fake) emit(pos float64) {
	f.mu.Lock()
	fns := make([]func(float64), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(pos)
	}
}
