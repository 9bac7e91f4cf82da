// Package surface hosts one version of a document inside an isolated
// rendering context and bridges its ready and scroll events to the host.
package surface

import "context"

// Context is an isolated rendering environment with its own scroll
// container: a browser iframe on the far side of a websocket, a headless
// Chrome tab, or a fake in tests.
//
// Callbacks passed to Load and ListenScroll may be invoked on any goroutine;
// the Surface routes them through its Dispatch option.
type Context interface {
	// Load replaces whatever the context shows with payload. ready is called
	// once the context is live. Load itself must not wait for readiness.
	Load(ctx context.Context, payload string, ready func()) error

	// InjectStyle replaces the content of the override style element.
	InjectStyle(ctx context.Context, css string) error

	// ScrollOffset reports the root scroll offset, the larger of the
	// document-level and body-level offsets.
	ScrollOffset(ctx context.Context) (float64, error)

	// ScrollTo sets the root scroll offset.
	ScrollTo(ctx context.Context, pos float64) error

	// ListenScroll registers fn for root scroll events until release is
	// called.
	ListenScroll(fn func(pos float64)) (release func())
}
