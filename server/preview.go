package server

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/alimasry/go-sandbox-preview/style"
	"github.com/alimasry/go-sandbox-preview/surface"
)

// Previewer renders one version of a document to a PNG image.
type Previewer interface {
	Render(ctx context.Context, props surface.Props) ([]byte, error)
}

// ChromePreviewer renders through a surface hosted in a fresh headless
// Chrome tab per request.
type ChromePreviewer struct {
	ExecPath    string
	Compiler    *style.Compiler
	MarkerLabel string
	Logger      *zap.Logger
}

func (p *ChromePreviewer) Render(ctx context.Context, props surface.Props) ([]byte, error) {
	rc, err := surface.NewChromeContext(ctx, p.ExecPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	// Chrome fires ready and scroll from its own goroutines; the surface
	// needs them one at a time.
	var mu sync.Mutex
	dispatch := func(f func()) {
		mu.Lock()
		defer mu.Unlock()
		f()
	}

	ready := make(chan struct{})
	var once sync.Once
	s := surface.New("preview", rc, surface.Options{
		Compiler:    p.Compiler,
		MarkerLabel: p.MarkerLabel,
		Logger:      p.Logger,
		OnReady:     func(surface.Context) { once.Do(func() { close(ready) }) },
		Dispatch:    dispatch,
	})

	var mountErr error
	dispatch(func() { mountErr = s.Mount(ctx, props) })
	if mountErr != nil {
		return nil, mountErr
	}
	defer dispatch(s.Unmount)

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("preview: waiting for ready: %w", ctx.Err())
	}
	return rc.Screenshot(ctx)
}
