package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alimasry/go-sandbox-preview/store"
	"github.com/alimasry/go-sandbox-preview/style"
	"github.com/alimasry/go-sandbox-preview/surface"
)

// Options configure a Hub and every session it creates.
type Options struct {
	Compiler    *style.Compiler
	Rules       []style.Rule
	DeadZone    float64
	MarkerLabel string
	Logger      *zap.Logger
	Metrics     *Metrics

	// CommandRate limits activate, apply, discard and styles messages per
	// client. Zero means unlimited.
	CommandRate  rate.Limit
	CommandBurst int

	// Previewer renders PNG previews; nil disables /preview.
	Previewer Previewer
	// StaticDir is served at /. Empty disables static files.
	StaticDir string
}

func (o *Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

type joinRequest struct {
	client *Client
	docID  string
}

// Hub manages comparison-view sessions and routes clients to the right one.
type Hub struct {
	store    store.DocumentStore
	opts     *Options
	log      *zap.Logger
	sessions map[string]*Session
	mu       sync.RWMutex

	joinDoc chan joinRequest
}

func NewHub(st store.DocumentStore, opts Options) *Hub {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Compiler == nil {
		opts.Compiler = style.NewCompiler(opts.Logger)
	}
	return &Hub{
		store:    st,
		opts:     &opts,
		log:      opts.logger(),
		sessions: make(map[string]*Session),
		joinDoc:  make(chan joinRequest, 64),
	}
}

// Run is the hub's main loop. It returns when ctx is done, stopping every
// session.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case req := <-h.joinDoc:
			h.handleJoinDoc(ctx, req)
		case <-ctx.Done():
			h.mu.Lock()
			for id, s := range h.sessions {
				close(s.stop)
				delete(h.sessions, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handleJoinDoc(ctx context.Context, req joinRequest) {
	h.mu.Lock()
	s, ok := h.sessions[req.docID]
	if !ok {
		info, err := h.loadOrCreate(ctx, req.docID)
		if err != nil {
			h.log.Error("hub: load document", zap.String("doc", req.docID), zap.Error(err))
			h.mu.Unlock()
			req.client.mu.Lock()
			req.client.joining = false
			req.client.mu.Unlock()
			req.client.sendError("failed to load document")
			return
		}
		s = newSession(*info, h.store, h.opts)
		h.sessions[req.docID] = s
		go s.Run()
	}
	h.mu.Unlock()

	s.join <- req.client
}

func (h *Hub) loadOrCreate(ctx context.Context, docID string) (*store.DocumentInfo, error) {
	info, err := h.store.Get(ctx, docID)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err := h.store.Create(ctx, docID, ""); err != nil && !errors.Is(err, store.ErrExists) {
		return nil, err
	}
	return h.store.Get(ctx, docID)
}

// GetSession returns the session for a document, if active.
func (h *Hub) GetSession(docID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[docID]
}

// Snapshot returns what a panel of the given kind would show for docID.
// Documents without a live session are read from the store.
func (h *Hub) Snapshot(ctx context.Context, docID, panelKind string) (surface.Props, error) {
	if s := h.GetSession(docID); s != nil {
		req := snapshotRequest{panel: panelKind, reply: make(chan surface.Props, 1)}
		select {
		case s.snapshots <- req:
		case <-s.stop:
			return surface.Props{}, fmt.Errorf("session %q stopped", docID)
		case <-ctx.Done():
			return surface.Props{}, ctx.Err()
		}
		select {
		case p := <-req.reply:
			return p, nil
		case <-ctx.Done():
			return surface.Props{}, ctx.Err()
		}
	}

	info, err := h.store.Get(ctx, docID)
	if err != nil {
		return surface.Props{}, err
	}
	return surface.Props{
		Document:   surface.Document(info.Content),
		StyleRules: style.Clone(h.opts.Rules),
	}, nil
}

// Revisions returns the recorded revisions of docID newer than fromVersion.
// Sessions write through to the store, so live documents need no detour.
func (h *Hub) Revisions(ctx context.Context, docID string, fromVersion int) ([]store.Revision, error) {
	return h.store.GetRevisions(ctx, docID, fromVersion)
}
