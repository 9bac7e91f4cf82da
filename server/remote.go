package server

import (
	"context"
	"errors"
)

var (
	errClientGone = errors.New("client disconnected")
	errClientSlow = errors.New("client send buffer full")
)

// remoteContext is a browser panel (an iframe fed through srcdoc) seen as a
// rendering context. Commands become server messages; ready and scroll
// reports arrive as client messages. Its scroll offset is the last one the
// panel reported or was told to adopt.
//
// All methods run on the owning session's goroutine.
type remoteContext struct {
	client    *Client
	docID     string
	seq       uint64
	ready     func()
	offset    float64
	closed    bool
	listeners map[int]func(float64)
	nextID    int
}

func newRemoteContext(c *Client, docID string) *remoteContext {
	return &remoteContext{
		client:    c,
		docID:     docID,
		listeners: make(map[int]func(float64)),
	}
}

func (r *remoteContext) Load(_ context.Context, payload string, ready func()) error {
	if r.closed {
		return errClientGone
	}
	r.seq++
	r.ready = ready
	r.offset = 0
	// A panel that never receives its render never becomes ready.
	if !r.client.sendMsg(ServerMessage{Type: MsgRender, DocID: r.docID, Seq: r.seq, Payload: payload}) {
		r.ready = nil
		return errClientSlow
	}
	return nil
}

func (r *remoteContext) InjectStyle(_ context.Context, css string) error {
	if r.closed {
		return errClientGone
	}
	r.client.sendMsg(ServerMessage{Type: MsgStyle, DocID: r.docID, Seq: r.seq, CSS: &css})
	return nil
}

func (r *remoteContext) ScrollOffset(context.Context) (float64, error) {
	return r.offset, nil
}

func (r *remoteContext) ScrollTo(_ context.Context, pos float64) error {
	if r.closed {
		return errClientGone
	}
	r.offset = pos
	r.client.sendMsg(ServerMessage{Type: MsgScrollTo, DocID: r.docID, Seq: r.seq, Position: pos})
	return nil
}

func (r *remoteContext) ListenScroll(fn func(pos float64)) func() {
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() { delete(r.listeners, id) }
}

// handleReady fires the pending ready callback if seq acknowledges the most
// recent render.
func (r *remoteContext) handleReady(seq uint64) {
	if seq != r.seq || r.ready == nil {
		return
	}
	ready := r.ready
	r.ready = nil
	ready()
}

// handleScroll records a reported offset and notifies listeners. Reports
// for an older render are dropped.
func (r *remoteContext) handleScroll(seq uint64, pos float64) {
	if seq != r.seq {
		return
	}
	r.offset = pos
	for _, fn := range r.listeners {
		fn(pos)
	}
}

func (r *remoteContext) close() {
	r.closed = true
	r.ready = nil
	r.listeners = make(map[int]func(float64))
}
