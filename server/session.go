package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alimasry/go-sandbox-preview/sandbox"
	"github.com/alimasry/go-sandbox-preview/scroll"
	"github.com/alimasry/go-sandbox-preview/store"
	"github.com/alimasry/go-sandbox-preview/style"
	"github.com/alimasry/go-sandbox-preview/surface"
)

type clientEvent struct {
	client *Client
	msg    ClientMessage
}

type snapshotRequest struct {
	panel string
	reply chan surface.Props
}

// panel is one mounted rendering surface owned by a client.
type panel struct {
	kind    string
	rc      *remoteContext
	surface *surface.Surface
}

// Session is the comparison view of a single document. It owns the shared
// scroll position, the sandbox state and every panel showing the document.
// All events are serialized through a single goroutine.
type Session struct {
	docID   string
	content surface.Document
	version int
	store   store.DocumentStore
	opts    *Options
	log     *zap.Logger

	sync    *scroll.Synchronizer
	sandbox *sandbox.Controller
	rules   []style.Rule
	panels  map[*Client]*panel

	incoming  chan clientEvent
	join      chan *Client
	leave     chan *Client
	snapshots chan snapshotRequest
	stop      chan struct{}
}

func newSession(info store.DocumentInfo, st store.DocumentStore, opts *Options) *Session {
	log := opts.logger().With(zap.String("doc", info.ID))
	s := &Session{
		docID:     info.ID,
		content:   surface.Document(info.Content),
		version:   info.Version,
		store:     st,
		opts:      opts,
		log:       log,
		sync:      scroll.New(log),
		rules:     style.Clone(opts.Rules),
		panels:    make(map[*Client]*panel),
		incoming:  make(chan clientEvent, 64),
		join:      make(chan *Client, 16),
		leave:     make(chan *Client, 16),
		snapshots: make(chan snapshotRequest),
		stop:      make(chan struct{}),
	}
	s.sandbox = sandbox.NewController(log, s.handleSandboxEvent)
	return s
}

// Run is the session's main loop. It serializes all events.
func (s *Session) Run() {
	for {
		select {
		case c := <-s.join:
			s.handleJoin(c)
		case c := <-s.leave:
			s.handleLeave(c)
		case ev := <-s.incoming:
			s.handleMessage(ev)
		case req := <-s.snapshots:
			req.reply <- s.props(req.panel, nil)
		case <-s.stop:
			s.shutdown()
			return
		}
	}
}

func (s *Session) handleJoin(c *Client) {
	c.mu.Lock()
	other := c.session
	c.mu.Unlock()
	if other != nil {
		// A client drives exactly one panel; the session that owns it
		// also owns its send channel.
		c.sendError("already joined")
		return
	}

	kind := c.panelKind()
	rc := newRemoteContext(c, s.docID)
	p := &panel{kind: kind, rc: rc}
	p.surface = surface.New(c.ID, rc, surface.Options{
		Compiler:    s.opts.Compiler,
		DeadZone:    s.opts.DeadZone,
		MarkerLabel: s.opts.MarkerLabel,
		Logger:      s.log,
		OnScroll:    func(pos float64) { s.handleScroll(p, pos) },
		OnSuppressed: func(float64) {
			s.opts.Metrics.ScrollSuppressed.Inc()
		},
	})

	pos := s.sync.Position()
	if err := p.surface.Mount(context.Background(), s.props(kind, &pos)); err != nil {
		s.log.Warn("mount panel", zap.String("client", c.ID), zap.Error(err))
		p.surface.Unmount()
		rc.close()
		c.mu.Lock()
		c.joining = false
		c.mu.Unlock()
		c.sendError("failed to render document")
		return
	}

	s.panels[c] = p
	c.mu.Lock()
	c.session = s
	c.joining = false
	c.mu.Unlock()
	s.sync.Attach(p.surface)
	s.opts.Metrics.PanelsActive.Inc()

	c.sendMsg(s.stateMsg())
}

func (s *Session) handleLeave(c *Client) {
	p, ok := s.panels[c]
	if !ok {
		return
	}
	delete(s.panels, c)
	p.surface.Unmount()
	p.rc.close()
	s.sync.Detach(p.surface.ID())
	s.opts.Metrics.PanelsActive.Dec()

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	close(c.send)

	// The shared position lives as long as the view does.
	if len(s.panels) == 0 {
		s.sync = scroll.New(s.log)
	}
}

func (s *Session) handleMessage(ev clientEvent) {
	p, ok := s.panels[ev.client]
	if !ok {
		ev.client.sendError("not joined to a document")
		return
	}
	ctx := context.Background()

	switch ev.msg.Type {
	case MsgReady:
		p.rc.handleReady(ev.msg.Seq)
	case MsgScroll:
		p.rc.handleScroll(ev.msg.Seq, ev.msg.Position)
	case MsgActivate:
		if err := s.sandbox.Activate(surface.Document(ev.msg.Content), ev.msg.Regions); err != nil {
			s.commandFailed(ev.client, MsgActivate, err)
		}
	case MsgApply:
		if err := s.sandbox.Apply(ctx, sandbox.MergeInto(sessionEditor{s})); err != nil {
			s.commandFailed(ev.client, MsgApply, err)
		}
	case MsgDiscard:
		s.sandbox.Discard()
	case MsgStyles:
		s.setRules(ctx, ev.msg.Rules)
	default:
		ev.client.sendError("unknown message type: " + ev.msg.Type)
	}
}

func (s *Session) handleScroll(p *panel, pos float64) {
	s.opts.Metrics.ScrollReports.WithLabelValues(p.kind).Inc()
	_, applied := s.sync.Sync(context.Background(), p.surface.ID(), pos)
	s.opts.Metrics.ScrollApplied.Add(float64(applied))
}

// handleSandboxEvent runs on the session goroutine, called back from the
// controller during Activate, Apply and Discard.
func (s *Session) handleSandboxEvent(ev sandbox.Event) {
	s.opts.Metrics.Transitions.WithLabelValues(string(ev.Kind)).Inc()

	ctx := context.Background()
	pos := s.sync.Position()
	for _, p := range s.panels {
		if p.kind != PanelSandbox {
			continue
		}
		if err := p.surface.Update(ctx, s.props(PanelSandbox, &pos)); err != nil {
			s.log.Warn("refresh sandbox panel", zap.String("panel", p.surface.ID()), zap.Error(err))
		}
	}

	switch ev.Kind {
	case sandbox.EventApplied:
		s.broadcast(ServerMessage{Type: MsgApplied, DocID: s.docID, Version: s.version})
	case sandbox.EventDiscarded:
		s.broadcast(ServerMessage{Type: MsgDiscarded, DocID: s.docID, WasActive: ev.WasActive})
	}
	s.broadcast(s.stateMsg())
}

func (s *Session) setRules(ctx context.Context, rules []style.Rule) {
	s.rules = style.Clone(rules)
	for _, p := range s.panels {
		if err := p.surface.SetStyleRules(ctx, s.rules); err != nil {
			s.log.Warn("update styles", zap.String("panel", p.surface.ID()), zap.Error(err))
		}
	}
}

// props derives what a panel of the given kind should show.
func (s *Session) props(kind string, scrollPos *float64) surface.Props {
	p := surface.Props{
		Document:       s.content,
		StyleRules:     style.Clone(s.rules),
		ExternalScroll: scrollPos,
	}
	if kind == PanelSandbox {
		if st := s.sandbox.State(); st.Active {
			p.Document = st.Proposed
			p.ShowMarkers = true
		}
	}
	return p
}

func (s *Session) stateMsg() ServerMessage {
	st := s.sandbox.State()
	return ServerMessage{
		Type:    MsgState,
		DocID:   s.docID,
		Active:  st.Active,
		Regions: st.ModifiedRegions,
		Version: s.version,
	}
}

func (s *Session) commandFailed(c *Client, command string, err error) {
	s.opts.Metrics.CommandErrors.WithLabelValues(command).Inc()
	s.log.Info("sandbox command rejected", zap.String("command", command), zap.Error(err))
	c.sendError(err.Error())
}

func (s *Session) broadcast(msg ServerMessage) {
	for c := range s.panels {
		c.sendMsg(msg)
	}
}

// setContent replaces the canonical document, recording a revision first.
func (s *Session) setContent(ctx context.Context, doc surface.Document, source string) error {
	version := s.version + 1
	rev := store.Revision{Version: version, Content: string(doc), Source: source, At: time.Now()}
	if err := s.store.AppendRevision(ctx, s.docID, rev); err != nil {
		return fmt.Errorf("record revision %d: %w", version, err)
	}
	if err := s.store.UpdateContent(ctx, s.docID, string(doc), version); err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	s.content = doc
	s.version = version

	pos := s.sync.Position()
	for _, p := range s.panels {
		if p.kind != PanelEditable {
			continue
		}
		if err := p.surface.SetDocument(ctx, doc); err != nil {
			s.log.Warn("refresh editable panel", zap.String("panel", p.surface.ID()), zap.Error(err))
			continue
		}
		if _, err := p.surface.SetExternalScroll(ctx, pos); err != nil {
			s.log.Warn("restore editable scroll", zap.String("panel", p.surface.ID()), zap.Error(err))
		}
	}
	return nil
}

func (s *Session) shutdown() {
	for c, p := range s.panels {
		p.surface.Unmount()
		p.rc.close()
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
	}
}

// sessionEditor exposes the session's canonical document to the sandbox
// controller. It is only used on the session goroutine.
type sessionEditor struct {
	s *Session
}

func (e sessionEditor) GetContent(context.Context) (surface.Document, error) {
	return e.s.content, nil
}

func (e sessionEditor) SetContent(ctx context.Context, doc surface.Document) error {
	return e.s.setContent(ctx, doc, "sandbox")
}
