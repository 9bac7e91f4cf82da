package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/alimasry/go-sandbox-preview/store"
	"github.com/alimasry/go-sandbox-preview/style"
)

func ctx() context.Context { return context.Background() }

func testOptions() *Options {
	return &Options{
		Compiler: style.NewCompiler(nil),
		DeadZone: 2,
		Metrics:  NewMetrics(nil),
	}
}

// mockClient creates a client without a real WebSocket connection, for testing.
func mockClient(id, panelKind string) *Client {
	return &Client{
		ID:    id,
		panel: panelKind,
		send:  make(chan []byte, 256),
	}
}

// recvMsg reads one message from a mock client's send channel with timeout.
func recvMsg(t *testing.T, c *Client) ServerMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return ServerMessage{}
	}
}

// expectMsg reads one message and checks its type.
func expectMsg(t *testing.T, c *Client, typ string) ServerMessage {
	t.Helper()
	msg := recvMsg(t, c)
	if msg.Type != typ {
		t.Fatalf("%s: expected %q, got %q (%+v)", c.ID, typ, msg.Type, msg)
	}
	return msg
}

func expectQuiet(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("%s: unexpected message %s", c.ID, data)
	case <-time.After(100 * time.Millisecond):
	}
}

func startSession(t *testing.T, content string) (*Session, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	st.Create(ctx(), "doc1", content)
	info, _ := st.Get(ctx(), "doc1")
	s := newSession(*info, st, testOptions())
	go s.Run()
	t.Cleanup(func() { close(s.stop) })
	return s, st
}

// joinReady joins c and acknowledges its first render. It returns the seq of
// that render.
func joinReady(t *testing.T, s *Session, c *Client) uint64 {
	t.Helper()
	s.join <- c
	render := expectMsg(t, c, MsgRender)
	expectMsg(t, c, MsgState)
	s.incoming <- clientEvent{client: c, msg: ClientMessage{Type: MsgReady, Seq: render.Seq}}
	expectMsg(t, c, MsgStyle)
	return render.Seq
}

func TestSession_JoinRendersCanonicalDocument(t *testing.T) {
	s, _ := startSession(t, "<p>hello</p>")

	c := mockClient("c1", PanelEditable)
	s.join <- c
	render := expectMsg(t, c, MsgRender)
	if !contains(render.Payload, "<p>hello</p>") {
		t.Errorf("payload missing document: %s", render.Payload)
	}
	if contains(render.Payload, "sandbox-markers") {
		t.Error("editable panel must not render markers")
	}
	state := expectMsg(t, c, MsgState)
	if state.Active || state.Regions != 0 {
		t.Errorf("unexpected state: %+v", state)
	}
}

func TestSession_ScrollSync(t *testing.T) {
	s, _ := startSession(t, "<p>hello</p>")
	a := mockClient("a", PanelEditable)
	b := mockClient("b", PanelSandbox)
	seqA := joinReady(t, s, a)
	seqB := joinReady(t, s, b)

	s.incoming <- clientEvent{client: a, msg: ClientMessage{Type: MsgScroll, Seq: seqA, Position: 100}}
	to := expectMsg(t, b, MsgScrollTo)
	if to.Position != 100 {
		t.Errorf("position = %v, want 100", to.Position)
	}

	// b's iframe reports the programmatic scroll back; it must not bounce to a.
	s.incoming <- clientEvent{client: b, msg: ClientMessage{Type: MsgScroll, Seq: seqB, Position: 100}}
	expectQuiet(t, a)

	// A report inside the dead zone is not forwarded either.
	s.incoming <- clientEvent{client: a, msg: ClientMessage{Type: MsgScroll, Seq: seqA, Position: 101}}
	expectQuiet(t, b)

	if got := testutil.ToFloat64(s.opts.Metrics.ScrollSuppressed); got < 1 {
		t.Errorf("suppressed = %v, want >= 1", got)
	}
}

func TestSession_LateJoinerAdoptsPosition(t *testing.T) {
	s, _ := startSession(t, "<p>hello</p>")
	a := mockClient("a", PanelEditable)
	seqA := joinReady(t, s, a)
	s.incoming <- clientEvent{client: a, msg: ClientMessage{Type: MsgScroll, Seq: seqA, Position: 250}}

	b := mockClient("b", PanelSandbox)
	s.join <- b
	render := expectMsg(t, b, MsgRender)
	expectMsg(t, b, MsgState)
	s.incoming <- clientEvent{client: b, msg: ClientMessage{Type: MsgReady, Seq: render.Seq}}
	expectMsg(t, b, MsgStyle)
	if to := expectMsg(t, b, MsgScrollTo); to.Position != 250 {
		t.Errorf("position = %v, want 250", to.Position)
	}
}

func TestSession_ActivateRendersProposalWithMarkers(t *testing.T) {
	s, _ := startSession(t, "<p>old</p>")
	ed := mockClient("ed", PanelEditable)
	sb := mockClient("sb", PanelSandbox)
	joinReady(t, s, ed)
	joinReady(t, s, sb)

	s.incoming <- clientEvent{client: ed, msg: ClientMessage{
		Type: MsgActivate, Content: `<p data-modified="1">new</p>`, Regions: 1,
	}}

	render := expectMsg(t, sb, MsgRender)
	if !contains(render.Payload, "new</p>") || !contains(render.Payload, "sandbox-markers") {
		t.Errorf("sandbox payload wrong: %s", render.Payload)
	}
	if st := expectMsg(t, sb, MsgState); !st.Active || st.Regions != 1 {
		t.Errorf("unexpected state: %+v", st)
	}
	if st := expectMsg(t, ed, MsgState); !st.Active {
		t.Errorf("editable panel state: %+v", st)
	}
	expectQuiet(t, ed)
}

func TestSession_ApplyReplacesCanonical(t *testing.T) {
	s, st := startSession(t, "<p>old</p>")
	ed := mockClient("ed", PanelEditable)
	sb := mockClient("sb", PanelSandbox)
	joinReady(t, s, ed)
	joinReady(t, s, sb)

	s.incoming <- clientEvent{client: ed, msg: ClientMessage{Type: MsgActivate, Content: "<p>new</p>", Regions: 2}}
	expectMsg(t, sb, MsgRender)
	expectMsg(t, sb, MsgState)
	expectMsg(t, ed, MsgState)

	s.incoming <- clientEvent{client: sb, msg: ClientMessage{Type: MsgApply}}

	render := expectMsg(t, ed, MsgRender)
	if !contains(render.Payload, "<p>new</p>") {
		t.Errorf("editable panel not refreshed: %s", render.Payload)
	}
	if applied := expectMsg(t, ed, MsgApplied); applied.Version != 1 {
		t.Errorf("applied version = %d, want 1", applied.Version)
	}
	if state := expectMsg(t, ed, MsgState); state.Active || state.Regions != 0 {
		t.Errorf("state after apply: %+v", state)
	}

	sbRender := expectMsg(t, sb, MsgRender)
	if contains(sbRender.Payload, "sandbox-markers") {
		t.Error("markers still shown after apply")
	}
	expectMsg(t, sb, MsgApplied)
	expectMsg(t, sb, MsgState)

	info, _ := st.Get(ctx(), "doc1")
	if info.Content != "<p>new</p>" || info.Version != 1 {
		t.Errorf("store not updated: %+v", info)
	}
	revs, _ := st.GetRevisions(ctx(), "doc1", 0)
	if len(revs) != 1 || revs[0].Source != "sandbox" {
		t.Errorf("unexpected revisions: %+v", revs)
	}

	// Applying again is a state error surfaced to the caller only.
	s.incoming <- clientEvent{client: sb, msg: ClientMessage{Type: MsgApply}}
	if e := expectMsg(t, sb, MsgError); !contains(e.Message, "apply") {
		t.Errorf("unexpected error: %q", e.Message)
	}
	expectQuiet(t, ed)
}

func TestSession_DoubleActivateRejected(t *testing.T) {
	s, _ := startSession(t, "")
	c := mockClient("c", PanelEditable)
	joinReady(t, s, c)

	s.incoming <- clientEvent{client: c, msg: ClientMessage{Type: MsgActivate, Content: "<p>a</p>", Regions: 1}}
	expectMsg(t, c, MsgState)
	s.incoming <- clientEvent{client: c, msg: ClientMessage{Type: MsgActivate, Content: "<p>b</p>", Regions: 1}}
	expectMsg(t, c, MsgError)

	if got := testutil.ToFloat64(s.opts.Metrics.CommandErrors.WithLabelValues(MsgActivate)); got != 1 {
		t.Errorf("activate errors = %v, want 1", got)
	}
}

func TestSession_DiscardTwice(t *testing.T) {
	s, _ := startSession(t, "<p>old</p>")
	c := mockClient("c", PanelEditable)
	joinReady(t, s, c)

	s.incoming <- clientEvent{client: c, msg: ClientMessage{Type: MsgActivate, Content: "<p>a</p>", Regions: 1}}
	expectMsg(t, c, MsgState)

	s.incoming <- clientEvent{client: c, msg: ClientMessage{Type: MsgDiscard}}
	if d := expectMsg(t, c, MsgDiscarded); !d.WasActive {
		t.Error("first discard should report wasActive")
	}
	expectMsg(t, c, MsgState)

	s.incoming <- clientEvent{client: c, msg: ClientMessage{Type: MsgDiscard}}
	if d := expectMsg(t, c, MsgDiscarded); d.WasActive {
		t.Error("second discard should be a no-op")
	}
	if st := expectMsg(t, c, MsgState); st.Active {
		t.Errorf("state after discard: %+v", st)
	}
}

func TestSession_StylesUpdateLivePanels(t *testing.T) {
	s, _ := startSession(t, "<p>x</p>")
	a := mockClient("a", PanelEditable)
	b := mockClient("b", PanelSandbox)
	joinReady(t, s, a)
	joinReady(t, s, b)

	rules := []style.Rule{{Selector: "p", Declarations: map[string]string{"fontSize": "20px"}}}
	s.incoming <- clientEvent{client: a, msg: ClientMessage{Type: MsgStyles, Rules: rules}}

	for _, c := range []*Client{a, b} {
		msg := expectMsg(t, c, MsgStyle)
		if msg.CSS == nil || !contains(*msg.CSS, "font-size: 20px !important;") {
			t.Errorf("%s: unexpected css %v", c.ID, msg.CSS)
		}
		expectQuiet(t, c)
	}
}

func TestSession_StaleReadyIgnored(t *testing.T) {
	s, _ := startSession(t, "<p>old</p>")
	sb := mockClient("sb", PanelSandbox)
	s.join <- sb
	first := expectMsg(t, sb, MsgRender)
	expectMsg(t, sb, MsgState)

	s.incoming <- clientEvent{client: sb, msg: ClientMessage{Type: MsgActivate, Content: "<p>a</p>", Regions: 1}}
	second := expectMsg(t, sb, MsgRender)
	expectMsg(t, sb, MsgState)

	s.incoming <- clientEvent{client: sb, msg: ClientMessage{Type: MsgReady, Seq: first.Seq}}
	expectQuiet(t, sb)
	s.incoming <- clientEvent{client: sb, msg: ClientMessage{Type: MsgReady, Seq: second.Seq}}
	expectMsg(t, sb, MsgStyle)
}

func TestSession_LeaveDetaches(t *testing.T) {
	s, _ := startSession(t, "<p>x</p>")
	a := mockClient("a", PanelEditable)
	b := mockClient("b", PanelSandbox)
	seqA := joinReady(t, s, a)
	joinReady(t, s, b)

	s.leave <- b
	// The send channel is closed on leave.
	select {
	case _, ok := <-b.send:
		if ok {
			t.Fatal("expected closed send channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close")
	}

	s.incoming <- clientEvent{client: a, msg: ClientMessage{Type: MsgScroll, Seq: seqA, Position: 500}}
	expectQuiet(t, a)
}

func TestSession_ApplyStoreFailureKeepsProposal(t *testing.T) {
	st := store.NewMemoryStore()
	// The session's document was never persisted, so recording the revision fails.
	s := newSession(store.DocumentInfo{ID: "ghost", Content: "<p>x</p>"}, st, testOptions())
	go s.Run()
	defer close(s.stop)

	c := mockClient("c", PanelSandbox)
	joinReady(t, s, c)
	s.incoming <- clientEvent{client: c, msg: ClientMessage{Type: MsgActivate, Content: "<p>y</p>", Regions: 1}}
	expectMsg(t, c, MsgRender)
	expectMsg(t, c, MsgState)

	s.incoming <- clientEvent{client: c, msg: ClientMessage{Type: MsgApply}}
	if e := expectMsg(t, c, MsgError); !contains(e.Message, "not found") {
		t.Errorf("unexpected error: %q", e.Message)
	}
	expectQuiet(t, c)

	// The proposal survives and can still be discarded.
	s.incoming <- clientEvent{client: c, msg: ClientMessage{Type: MsgDiscard}}
	expectMsg(t, c, MsgRender)
	if d := expectMsg(t, c, MsgDiscarded); !d.WasActive {
		t.Error("proposal should still be active after failed apply")
	}
}

func TestSession_ReloadRestoresSharedPosition(t *testing.T) {
	s, _ := startSession(t, "<p>old</p>")
	ed := mockClient("ed", PanelEditable)
	sb := mockClient("sb", PanelSandbox)
	seqEd := joinReady(t, s, ed)
	joinReady(t, s, sb)

	s.incoming <- clientEvent{client: ed, msg: ClientMessage{Type: MsgScroll, Seq: seqEd, Position: 300}}
	expectMsg(t, sb, MsgScrollTo)

	s.incoming <- clientEvent{client: ed, msg: ClientMessage{Type: MsgActivate, Content: "<p>new</p>", Regions: 1}}
	expectMsg(t, sb, MsgRender)
	expectMsg(t, sb, MsgState)
	expectMsg(t, ed, MsgState)

	s.incoming <- clientEvent{client: sb, msg: ClientMessage{Type: MsgApply}}
	edRender := expectMsg(t, ed, MsgRender)
	expectMsg(t, ed, MsgApplied)
	expectMsg(t, ed, MsgState)
	sbRender := expectMsg(t, sb, MsgRender)
	expectMsg(t, sb, MsgApplied)
	expectMsg(t, sb, MsgState)

	// The panel the user scrolled comes back where it was, and so does
	// the one that followed it.
	for _, tc := range []struct {
		c   *Client
		seq uint64
	}{{ed, edRender.Seq}, {sb, sbRender.Seq}} {
		s.incoming <- clientEvent{client: tc.c, msg: ClientMessage{Type: MsgReady, Seq: tc.seq}}
		expectMsg(t, tc.c, MsgStyle)
		if to := expectMsg(t, tc.c, MsgScrollTo); to.Position != 300 {
			t.Errorf("%s: position = %v, want 300", tc.c.ID, to.Position)
		}
	}
}

func TestSession_ClientOfAnotherSessionRejected(t *testing.T) {
	s1, _ := startSession(t, "<p>one</p>")
	s2, _ := startSession(t, "<p>two</p>")

	c := mockClient("c", PanelEditable)
	joinReady(t, s1, c)

	s2.join <- c
	if e := expectMsg(t, c, MsgError); !contains(e.Message, "already joined") {
		t.Errorf("unexpected error: %q", e.Message)
	}
	s2.incoming <- clientEvent{client: c, msg: ClientMessage{Type: MsgScroll, Position: 10}}
	expectMsg(t, c, MsgError)

	// Leaving s1 closes c's channel; s2 must never write to it.
	s1.leave <- c
	for range c.send {
	}
	d := mockClient("d", PanelSandbox)
	seqD := joinReady(t, s2, d)
	s2.incoming <- clientEvent{client: d, msg: ClientMessage{Type: MsgScroll, Seq: seqD, Position: 400}}
	s2.incoming <- clientEvent{client: d, msg: ClientMessage{Type: MsgDiscard}}
	expectMsg(t, d, MsgDiscarded)
}

func TestSession_FailedMountIsNotRegistered(t *testing.T) {
	s, _ := startSession(t, "<p>x</p>")

	// Nothing reads this channel, so the render cannot be queued.
	stuck := &Client{ID: "stuck", panel: PanelEditable, send: make(chan []byte), joining: true}
	s.join <- stuck
	ok := mockClient("ok", PanelSandbox)
	seq := joinReady(t, s, ok)

	if got := testutil.ToFloat64(s.opts.Metrics.PanelsActive); got != 1 {
		t.Errorf("panels active = %v, want 1", got)
	}
	stuck.mu.Lock()
	joined, joining := stuck.session, stuck.joining
	stuck.mu.Unlock()
	if joined != nil || joining {
		t.Errorf("stuck client state: session=%v joining=%v", joined, joining)
	}

	// The failed panel is not a broadcast target.
	s.incoming <- clientEvent{client: ok, msg: ClientMessage{Type: MsgScroll, Seq: seq, Position: 90}}
	s.incoming <- clientEvent{client: ok, msg: ClientMessage{Type: MsgDiscard}}
	expectMsg(t, ok, MsgDiscarded)
}

func TestClient_SecondJoinRejectedWhilePending(t *testing.T) {
	hub := NewHub(store.NewMemoryStore(), Options{})
	c := mockClient("c", "")
	c.hub = hub

	c.route(ClientMessage{Type: MsgJoin, DocID: "a", Panel: PanelEditable})
	c.route(ClientMessage{Type: MsgJoin, DocID: "b", Panel: PanelSandbox})

	if e := expectMsg(t, c, MsgError); !contains(e.Message, "already joined") {
		t.Errorf("unexpected error: %q", e.Message)
	}
	if n := len(hub.joinDoc); n != 1 {
		t.Errorf("queued joins = %d, want 1", n)
	}
	if got := c.panelKind(); got != PanelEditable {
		t.Errorf("panel = %q, want %q", got, PanelEditable)
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }
