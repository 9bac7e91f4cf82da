package server

import (
	"encoding/json"

	"github.com/alimasry/go-sandbox-preview/style"
)

// Message types exchanged over WebSocket.
const (
	// client -> server
	MsgJoin     = "join"
	MsgReady    = "ready"
	MsgScroll   = "scroll"
	MsgActivate = "activate"
	MsgApply    = "apply"
	MsgDiscard  = "discard"
	MsgStyles   = "styles"

	// server -> client
	MsgRender    = "render"
	MsgStyle     = "style"
	MsgScrollTo  = "scrollTo"
	MsgState     = "state"
	MsgApplied   = "applied"
	MsgDiscarded = "discarded"
	MsgError     = "error"
)

// Panel kinds. An editable panel shows the canonical document; a sandbox
// panel shows the proposal while one is active.
const (
	PanelEditable = "editable"
	PanelSandbox  = "sandbox"
)

// ClientMessage is a message from a panel to the server.
type ClientMessage struct {
	Type     string       `json:"type"`
	DocID    string       `json:"docId,omitempty"`
	Panel    string       `json:"panel,omitempty"`
	Seq      uint64       `json:"seq,omitempty"`
	Position float64      `json:"position,omitempty"`
	Content  string       `json:"content,omitempty"`
	Regions  int          `json:"regions,omitempty"`
	Rules    []style.Rule `json:"rules,omitempty"`
}

// ServerMessage is a message from the server to a panel.
type ServerMessage struct {
	Type     string  `json:"type"`
	DocID    string  `json:"docId,omitempty"`
	ClientID string  `json:"clientId,omitempty"`
	Seq      uint64  `json:"seq,omitempty"`
	Payload  string  `json:"payload,omitempty"`
	CSS      *string `json:"css,omitempty"`
	Position float64 `json:"position"`
	Active   bool    `json:"active"`
	Regions  int     `json:"regions"`
	Version  int     `json:"version"`
	// WasActive distinguishes a real discard from a no-op one.
	WasActive bool   `json:"wasActive,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
