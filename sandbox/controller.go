// Package sandbox holds a proposed replacement for a canonical document and
// moves it through activate, apply and discard.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/alimasry/go-sandbox-preview/surface"
)

// Document is opaque markup text.
type Document = surface.Document

// State is a snapshot of the sandbox.
type State struct {
	Active          bool     `json:"active"`
	Proposed        Document `json:"-"`
	ModifiedRegions int      `json:"regions"`
}

// EventKind names a transition reported to the host.
type EventKind string

const (
	EventActivated EventKind = "activated"
	EventApplied   EventKind = "applied"
	EventDiscarded EventKind = "discarded"
)

// Event is delivered to the host once per Activate, Apply or Discard call
// that returns without error.
type Event struct {
	Kind EventKind
	// WasActive is false for a discard of an already inactive sandbox.
	WasActive bool
	State     State
}

// MergeFunc hands the proposed document to whoever owns the canonical one.
type MergeFunc func(ctx context.Context, proposed Document) error

// Editor is the canonical-document owner.
type Editor interface {
	GetContent(ctx context.Context) (Document, error)
	SetContent(ctx context.Context, doc Document) error
}

// MergeInto returns a MergeFunc that replaces the editor's content.
func MergeInto(e Editor) MergeFunc {
	return func(ctx context.Context, proposed Document) error {
		return e.SetContent(ctx, proposed)
	}
}

// Controller owns the sandbox state. It is safe for concurrent use; the
// merge callback runs with the controller locked and must not call back
// into it.
type Controller struct {
	mu     sync.Mutex
	state  State
	notify func(Event)
	log    *zap.Logger
}

// NewController returns an inactive controller. notify, if non-nil,
// receives one Event per successful call.
func NewController(log *zap.Logger, notify func(Event)) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{notify: notify, log: log}
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether a proposal is in flight.
func (c *Controller) Active() bool {
	return c.State().Active
}

// Activate stores a proposal. Only one proposal may be in flight.
func (c *Controller) Activate(proposed Document, modifiedRegions int) error {
	if modifiedRegions < 0 {
		return fmt.Errorf("sandbox activate: negative region count %d", modifiedRegions)
	}
	c.mu.Lock()
	if c.state.Active {
		c.mu.Unlock()
		return &InvalidStateError{Op: "activate", Active: true}
	}
	c.state = State{Active: true, Proposed: proposed, ModifiedRegions: modifiedRegions}
	st := c.state
	c.mu.Unlock()

	c.log.Info("sandbox activated", zap.Int("regions", modifiedRegions), zap.Int("bytes", len(proposed)))
	c.emit(Event{Kind: EventActivated, WasActive: true, State: st})
	return nil
}

// Apply merges the proposal through merge and clears the sandbox. If merge
// fails the proposal stays active so the caller can retry or discard.
func (c *Controller) Apply(ctx context.Context, merge MergeFunc) error {
	if merge == nil {
		return errors.New("sandbox apply: nil merge func")
	}
	c.mu.Lock()
	if !c.state.Active {
		c.mu.Unlock()
		return &InvalidStateError{Op: "apply", Active: false}
	}
	if err := merge(ctx, c.state.Proposed); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("sandbox apply: merge: %w", err)
	}
	regions := c.state.ModifiedRegions
	c.state = State{}
	c.mu.Unlock()

	c.log.Info("sandbox applied", zap.Int("regions", regions))
	c.emit(Event{Kind: EventApplied, WasActive: true})
	return nil
}

// Discard drops the proposal. Discarding an inactive sandbox is a no-op,
// still reported to the host.
func (c *Controller) Discard() {
	c.mu.Lock()
	was := c.state.Active
	c.state = State{}
	c.mu.Unlock()

	if was {
		c.log.Info("sandbox discarded")
	}
	c.emit(Event{Kind: EventDiscarded, WasActive: was})
}

func (c *Controller) emit(ev Event) {
	if c.notify != nil {
		c.notify(ev)
	}
}
