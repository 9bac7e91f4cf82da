package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memEditor struct {
	content Document
	sets    int
	fail    error
}

func (e *memEditor) GetContent(context.Context) (Document, error) { return e.content, nil }

func (e *memEditor) SetContent(_ context.Context, doc Document) error {
	if e.fail != nil {
		return e.fail
	}
	e.sets++
	e.content = doc
	return nil
}

func newRecorded() (*Controller, *[]Event) {
	var events []Event
	c := NewController(nil, func(ev Event) { events = append(events, ev) })
	return c, &events
}

func TestController_ApplyForwardsProposal(t *testing.T) {
	c, events := newRecorded()
	require.NoError(t, c.Activate("<p>x</p>", 1))

	var calls []Document
	err := c.Apply(context.Background(), func(_ context.Context, doc Document) error {
		calls = append(calls, doc)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []Document{"<p>x</p>"}, calls)
	st := c.State()
	assert.False(t, st.Active)
	assert.Equal(t, 0, st.ModifiedRegions)
	assert.Equal(t, Document(""), st.Proposed)

	require.Len(t, *events, 2)
	assert.Equal(t, EventActivated, (*events)[0].Kind)
	assert.Equal(t, 1, (*events)[0].State.ModifiedRegions)
	assert.Equal(t, EventApplied, (*events)[1].Kind)
}

func TestController_ApplyWhileInactive(t *testing.T) {
	c, events := newRecorded()
	called := false
	err := c.Apply(context.Background(), func(context.Context, Document) error {
		called = true
		return nil
	})

	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "apply", ise.Op)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.False(t, called)
	assert.Empty(t, *events)
}

func TestController_ApplyTwice(t *testing.T) {
	c, _ := newRecorded()
	ed := &memEditor{content: "<p>old</p>"}
	require.NoError(t, c.Activate("<p>new</p>", 2))
	require.NoError(t, c.Apply(context.Background(), MergeInto(ed)))

	err := c.Apply(context.Background(), MergeInto(ed))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, ed.sets)
	assert.Equal(t, Document("<p>new</p>"), ed.content)
	assert.Equal(t, State{}, c.State())
}

func TestController_MergeFailureKeepsProposal(t *testing.T) {
	c, events := newRecorded()
	ed := &memEditor{fail: errors.New("store down")}
	require.NoError(t, c.Activate("<p>x</p>", 1))

	err := c.Apply(context.Background(), MergeInto(ed))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidState)
	assert.True(t, c.Active())
	assert.Len(t, *events, 1)
}

func TestController_DiscardIdempotent(t *testing.T) {
	c, events := newRecorded()
	require.NoError(t, c.Activate("<p>x</p>", 3))

	c.Discard()
	after := c.State()
	c.Discard()

	assert.Equal(t, after, c.State())
	assert.False(t, after.Active)
	require.Len(t, *events, 3)
	assert.Equal(t, Event{Kind: EventDiscarded, WasActive: true}, (*events)[1])
	assert.Equal(t, Event{Kind: EventDiscarded, WasActive: false}, (*events)[2])
}

func TestController_DoubleActivate(t *testing.T) {
	c, _ := newRecorded()
	require.NoError(t, c.Activate("<p>a</p>", 1))

	err := c.Activate("<p>b</p>", 2)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "activate", ise.Op)
	assert.True(t, ise.Active)
	assert.Equal(t, Document("<p>a</p>"), c.State().Proposed)

	// A new proposal is accepted after discard.
	c.Discard()
	require.NoError(t, c.Activate("<p>b</p>", 2))
}

func TestController_RejectsBadInput(t *testing.T) {
	c, _ := newRecorded()
	assert.Error(t, c.Activate("<p>x</p>", -1))
	assert.False(t, c.Active())

	require.NoError(t, c.Activate("<p>x</p>", 0))
	assert.Error(t, c.Apply(context.Background(), nil))
	assert.True(t, c.Active())
}

func TestInvalidStateError_Message(t *testing.T) {
	err := &InvalidStateError{Op: "activate", Active: true}
	assert.Equal(t, "sandbox activate: not allowed while active", err.Error())
	var nilErr *InvalidStateError
	assert.Equal(t, "", nilErr.Error())
}
