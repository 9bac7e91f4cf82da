// Package scroll keeps the scroll positions of several rendering surfaces in
// step. The last surface to report wins; receivers drop positions they
// already hold, which is what stops two mirrored surfaces from echoing each
// other forever.
package scroll

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"
)

// Receiver is a surface that can adopt a shared position. It reports
// whether the position was actually applied.
type Receiver interface {
	ID() string
	SetExternalScroll(ctx context.Context, pos float64) (bool, error)
}

// Synchronizer owns one shared scroll position for the lifetime of a
// comparison view.
type Synchronizer struct {
	mu        sync.Mutex
	position  float64
	source    string
	receivers map[string]Receiver
	order     []string
	log       *zap.Logger
}

func New(log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		receivers: make(map[string]Receiver),
		log:       log,
	}
}

// Attach adds r to the broadcast set. Attaching an id twice replaces the
// earlier receiver.
func (s *Synchronizer) Attach(r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.ID()
	if _, ok := s.receivers[id]; !ok {
		s.order = append(s.order, id)
	}
	s.receivers[id] = r
}

// Detach removes the receiver with the given id.
func (s *Synchronizer) Detach(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receivers[id]; !ok {
		return
	}
	delete(s.receivers, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.source == id {
		s.source = ""
	}
}

// Report records pos as the shared position, unconditionally.
func (s *Synchronizer) Report(sourceID string, pos float64) {
	s.mu.Lock()
	s.position = math.Max(0, pos)
	s.source = sourceID
	s.mu.Unlock()
}

// Position returns the shared position.
func (s *Synchronizer) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Source returns the id of the last reporter.
func (s *Synchronizer) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Broadcast pushes the shared position to every attached receiver except the
// last reporter. It returns the position and how many receivers actually
// scrolled.
func (s *Synchronizer) Broadcast(ctx context.Context) (pos float64, applied int) {
	s.mu.Lock()
	pos = s.position
	targets := make([]Receiver, 0, len(s.order))
	for _, id := range s.order {
		if id == s.source {
			continue
		}
		targets = append(targets, s.receivers[id])
	}
	s.mu.Unlock()

	for _, r := range targets {
		ok, err := r.SetExternalScroll(ctx, pos)
		if err != nil {
			s.log.Warn("broadcast scroll", zap.String("receiver", r.ID()), zap.Error(err))
			continue
		}
		if ok {
			applied++
		}
	}
	return pos, applied
}

// Sync reports pos from sourceID and broadcasts it.
func (s *Synchronizer) Sync(ctx context.Context, sourceID string, pos float64) (float64, int) {
	s.Report(sourceID, pos)
	return s.Broadcast(ctx)
}
