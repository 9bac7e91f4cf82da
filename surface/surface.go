package surface

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/alimasry/go-sandbox-preview/style"
)

// DefaultDeadZone is the scroll distance below which an external position is
// treated as already held.
const DefaultDeadZone = 2.0

// Options configures a Surface.
type Options struct {
	Compiler    *style.Compiler
	DeadZone    float64
	MarkerLabel string
	Logger      *zap.Logger

	// OnScroll receives user-driven scroll offsets from the context.
	OnScroll func(pos float64)
	// OnReady fires each time the context finishes (re)initializing.
	OnReady func(rc Context)
	// OnSuppressed fires when an external position falls inside the dead
	// zone and is not applied.
	OnSuppressed func(pos float64)

	// Dispatch runs context callbacks on the host's event loop. Nil runs
	// them inline.
	Dispatch func(func())
}

// Props are the declarative inputs of a surface.
type Props struct {
	Document    Document
	StyleRules  []style.Rule
	ShowMarkers bool
	// ExternalScroll is the shared position to adopt, if any. After a
	// reload the surface returns to the latest of this and its own
	// user-reported offset.
	ExternalScroll *float64
}

// Surface projects Props onto a rendering Context. Content and marker
// changes reinitialize the context; style and scroll changes are applied to
// the live context.
//
// A Surface is not safe for concurrent use. All calls and all dispatched
// callbacks must happen on one goroutine.
type Surface struct {
	id   string
	rc   Context
	opts Options
	log  *zap.Logger

	doc         Document
	rules       []style.Rule
	css         string
	showMarkers bool
	external    *float64

	mounted bool
	ready   bool
	gen     uint64
	release func()

	// echo is the position last applied programmatically; the context's
	// scroll event for it is swallowed.
	echo *float64
}

// New creates an unmounted surface.
func New(id string, rc Context, opts Options) *Surface {
	if opts.DeadZone <= 0 {
		opts.DeadZone = DefaultDeadZone
	}
	if opts.Compiler == nil {
		opts.Compiler = style.NewCompiler(opts.Logger)
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(f func()) { f() }
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Surface{
		id:   id,
		rc:   rc,
		opts: opts,
		log:  log.With(zap.String("surface", id)),
	}
}

func (s *Surface) ID() string { return s.id }

// Ready reports whether the context has signalled readiness since the last
// (re)initialization.
func (s *Surface) Ready() bool { return s.ready }

// Mounted reports whether Mount has been called without a matching Unmount.
func (s *Surface) Mounted() bool { return s.mounted }

// Document returns the document currently projected.
func (s *Surface) Document() Document { return s.doc }

// StyleText returns the compiled override text currently in effect.
func (s *Surface) StyleText() string { return s.css }

// ShowMarkers reports whether modified-region markers are rendered.
func (s *Surface) ShowMarkers() bool { return s.showMarkers }

// Mount initializes the context from props.
func (s *Surface) Mount(ctx context.Context, p Props) error {
	s.mounted = true
	s.doc = p.Document
	s.showMarkers = p.ShowMarkers
	s.rules = style.Clone(p.StyleRules)
	s.css = s.opts.Compiler.Compile(s.rules)
	if p.ExternalScroll != nil {
		pos := *p.ExternalScroll
		s.external = &pos
	}
	return s.reload(ctx)
}

// Update applies new props, reinitializing only when the document or the
// marker flag changed.
func (s *Surface) Update(ctx context.Context, p Props) error {
	if !s.mounted {
		return s.Mount(ctx, p)
	}
	if err := s.SetStyleRules(ctx, p.StyleRules); err != nil {
		return err
	}
	if p.Document != s.doc || p.ShowMarkers != s.showMarkers {
		s.doc = p.Document
		s.showMarkers = p.ShowMarkers
		if err := s.reload(ctx); err != nil {
			return err
		}
	}
	if p.ExternalScroll != nil {
		if _, err := s.SetExternalScroll(ctx, *p.ExternalScroll); err != nil {
			return err
		}
	}
	return nil
}

// SetDocument swaps the projected document.
func (s *Surface) SetDocument(ctx context.Context, doc Document) error {
	if s.mounted && doc == s.doc {
		return nil
	}
	s.doc = doc
	if !s.mounted {
		return nil
	}
	return s.reload(ctx)
}

// SetShowMarkers toggles modified-region markers.
func (s *Surface) SetShowMarkers(ctx context.Context, show bool) error {
	if s.mounted && show == s.showMarkers {
		return nil
	}
	s.showMarkers = show
	if !s.mounted {
		return nil
	}
	return s.reload(ctx)
}

// SetStyleRules recompiles rules and overwrites the injected style text in
// the live context.
func (s *Surface) SetStyleRules(ctx context.Context, rules []style.Rule) error {
	if style.Equal(rules, s.rules) {
		return nil
	}
	s.rules = style.Clone(rules)
	s.css = s.opts.Compiler.Compile(s.rules)
	if !s.ready {
		return nil
	}
	if err := s.rc.InjectStyle(ctx, s.css); err != nil {
		return fmt.Errorf("surface %s: inject style: %w", s.id, err)
	}
	return nil
}

// SetExternalScroll adopts a shared position. It reports whether the context
// was actually scrolled: positions inside the dead zone of the current
// offset are dropped, and so is everything before the context is ready
// (the latest position is applied on ready instead).
func (s *Surface) SetExternalScroll(ctx context.Context, pos float64) (bool, error) {
	pos = math.Max(0, pos)
	s.external = &pos
	if !s.ready {
		return false, nil
	}
	cur, err := s.rc.ScrollOffset(ctx)
	if err != nil {
		return false, fmt.Errorf("surface %s: read scroll offset: %w", s.id, err)
	}
	if math.Abs(pos-cur) <= s.opts.DeadZone {
		if s.opts.OnSuppressed != nil {
			s.opts.OnSuppressed(pos)
		}
		return false, nil
	}
	return true, s.scrollTo(ctx, pos)
}

// Unmount releases the scroll listener. Events still in flight from the
// context are ignored.
func (s *Surface) Unmount() {
	s.dropListener()
	s.mounted = false
	s.ready = false
	s.gen++
}

func (s *Surface) reload(ctx context.Context) error {
	s.dropListener()
	s.ready = false
	s.gen++
	gen := s.gen

	payload, err := BuildPayload(s.doc, PayloadOptions{
		Overrides:   s.css,
		ShowMarkers: s.showMarkers,
		MarkerLabel: s.opts.MarkerLabel,
	})
	if err != nil {
		return fmt.Errorf("surface %s: %w", s.id, err)
	}
	ready := func() {
		s.opts.Dispatch(func() { s.handleReady(ctx, gen) })
	}
	if err := s.rc.Load(ctx, payload, ready); err != nil {
		return fmt.Errorf("surface %s: load: %w", s.id, err)
	}
	return nil
}

func (s *Surface) handleReady(ctx context.Context, gen uint64) {
	if !s.mounted || gen != s.gen || s.ready {
		return
	}
	s.ready = true

	if err := s.rc.InjectStyle(ctx, s.css); err != nil {
		s.log.Warn("inject style on ready", zap.Error(err))
	}
	s.release = s.rc.ListenScroll(func(pos float64) {
		s.opts.Dispatch(func() { s.handleScroll(gen, pos) })
	})
	if s.external != nil && *s.external > 0 {
		if err := s.scrollTo(ctx, *s.external); err != nil {
			s.log.Warn("apply initial scroll", zap.Error(err))
		}
	}
	if s.opts.OnReady != nil {
		s.opts.OnReady(s.rc)
	}
}

func (s *Surface) handleScroll(gen uint64, pos float64) {
	if !s.ready || gen != s.gen {
		return
	}
	if s.echo != nil {
		applied := *s.echo
		s.echo = nil
		if math.Abs(pos-applied) <= s.opts.DeadZone {
			return
		}
	}
	// A reload restores where the user left the context.
	held := pos
	s.external = &held
	if s.opts.OnScroll != nil {
		s.opts.OnScroll(pos)
	}
}

func (s *Surface) scrollTo(ctx context.Context, pos float64) error {
	applied := pos
	s.echo = &applied
	if err := s.rc.ScrollTo(ctx, pos); err != nil {
		s.echo = nil
		return fmt.Errorf("surface %s: scroll: %w", s.id, err)
	}
	return nil
}

func (s *Surface) dropListener() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
	s.echo = nil
}
