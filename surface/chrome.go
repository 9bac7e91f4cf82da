package surface

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// ErrChromeMissing is returned when no Chrome or Chromium binary is found.
var ErrChromeMissing = errors.New("chrome not installed")

const scrollBinding = "__sandboxScroll"

const rootOffsetJS = `Math.max(document.documentElement ? document.documentElement.scrollTop : 0, document.body ? document.body.scrollTop : 0)`

// FindChrome returns the first Chrome or Chromium binary on PATH.
func FindChrome() (string, error) {
	for _, name := range []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrChromeMissing
}

// ChromeContext is a rendering context backed by a headless Chrome tab.
// Each payload is loaded as a data URL, so the page runs with no origin and
// no access to the host.
type ChromeContext struct {
	tab    context.Context
	cancel context.CancelFunc

	// scrolls decouples listeners from chromedp's event reader, which
	// must never block.
	scrolls chan float64

	mu        sync.Mutex
	listeners map[int]func(float64)
	nextID    int
}

// NewChromeContext starts a headless browser using the binary at execPath
// (empty means FindChrome) and opens one tab.
func NewChromeContext(parent context.Context, execPath string) (*ChromeContext, error) {
	if execPath == "" {
		var err error
		if execPath, err = FindChrome(); err != nil {
			return nil, err
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1024, 768),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, opts...)
	tab, cancelTab := chromedp.NewContext(allocCtx)

	c := &ChromeContext{
		tab: tab,
		cancel: func() {
			cancelTab()
			cancelAlloc()
		},
		scrolls:   make(chan float64, 64),
		listeners: make(map[int]func(float64)),
	}
	go c.pump()

	chromedp.ListenTarget(tab, func(ev interface{}) {
		called, ok := ev.(*runtime.EventBindingCalled)
		if !ok || called.Name != scrollBinding {
			return
		}
		pos, err := strconv.ParseFloat(called.Payload, 64)
		if err != nil {
			return
		}
		select {
		case c.scrolls <- pos:
		default:
		}
	})

	if err := chromedp.Run(tab, runtime.AddBinding(scrollBinding)); err != nil {
		c.Close()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return c, nil
}

// Load navigates the tab to payload. ready fires from a background goroutine
// once the body exists and the scroll bridge is installed.
func (c *ChromeContext) Load(_ context.Context, payload string, ready func()) error {
	url := "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte(payload))
	bridge := fmt.Sprintf(`document.addEventListener('scroll', function () { %s(String(%s)); }, {capture: true, passive: true});`,
		scrollBinding, rootOffsetJS)

	go func() {
		ctx, cancel := context.WithTimeout(c.tab, 30*time.Second)
		defer cancel()
		err := chromedp.Run(ctx,
			chromedp.Navigate(url),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Evaluate(bridge, nil),
		)
		if err != nil {
			return
		}
		ready()
	}()
	return nil
}

func (c *ChromeContext) InjectStyle(_ context.Context, css string) error {
	lit, err := json.Marshal(css)
	if err != nil {
		return err
	}
	js := fmt.Sprintf(`(function (css) { var el = document.getElementById(%q); if (el) { el.textContent = css; } })(%s)`,
		StyleElementID, lit)
	return chromedp.Run(c.tab, chromedp.Evaluate(js, nil))
}

func (c *ChromeContext) ScrollOffset(_ context.Context) (float64, error) {
	var pos float64
	if err := chromedp.Run(c.tab, chromedp.Evaluate(rootOffsetJS, &pos)); err != nil {
		return 0, err
	}
	return pos, nil
}

func (c *ChromeContext) ScrollTo(_ context.Context, pos float64) error {
	js := fmt.Sprintf(`(function (p) { if (document.documentElement) { document.documentElement.scrollTop = p; } if (document.body) { document.body.scrollTop = p; } })(%s)`,
		strconv.FormatFloat(pos, 'f', -1, 64))
	return chromedp.Run(c.tab, chromedp.Evaluate(js, nil))
}

func (c *ChromeContext) ListenScroll(fn func(pos float64)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Screenshot captures the full page as PNG.
func (c *ChromeContext) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	runCtx, cancel := context.WithTimeout(c.tab, 30*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

// Close shuts down the tab and the browser.
func (c *ChromeContext) Close() error {
	c.cancel()
	return nil
}

func (c *ChromeContext) pump() {
	for {
		select {
		case pos := <-c.scrolls:
			c.emit(pos)
		case <-c.tab.Done():
			return
		}
	}
}

func (c *ChromeContext) emit(pos float64) {
	c.mu.Lock()
	fns := make([]func(float64), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(pos)
	}
}
