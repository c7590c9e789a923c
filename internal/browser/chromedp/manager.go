// Package chromectx runs work items in headless Chrome tabs. Each slot owns
// one tab that is reused across items; tabs closed out of band are reported
// on Closed so the engine can rebind or abort.
package chromectx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/browser"
	"github.com/JakeFAU/buybox-queue/internal/metrics"
	"github.com/JakeFAU/buybox-queue/internal/queue"
)

// Config controls the browser and its tabs.
type Config struct {
	ExecPath          string              `mapstructure:"exec_path"`
	Headless          bool                `mapstructure:"headless"`
	UserAgent         string              `mapstructure:"user_agent"`
	Headers           map[string]string   `mapstructure:"headers"`
	NavigationTimeout time.Duration       `mapstructure:"navigation_timeout"`
	RenderWait        time.Duration       `mapstructure:"render_wait"`
	OpenPacing        browser.PacerConfig `mapstructure:"open_pacing"`
	NavigatePacing    browser.PacerConfig `mapstructure:"navigate_pacing"`
}

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultRenderWait        = 500 * time.Millisecond
	openKey                  = "open-tab"
)

type tab struct {
	id     string
	slot   queue.SlotID
	ctx    context.Context
	cancel context.CancelFunc
	// work cancels the in-flight navigation, if any.
	work context.CancelFunc
}

// Manager implements queue.ContextManager on top of chromedp.
type Manager struct {
	cfg       Config
	processor browser.Processor
	opening   *browser.Pacer
	pacing    *browser.Pacer
	logger    *zap.Logger

	allocCancel context.CancelFunc
	allocCtx    context.Context

	// base outlives individual tabs and carries extraction signals.
	base       context.Context
	baseCancel context.CancelFunc

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabs          map[string]*tab
	bySlot        map[queue.SlotID]string
	released      map[string]struct{}
	closed        chan queue.ContextHandle
	shut          bool
}

// New builds a Manager. Chrome starts lazily on the first Acquire.
func New(cfg Config, processor browser.Processor, logger *zap.Logger) (*Manager, error) {
	if processor == nil {
		return nil, errors.New("chromedp manager requires a processor")
	}
	if cfg.NavigationTimeout < 0 || cfg.RenderWait < 0 {
		return nil, errors.New("chromedp timeouts must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	headless := any(false)
	if cfg.Headless {
		headless = "new"
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	base, baseCancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:         cfg,
		processor:   processor,
		logger:      logger.Named("chromedp"),
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		base:        base,
		baseCancel:  baseCancel,
		tabs:        make(map[string]*tab),
		bySlot:      make(map[queue.SlotID]string),
		released:    make(map[string]struct{}),
		closed:      make(chan queue.ContextHandle, 16),
	}
	m.opening = browser.NewPacer(cfg.OpenPacing, m.observeWait)
	m.pacing = browser.NewPacer(cfg.NavigatePacing, m.observeWait)
	return m, nil
}

// Closed reports tabs destroyed outside Release.
func (m *Manager) Closed() <-chan queue.ContextHandle {
	return m.closed
}

// Acquire returns the slot's live tab, opening one if needed.
func (m *Manager) Acquire(ctx context.Context, slot queue.SlotID) (queue.ContextHandle, error) {
	m.mu.Lock()
	if m.shut {
		m.mu.Unlock()
		return queue.ContextHandle{}, browser.ErrClosed
	}
	if id, ok := m.bySlot[slot]; ok {
		m.mu.Unlock()
		return queue.ContextHandle{ID: id, Slot: slot}, nil
	}
	m.mu.Unlock()

	if err := m.opening.Wait(ctx, openKey); err != nil {
		return queue.ContextHandle{}, err
	}
	parent, err := m.ensureBrowser()
	if err != nil {
		return queue.ContextHandle{}, err
	}

	tabCtx, cancel := chromedp.NewContext(parent)
	err = chromedp.Run(tabCtx, m.setupAction())
	metrics.ObserveContextOpen("chromedp", err)
	if err != nil {
		cancel()
		return queue.ContextHandle{}, fmt.Errorf("open tab for slot %d: %w", slot, err)
	}
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		cancel()
		return queue.ContextHandle{}, fmt.Errorf("open tab for slot %d: no target", slot)
	}
	t := &tab{id: string(c.Target.TargetID), slot: slot, ctx: tabCtx, cancel: cancel}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shut {
		cancel()
		return queue.ContextHandle{}, browser.ErrClosed
	}
	m.tabs[t.id] = t
	m.bySlot[slot] = t.id
	m.logger.Debug("tab opened", zap.String("tab", t.id), zap.Int("slot", int(slot)))
	return queue.ContextHandle{ID: t.id, Slot: slot}, nil
}

// Dispatch starts item in the handle's tab and returns at once. A handle
// whose tab is gone is rebound to a fresh tab for the same slot.
func (m *Manager) Dispatch(ctx context.Context, h queue.ContextHandle, item queue.WorkItem) (queue.ContextHandle, error) {
	t := m.lookup(h.ID)
	if t == nil {
		m.logger.Info("stale tab handle, reopening", zap.String("tab", h.ID), zap.Int("slot", int(h.Slot)))
		fresh, err := m.Acquire(ctx, h.Slot)
		if err != nil {
			return queue.ContextHandle{}, fmt.Errorf("rebind slot %d: %w", h.Slot, err)
		}
		h = fresh
		if t = m.lookup(h.ID); t == nil {
			return queue.ContextHandle{}, fmt.Errorf("rebind slot %d: tab vanished", h.Slot)
		}
	}

	workCtx, cancel := context.WithTimeout(t.ctx, m.navTimeout())
	m.mu.Lock()
	if t.work != nil {
		t.work()
	}
	t.work = cancel
	m.mu.Unlock()

	go m.visit(workCtx, cancel, item.Target)
	return h, nil
}

// Release closes the tab. Unknown handles are ignored.
func (m *Manager) Release(_ context.Context, h queue.ContextHandle) error {
	m.mu.Lock()
	t, ok := m.tabs[h.ID]
	var work context.CancelFunc
	if ok {
		m.forgetLocked(t)
		m.released[t.id] = struct{}{}
		work = t.work
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if work != nil {
		work()
	}
	t.cancel()
	m.logger.Debug("tab released", zap.String("tab", t.id))
	return nil
}

// Close shuts the browser down.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.shut {
		m.mu.Unlock()
		return nil
	}
	m.shut = true
	tabs := make([]*tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		tabs = append(tabs, t)
		m.released[t.id] = struct{}{}
	}
	m.tabs = make(map[string]*tab)
	m.bySlot = make(map[queue.SlotID]string)
	browserCancel := m.browserCancel
	m.mu.Unlock()

	for _, t := range tabs {
		t.cancel()
	}
	m.baseCancel()
	if browserCancel != nil {
		browserCancel()
	}
	m.allocCancel()
	return nil
}

func (m *Manager) visit(ctx context.Context, cancel context.CancelFunc, rawURL string) {
	defer cancel()
	if err := m.pacing.Wait(ctx, browser.HostKey(rawURL)); err != nil {
		m.report(ctx, rawURL, err)
		return
	}
	var html string
	err := chromedp.Run(ctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(m.renderWait()),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		metrics.ObservePage(rawURL, "error", 0)
		m.report(ctx, rawURL, fmt.Errorf("render %s: %w", rawURL, err))
		return
	}
	metrics.ObservePage(rawURL, "ok", len(html))
	if err := m.processor.Run(m.base, rawURL, []byte(html)); err != nil {
		m.logger.Warn("extraction signal failed", zap.String("target", rawURL), zap.Error(err))
	}
}

// report signals a failed visit unless the tab was released or replaced,
// in which case the engine has already moved on.
func (m *Manager) report(ctx context.Context, rawURL string, err error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		m.logger.Debug("visit abandoned", zap.String("target", rawURL))
		return
	}
	if ferr := m.processor.Fail(m.base, rawURL, err); ferr != nil {
		m.logger.Warn("failure signal failed", zap.String("target", rawURL), zap.Error(ferr))
	}
}

// ensureBrowser starts Chrome once and subscribes to target destruction.
func (m *Manager) ensureBrowser() (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shut {
		return nil, browser.ErrClosed
	}
	if m.browserCtx != nil {
		return m.browserCtx, nil
	}
	browserCtx, cancel := chromedp.NewContext(m.allocCtx)
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		if err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, c.Browser)); err != nil {
			return fmt.Errorf("discover targets: %w", err)
		}
		return nil
	}))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	chromedp.ListenBrowser(browserCtx, m.handleBrowserEvent)
	m.browserCtx, m.browserCancel = browserCtx, cancel
	m.logger.Info("chrome started")
	return browserCtx, nil
}

func (m *Manager) handleBrowserEvent(ev any) {
	if destroyed, ok := ev.(*target.EventTargetDestroyed); ok {
		m.targetGone(string(destroyed.TargetID))
	}
}

// targetGone runs on the chromedp event goroutine and must not block.
func (m *Manager) targetGone(id string) {
	m.mu.Lock()
	if _, ok := m.released[id]; ok {
		delete(m.released, id)
		m.mu.Unlock()
		return
	}
	t, ok := m.tabs[id]
	var work context.CancelFunc
	if ok {
		m.forgetLocked(t)
		work = t.work
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Warn("tab closed externally", zap.String("tab", id), zap.Int("slot", int(t.slot)))
	if work != nil {
		work()
	}
	t.cancel()
	handle := queue.ContextHandle{ID: id, Slot: t.slot}
	select {
	case m.closed <- handle:
	default:
		go func() {
			select {
			case m.closed <- handle:
			case <-m.base.Done():
			}
		}()
	}
}

func (m *Manager) lookup(id string) *tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tabs[id]
}

func (m *Manager) forgetLocked(t *tab) {
	delete(m.tabs, t.id)
	if m.bySlot[t.slot] == t.id {
		delete(m.bySlot, t.slot)
	}
}

func (m *Manager) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if m.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(m.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(m.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(m.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (m *Manager) observeWait(key string, waited time.Duration) {
	m.logger.Debug("paced", zap.String("key", key), zap.Duration("waited", waited))
	metrics.ObservePacingDelay(key, waited)
}

func (m *Manager) navTimeout() time.Duration {
	if m.cfg.NavigationTimeout > 0 {
		return m.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

func (m *Manager) renderWait() time.Duration {
	if m.cfg.RenderWait > 0 {
		return m.cfg.RenderWait
	}
	return defaultRenderWait
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := network.Headers{}
	for key, value := range h {
		if value == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
