// Package httpctx runs work items as plain HTTP fetches through colly. Each
// slot owns a collector with its own cookie jar, so slots stay isolated the
// way browser tabs are. Pages that need JavaScript fail the render check in
// the extractor and are reported as item errors.
package httpctx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/browser"
	"github.com/JakeFAU/buybox-queue/internal/metrics"
	"github.com/JakeFAU/buybox-queue/internal/queue"
)

// Config controls collector behaviour.
type Config struct {
	UserAgent      string              `mapstructure:"user_agent"`
	Headers        map[string]string   `mapstructure:"headers"`
	RespectRobots  bool                `mapstructure:"respect_robots"`
	Timeout        time.Duration       `mapstructure:"timeout"`
	OpenPacing     browser.PacerConfig `mapstructure:"open_pacing"`
	NavigatePacing browser.PacerConfig `mapstructure:"navigate_pacing"`
}

const (
	defaultTimeout = 15 * time.Second
	openKey        = "open-collector"
)

type slotCollector struct {
	id        string
	slot      queue.SlotID
	collector *colly.Collector
	// visit increments per dispatch; a finished fetch only reports when it
	// is still the latest one.
	visit uint64
}

// Manager implements queue.ContextManager with one colly collector per slot.
type Manager struct {
	cfg       Config
	processor browser.Processor
	transport http.RoundTripper
	opening   *browser.Pacer
	pacing    *browser.Pacer
	logger    *zap.Logger

	base       context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	next       int
	collectors map[string]*slotCollector
	bySlot     map[queue.SlotID]string
	closed     chan queue.ContextHandle
	shut       bool
}

// New builds a Manager. transport may be nil to use a pooled default.
func New(cfg Config, processor browser.Processor, transport http.RoundTripper, logger *zap.Logger) (*Manager, error) {
	if processor == nil {
		return nil, errors.New("http context manager requires a processor")
	}
	if cfg.Timeout < 0 {
		return nil, errors.New("http timeout must be >= 0")
	}
	if transport == nil {
		transport = newHTTPTransport()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		processor:  processor,
		transport:  transport,
		logger:     logger.Named("httpctx"),
		base:       base,
		baseCancel: cancel,
		collectors: make(map[string]*slotCollector),
		bySlot:     make(map[queue.SlotID]string),
		closed:     make(chan queue.ContextHandle),
	}
	m.opening = browser.NewPacer(cfg.OpenPacing, metrics.ObservePacingDelay)
	m.pacing = browser.NewPacer(cfg.NavigatePacing, metrics.ObservePacingDelay)
	return m, nil
}

// Closed never delivers: collectors cannot be closed out of band.
func (m *Manager) Closed() <-chan queue.ContextHandle {
	return m.closed
}

// Acquire returns the slot's collector, creating one if needed.
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

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shut {
		return queue.ContextHandle{}, browser.ErrClosed
	}
	m.next++
	metrics.ObserveContextOpen("http", nil)
	sc := &slotCollector{
		id:        fmt.Sprintf("http-%d-%d", slot, m.next),
		slot:      slot,
		collector: m.newCollector(),
	}
	m.collectors[sc.id] = sc
	m.bySlot[slot] = sc.id
	return queue.ContextHandle{ID: sc.id, Slot: slot}, nil
}

// Dispatch fetches item in the background. Stale handles are rebound.
func (m *Manager) Dispatch(ctx context.Context, h queue.ContextHandle, item queue.WorkItem) (queue.ContextHandle, error) {
	m.mu.Lock()
	sc, ok := m.collectors[h.ID]
	m.mu.Unlock()
	if !ok {
		fresh, err := m.Acquire(ctx, h.Slot)
		if err != nil {
			return queue.ContextHandle{}, fmt.Errorf("rebind slot %d: %w", h.Slot, err)
		}
		h = fresh
		m.mu.Lock()
		sc, ok = m.collectors[h.ID]
		m.mu.Unlock()
		if !ok {
			return queue.ContextHandle{}, fmt.Errorf("rebind slot %d: collector vanished", h.Slot)
		}
	}

	m.mu.Lock()
	sc.visit++
	visit := sc.visit
	collector := sc.collector.Clone()
	m.mu.Unlock()

	go m.fetch(sc, visit, collector, item.Target)
	return h, nil
}

// Release forgets the collector. Unknown handles are ignored.
func (m *Manager) Release(_ context.Context, h queue.ContextHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.collectors[h.ID]
	if !ok {
		return nil
	}
	delete(m.collectors, sc.id)
	if m.bySlot[sc.slot] == sc.id {
		delete(m.bySlot, sc.slot)
	}
	sc.visit++
	return nil
}

// Close drops every collector and cancels pending signals.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shut {
		return nil
	}
	m.shut = true
	for _, sc := range m.collectors {
		sc.visit++
	}
	m.collectors = make(map[string]*slotCollector)
	m.bySlot = make(map[queue.SlotID]string)
	m.baseCancel()
	return nil
}

func (m *Manager) fetch(sc *slotCollector, visit uint64, collector *colly.Collector, target string) {
	var (
		body     []byte
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		for key, value := range m.cfg.Headers {
			r.Headers.Set(key, value)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		fetchErr = err
	})

	ctx, cancel := context.WithTimeout(m.base, m.timeout())
	defer cancel()
	err := m.pacing.Wait(ctx, browser.HostKey(target))
	if err == nil {
		err = collector.Visit(target)
	}
	if fetchErr != nil {
		err = fetchErr
	}

	if !m.current(sc, visit) {
		m.logger.Debug("fetch superseded", zap.String("target", target))
		return
	}
	if err != nil {
		metrics.ObservePage(target, "error", 0)
		if ferr := m.processor.Fail(m.base, target, fmt.Errorf("fetch %s: %w", target, err)); ferr != nil {
			m.logger.Warn("failure signal failed", zap.String("target", target), zap.Error(ferr))
		}
		return
	}
	metrics.ObservePage(target, "ok", len(body))
	if err := m.processor.Run(m.base, target, body); err != nil {
		m.logger.Warn("extraction signal failed", zap.String("target", target), zap.Error(err))
	}
}

func (m *Manager) current(sc *slotCollector, visit uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	live, ok := m.collectors[sc.id]
	return ok && live == sc && sc.visit == visit
}

// newCollector builds an isolated collector: NewCollector gives it its own
// cookie jar, while per-dispatch clones share it.
func (m *Manager) newCollector() *colly.Collector {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if m.cfg.UserAgent != "" {
		c.UserAgent = m.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !m.cfg.RespectRobots
	c.SetRequestTimeout(m.timeout())
	c.WithTransport(m.transport)
	return c
}

func (m *Manager) timeout() time.Duration {
	if m.cfg.Timeout > 0 {
		return m.cfg.Timeout
	}
	return defaultTimeout
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
