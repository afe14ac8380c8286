// Package browser wraps go-rod behind the Automation capability used by
// discovery and form filling.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"formsync/internal/config"
)

// Manager owns the Chrome instance and the single browser context all
// pages of a run share, so extra discovery pages inherit the login cookies.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu         sync.Mutex
	browser    *rod.Browser
	context    *rod.Browser
	primary    *Page
	controlURL string
}

func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.logger.Warn("stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser, m.context, m.primary = nil, nil, nil
		m.controlURL = ""
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(m.cfg.IsHeadless())
		if len(m.cfg.Launch) > 0 {
			l = l.Bin(m.cfg.Launch[0])
			for _, rawFlag := range m.cfg.Launch[1:] {
				flagStr := strings.TrimLeft(rawFlag, "-")
				name, val, hasVal := strings.Cut(flagStr, "=")
				if hasVal {
					l = l.Set(flags.Flag(name), val)
				} else {
					l = l.Set(flags.Flag(name))
				}
			}
		}
		url, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	incognito, err := browser.Incognito()
	if err != nil {
		_ = browser.Close()
		return fmt.Errorf("incognito context: %w", err)
	}

	m.browser = browser
	m.context = incognito
	m.controlURL = controlURL
	m.logger.Info("browser connected", zap.String("control_url", controlURL))
	return nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *Manager) ControlURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}

// Primary returns the page the run's session lives on, creating it on first use.
func (m *Manager) Primary(ctx context.Context) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.primary != nil {
		return m.primary, nil
	}
	p, err := m.openLocked(ctx)
	if err != nil {
		return nil, err
	}
	m.primary = p
	return p, nil
}

// NewPage opens an extra page in the shared context. It implements PageFactory.
func (m *Manager) NewPage(ctx context.Context) (Automation, func(), error) {
	m.mu.Lock()
	p, err := m.openLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	return p, func() { _ = p.page.Close() }, nil
}

func (m *Manager) openLocked(ctx context.Context) (*Page, error) {
	if m.context == nil {
		return nil, ErrNotConnected
	}

	var (
		page *rod.Page
		err  error
	)
	if m.cfg.Stealth {
		page, err = stealth.Page(m.context)
	} else {
		page, err = m.context.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		m.logger.Warn("failed to set viewport", zap.Error(err))
	}

	id := uuid.NewString()
	m.logger.Debug("page opened", zap.String("page_id", id), zap.String("target_id", string(page.TargetID)))
	return &Page{
		id:                id,
		page:              page,
		navigationTimeout: m.cfg.NavigationTimeout(),
		elementTimeout:    m.cfg.ElementTimeout(),
		logger:            m.logger.With(zap.String("page_id", id)),
	}, nil
}

// Shutdown closes the browser and forgets all pages.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.browser != nil {
		err = m.browser.Close()
	}
	m.browser, m.context, m.primary = nil, nil, nil
	m.controlURL = ""
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	m.logger.Info("browser shutdown complete")
	return nil
}
