// Package discovery reads the structure of the remote form and location
// tree from a live page. It never caches; structcache owns persistence.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"formsync/internal/browser"
	"formsync/internal/config"
	"formsync/internal/fault"
	"formsync/internal/structcache"
)

// SinglePage is the tab id used for forms without tab navigation.
const SinglePage = "Page1"

var errEmptyTab = errors.New("no addressable fields")

// PartialError reports tabs that could not be read while others succeeded.
// The accompanying inventory holds only the successful tabs.
type PartialError struct {
	Failed map[string]error
}

func (e *PartialError) Error() string {
	tabs := e.Tabs()
	parts := make([]string, 0, len(tabs))
	for _, t := range tabs {
		parts = append(parts, fmt.Sprintf("%s: %v", t, e.Failed[t]))
	}
	return "partial discovery: " + strings.Join(parts, "; ")
}

// Tabs returns the failed tab ids, sorted.
func (e *PartialError) Tabs() []string {
	out := make([]string, 0, len(e.Failed))
	for t := range e.Failed {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// PageSetup brings a freshly opened page to the form loaded on the primary
// page.
type PageSetup func(ctx context.Context, page browser.Automation) error

// Discoverer walks the remote UI through an Automation.
type Discoverer struct {
	page           browser.Automation
	pages          browser.PageFactory
	setup          PageSetup
	target         config.TargetConfig
	cfg            config.DiscoveryConfig
	elementTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithPageFactory enables parallel tab reads on extra pages. Each page is
// prepared by setup; without one, tabs are read sequentially because the
// form selection cannot be reached by URL.
func WithPageFactory(f browser.PageFactory, setup PageSetup) Option {
	return func(d *Discoverer) {
		d.pages = f
		d.setup = setup
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Discoverer) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the discovery timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Discoverer) { d.now = now }
}

// WithElementTimeout bounds waits for fixed UI chrome.
func WithElementTimeout(t time.Duration) Option {
	return func(d *Discoverer) { d.elementTimeout = t }
}

// New creates a Discoverer driving page.
func New(page browser.Automation, target config.TargetConfig, cfg config.DiscoveryConfig, opts ...Option) *Discoverer {
	d := &Discoverer{
		page:           page,
		target:         target,
		cfg:            cfg,
		elementTimeout: 5 * time.Second,
		logger:         zap.NewNop(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DiscoverTabs lists the tabs of the form currently loaded on the page.
// A form without tab navigation is one tab covering the whole form root.
func (d *Discoverer) DiscoverTabs(ctx context.Context) ([]Tab, error) {
	single := []Tab{{ID: SinglePage, Label: SinglePage, Scope: d.target.Selectors.FormRoot}}

	raw, err := d.page.ReadDOM(ctx, d.target.Selectors.Tabs)
	switch {
	case errors.Is(err, browser.ErrSelectorNotFound):
		d.logger.Debug("No tab navigation, treating form as single page")
		return single, nil
	case err != nil:
		return nil, fault.New(fault.TagDiscoveryUnavailable, "discover tabs", err)
	}

	tabs, err := parseTabs(raw)
	if err != nil {
		return nil, fault.New(fault.TagDiscoveryUnavailable, "discover tabs", err)
	}
	if len(tabs) == 0 {
		return single, nil
	}
	return tabs, nil
}

type tabResult struct {
	fields []structcache.FormFieldDescriptor
	err    error
}

// DiscoverFields builds the field inventory of the loaded form. When only is
// non-empty just those tabs are read. Failing tabs yield a *PartialError
// alongside the inventory of the rest; if every tab fails the error is a
// DiscoveryUnavailable fault.
func (d *Discoverer) DiscoverFields(ctx context.Context, program string, only ...string) (structcache.FieldInventory, error) {
	inv := structcache.FieldInventory{Program: program}

	tabs, err := d.DiscoverTabs(ctx)
	if err != nil {
		return inv, err
	}
	if len(only) > 0 {
		tabs = filterTabs(tabs, only)
		if len(tabs) == 0 {
			return inv, fault.Newf(fault.TagDiscoveryUnavailable, "discover fields", "none of tabs %v present", only)
		}
	}

	start := time.Now()
	var results []tabResult
	parallel := d.cfg.ParallelTabs() > 1 && len(tabs) > 1
	if parallel && (d.pages == nil || d.setup == nil) {
		d.logger.Debug("Parallel tab reads need a page factory and setup, reading sequentially")
		parallel = false
	}
	if parallel {
		results, err = d.readParallel(ctx, tabs)
	} else {
		results, err = d.readSequential(ctx, tabs)
	}
	if err != nil {
		return inv, err
	}

	failed := map[string]error{}
	for i, r := range results {
		if r.err != nil {
			failed[tabs[i].ID] = r.err
			d.logger.Warn("Tab discovery failed", zap.String("tab", tabs[i].ID), zap.Error(r.err))
			continue
		}
		inv.Fields = append(inv.Fields, r.fields...)
	}
	inv.Fingerprint = structcache.FingerprintOf(inv.Fields)

	d.logger.Info("Field discovery finished",
		zap.String("program", program),
		zap.Int("tabs", len(tabs)),
		zap.Int("failed", len(failed)),
		zap.Int("fields", len(inv.Fields)),
		zap.Duration("elapsed", time.Since(start)))

	if len(failed) == len(tabs) {
		return inv, fault.New(fault.TagDiscoveryUnavailable, "discover fields", &PartialError{Failed: failed})
	}
	if len(failed) > 0 {
		return inv, &PartialError{Failed: failed}
	}
	return inv, nil
}

func filterTabs(tabs []Tab, only []string) []Tab {
	want := map[string]bool{}
	for _, id := range only {
		want[id] = true
	}
	var out []Tab
	for _, t := range tabs {
		if want[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

func (d *Discoverer) readSequential(ctx context.Context, tabs []Tab) ([]tabResult, error) {
	results := make([]tabResult, len(tabs))
	for i, tab := range tabs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fields, err := d.readTab(ctx, d.page, tab)
		results[i] = tabResult{fields: fields, err: err}
	}
	return results, nil
}

// readParallel reads each tab on its own page, prepared by the setup hook,
// with at most ParallelTabs pages open at once.
func (d *Discoverer) readParallel(ctx context.Context, tabs []Tab) ([]tabResult, error) {
	results := make([]tabResult, len(tabs))
	var g errgroup.Group
	g.SetLimit(d.cfg.ParallelTabs())
	for i, tab := range tabs {
		g.Go(func() error {
			results[i] = d.readOnNewPage(ctx, tab)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (d *Discoverer) readOnNewPage(ctx context.Context, tab Tab) tabResult {
	page, release, err := d.pages.NewPage(ctx)
	if err != nil {
		return tabResult{err: err}
	}
	defer release()

	if err := d.setup(ctx, page); err != nil {
		return tabResult{err: err}
	}
	if err := page.WaitFor(ctx, d.target.Selectors.FormRoot, d.elementTimeout); err != nil {
		return tabResult{err: err}
	}
	fields, err := d.readTab(ctx, page, tab)
	return tabResult{fields: fields, err: err}
}

func (d *Discoverer) readTab(ctx context.Context, page browser.Automation, tab Tab) ([]structcache.FormFieldDescriptor, error) {
	if tab.ClickSelector != "" {
		if err := page.Click(ctx, tab.ClickSelector); err != nil {
			return nil, err
		}
		if err := sleep(ctx, d.cfg.GetTabSettle()); err != nil {
			return nil, err
		}
	}
	raw, err := page.ReadDOM(ctx, tab.Scope)
	if err != nil {
		return nil, err
	}
	fields, err := extractFields(raw, tab, d.now())
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, errEmptyTab
	}
	if total, err := countInputs(raw); err == nil && total > len(fields) {
		d.logger.Debug("Skipped unaddressable inputs",
			zap.String("tab", tab.ID), zap.Int("inputs", total), zap.Int("fields", len(fields)))
	}
	return fields, nil
}

// Fingerprint computes the live fingerprint of the loaded form from a single
// read of the form root. Tab panels are located by id without switching tabs.
func (d *Discoverer) Fingerprint(ctx context.Context) (structcache.FormFingerprint, error) {
	tabs, err := d.DiscoverTabs(ctx)
	if err != nil {
		return structcache.FormFingerprint{}, err
	}
	raw, err := d.page.ReadDOM(ctx, d.target.Selectors.FormRoot)
	if err != nil {
		return structcache.FormFingerprint{}, fault.New(fault.TagDiscoveryUnavailable, "fingerprint", err)
	}
	doc, err := parseFragment(raw)
	if err != nil {
		return structcache.FormFingerprint{}, fault.New(fault.TagDiscoveryUnavailable, "fingerprint", err)
	}

	now := d.now()
	var fields []structcache.FormFieldDescriptor
	for _, tab := range tabs {
		root := doc
		if tab.ClickSelector != "" {
			if root = findID(doc, tab.ID); root == nil {
				continue
			}
		}
		fields = append(fields, fieldsIn(root, tab, now)...)
	}
	return structcache.FingerprintOf(fields), nil
}

// DiscoverLocations opens the data-entry screen and expands the location
// tree level by level up to MaxTreeDepth.
func (d *Discoverer) DiscoverLocations(ctx context.Context) (structcache.Hierarchy, error) {
	root := d.target.Selectors.OrgTreeRoot
	if err := d.page.Navigate(ctx, d.target.URL(d.target.DataEntryPath)); err != nil {
		return structcache.Hierarchy{}, fault.New(fault.TagDiscoveryUnavailable, "discover locations", err)
	}
	if err := d.page.WaitFor(ctx, root, d.elementTimeout); err != nil {
		return structcache.Hierarchy{}, fault.New(fault.TagDiscoveryUnavailable, "discover locations", err)
	}

	maxDepth := d.cfg.MaxTreeDepth
	if maxDepth <= 0 {
		maxDepth = 6
	}

	// expanded holds nodes whose toggle was clicked successfully; attempted
	// also holds failed ones so they are not retried.
	expanded := map[string]bool{}
	attempted := map[string]bool{}
	var nodes []treeNode
	for round := 0; ; round++ {
		raw, err := d.page.ReadDOM(ctx, root)
		if err != nil {
			return structcache.Hierarchy{}, fault.New(fault.TagDiscoveryUnavailable, "discover locations", err)
		}
		if nodes, err = parseTree(raw); err != nil {
			return structcache.Hierarchy{}, fault.New(fault.TagDiscoveryUnavailable, "discover locations", err)
		}
		if round >= maxDepth {
			break
		}

		var pending []treeNode
		for _, n := range nodes {
			if n.children > 0 {
				expanded[n.id] = true
				continue
			}
			if n.hasToggle && !attempted[n.id] && n.level < maxDepth {
				pending = append(pending, n)
			}
		}
		if len(pending) == 0 {
			break
		}

		for _, n := range pending {
			attempted[n.id] = true
			if err := d.page.Click(ctx, ToggleSelector(n.id)); err != nil {
				if ctx.Err() != nil {
					return structcache.Hierarchy{}, ctx.Err()
				}
				d.logger.Warn("Could not expand location", zap.String("id", n.id), zap.String("name", n.name), zap.Error(err))
				continue
			}
			expanded[n.id] = true
		}
		if err := sleep(ctx, d.cfg.GetTabSettle()); err != nil {
			return structcache.Hierarchy{}, err
		}
	}

	h, dropped := buildHierarchy(nodes, expanded, d.now())
	if len(dropped) > 0 {
		d.logger.Warn("Dropped duplicate or orphaned locations", zap.Strings("ids", dropped))
	}
	if len(h.Nodes) == 0 {
		return h, fault.Newf(fault.TagDiscoveryUnavailable, "discover locations", "location tree %s is empty", root)
	}
	d.logger.Info("Location discovery finished", zap.Int("nodes", len(h.Nodes)))
	return h, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
