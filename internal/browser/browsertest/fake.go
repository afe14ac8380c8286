// Package browsertest provides a scripted browser.Automation for tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"formsync/internal/browser"
)

// Call records one operation issued against the fake.
type Call struct {
	Op     string
	Target string
	Value  string
}

// Fake is an in-memory page. Exported maps may be set up before use; once
// the fake is in use, mutate it only from OnClick/OnNavigate hooks.
type Fake struct {
	mu sync.Mutex

	// DOM maps a scope selector to the HTML ReadDOM returns. "" is the document.
	DOM map[string]string
	// Missing selectors fail with browser.ErrSelectorNotFound.
	Missing map[string]bool
	// Locked selectors exist but reject SetValue with browser.ErrFieldNotEditable.
	Locked map[string]bool
	// OnClick runs after a successful click on the selector. Hooks run with
	// the fake locked, so they mutate fields directly.
	OnClick map[string]func(f *Fake)
	// OnNavigate runs for every navigation; a non-nil error is returned to the caller.
	OnNavigate func(f *Fake, url string) error
	// Responses are delivered to attached listeners when the selector is clicked.
	Responses map[string]browser.Response
	// Before holds responses that land ahead of Responses on the same click,
	// such as a late autosave call.
	Before map[string][]browser.Response
	// Errors queues errors per "op target" key, consumed one per call.
	Errors map[string][]error

	Values    map[string]string
	Calls     []Call
	URL       string
	Attached  int
	Detached  int
	listeners []*listener
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		DOM:       map[string]string{},
		Missing:   map[string]bool{},
		Locked:    map[string]bool{},
		OnClick:   map[string]func(*Fake){},
		Responses: map[string]browser.Response{},
		Before:    map[string][]browser.Response{},
		Errors:    map[string][]error{},
		Values:    map[string]string{},
	}
}

// FailNext queues err for the next call of op on target.
func (f *Fake) FailNext(op, target string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + " " + target
	f.Errors[key] = append(f.Errors[key], err)
}

// Count returns how many calls of op were made.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of recorded calls.
func (f *Fake) Snapshot() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.Calls...)
}

// Value returns the value set on selector.
func (f *Fake) Value(selector string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.Values[selector]
	return v, ok
}

// ActiveListeners returns listeners attached and not yet detached.
func (f *Fake) ActiveListeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Attached - f.Detached
}

func (f *Fake) record(op, target, value string) error {
	f.Calls = append(f.Calls, Call{Op: op, Target: target, Value: value})
	key := op + " " + target
	if q := f.Errors[key]; len(q) > 0 {
		f.Errors[key] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("navigate", url, ""); err != nil {
		return err
	}
	f.URL = url
	if f.OnNavigate != nil {
		return f.OnNavigate(f, url)
	}
	return nil
}

func (f *Fake) ReadDOM(ctx context.Context, scope string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("read", scope, ""); err != nil {
		return "", err
	}
	html, ok := f.DOM[scope]
	if !ok || f.Missing[scope] {
		return "", fmt.Errorf("read dom %q: %w", scope, browser.ErrSelectorNotFound)
	}
	return html, nil
}

func (f *Fake) SetValue(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("set", selector, value); err != nil {
		return err
	}
	if f.Missing[selector] {
		return fmt.Errorf("set value %q: %w", selector, browser.ErrSelectorNotFound)
	}
	if f.Locked[selector] {
		return fmt.Errorf("set value %q: %w", selector, browser.ErrFieldNotEditable)
	}
	f.Values[selector] = value
	return nil
}

func (f *Fake) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("click", selector, ""); err != nil {
		return err
	}
	if f.Missing[selector] {
		return fmt.Errorf("click %q: %w", selector, browser.ErrSelectorNotFound)
	}
	if hook, ok := f.OnClick[selector]; ok {
		hook(f)
	}
	for _, resp := range f.Before[selector] {
		f.deliver(resp)
	}
	if resp, ok := f.Responses[selector]; ok {
		f.deliver(resp)
	}
	return nil
}

// deliver hands resp to every live listener that matches it. A listener
// keeps the first response it accepts.
func (f *Fake) deliver(resp browser.Response) {
	info := browser.ResponseInfo{URL: resp.URL, Method: resp.Method, Status: resp.Status}
	for _, l := range f.listeners {
		if !l.detached && l.match(info) {
			r := resp
			select {
			case l.ch <- &r:
			default:
			}
		}
	}
}

func (f *Fake) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("wait", selector, ""); err != nil {
		return err
	}
	if f.Missing[selector] {
		return fmt.Errorf("wait for %q: %w", selector, browser.ErrSelectorNotFound)
	}
	return nil
}

// Screenshot returns a PNG header so callers can tell it apart from nothing.
func (f *Fake) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("screenshot", "", ""); err != nil {
		return nil, err
	}
	return []byte("\x89PNG\r\n\x1a\n"), nil
}

func (f *Fake) ListenResponse(ctx context.Context, match func(browser.ResponseInfo) bool) (browser.ResponseListener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("listen", "", ""); err != nil {
		return nil, err
	}
	l := &listener{fake: f, match: match, ch: make(chan *browser.Response, 1)}
	f.listeners = append(f.listeners, l)
	f.Attached++
	return l, nil
}

type listener struct {
	fake     *Fake
	match    func(browser.ResponseInfo) bool
	ch       chan *browser.Response
	detached bool
}

func (l *listener) Await(ctx context.Context, timeout time.Duration) (*browser.Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-l.ch:
		return r, nil
	case <-timer.C:
		return nil, browser.ErrResponseTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Detach() {
	l.fake.mu.Lock()
	defer l.fake.mu.Unlock()
	if l.detached {
		return
	}
	l.detached = true
	l.fake.Detached++
}

// Factory hands out fakes built by Build and tracks page concurrency.
type Factory struct {
	Build func() *Fake
	// Err, when set, fails every NewPage call.
	Err error

	mu        sync.Mutex
	Pages     []*Fake
	active    int
	MaxActive int
	Released  int
}

func (fa *Factory) NewPage(ctx context.Context) (browser.Automation, func(), error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.Err != nil {
		return nil, nil, fa.Err
	}
	f := fa.Build()
	fa.Pages = append(fa.Pages, f)
	fa.active++
	if fa.active > fa.MaxActive {
		fa.MaxActive = fa.active
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			fa.mu.Lock()
			fa.active--
			fa.Released++
			fa.mu.Unlock()
		})
	}
	return f, release, nil
}

// Stats returns opened, released and peak concurrent page counts.
func (fa *Factory) Stats() (opened, released, peak int) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return len(fa.Pages), fa.Released, fa.MaxActive
}
