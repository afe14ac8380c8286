package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"formsync/internal/fault"
)

// Page is a Rod-backed Automation bound to one browser tab.
type Page struct {
	id                string
	page              *rod.Page
	navigationTimeout time.Duration
	elementTimeout    time.Duration
	logger            *zap.Logger
}

// ID returns the page's tracking id.
func (p *Page) ID() string { return p.id }

func (p *Page) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx).Timeout(p.navigationTimeout)
	if err := pg.Navigate(url); err != nil {
		return classify(ctx, "navigate", url, err)
	}
	if err := pg.WaitLoad(); err != nil {
		return classify(ctx, "wait load", url, err)
	}
	return nil
}

func (p *Page) ReadDOM(ctx context.Context, scope string) (string, error) {
	pg := p.page.Context(ctx).Timeout(p.elementTimeout)
	if scope == "" {
		html, err := pg.HTML()
		if err != nil {
			return "", classify(ctx, "read dom", "document", err)
		}
		return html, nil
	}
	el, err := find(pg, scope)
	if err != nil {
		return "", classify(ctx, "read dom", scope, err)
	}
	html, err := el.HTML()
	if err != nil {
		return "", classify(ctx, "read dom", scope, err)
	}
	return html, nil
}

// setValueJS assigns a value the way a user edit would surface it to the
// page's own handlers. Disabled, read-only and hidden inputs are left alone.
const setValueJS = `(v) => {
	const tag = this.tagName.toLowerCase();
	const type = (this.type || '').toLowerCase();
	const style = window.getComputedStyle(this);
	const hidden = type === 'hidden' || style.display === 'none' || style.visibility === 'hidden' ||
		this.getClientRects().length === 0;
	if (this.disabled || this.readOnly || hidden) { return 'not_editable'; }
	if (type === 'checkbox' || type === 'radio') {
		this.checked = (v === 'true' || v === '1' || v.toLowerCase() === 'yes');
	} else if (tag === 'select') {
		const opt = Array.from(this.options).find(o => o.value === v || o.text.trim() === v);
		if (!opt) { return 'no_option'; }
		this.value = opt.value;
	} else {
		this.focus();
		this.value = v;
		this.dispatchEvent(new Event('input', { bubbles: true }));
	}
	this.dispatchEvent(new Event('change', { bubbles: true }));
	this.blur();
	return 'ok';
}`

func (p *Page) SetValue(ctx context.Context, selector, value string) error {
	pg := p.page.Context(ctx).Timeout(p.elementTimeout)
	el, err := find(pg, selector)
	if err != nil {
		return classify(ctx, "set value", selector, err)
	}
	res, err := el.Eval(setValueJS, value)
	if err != nil {
		return classify(ctx, "set value", selector, err)
	}
	switch res.Value.Str() {
	case "ok":
		return nil
	case "not_editable":
		return fmt.Errorf("set value %q: %w", selector, ErrFieldNotEditable)
	}
	return fmt.Errorf("set value %q: option %q: %w", selector, value, ErrSelectorNotFound)
}

// Screenshot captures the visible viewport as PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	png, err := p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, classify(ctx, "screenshot", p.id, err)
	}
	return png, nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	pg := p.page.Context(ctx).Timeout(p.elementTimeout)
	el, err := find(pg, selector)
	if err != nil {
		return classify(ctx, "click", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return classify(ctx, "click", selector, err)
	}
	return nil
}

func (p *Page) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.elementTimeout
	}
	if _, err := p.page.Context(ctx).Timeout(timeout).Element(selector); err != nil {
		return classify(ctx, "wait for", selector, err)
	}
	return nil
}

// find looks the selector up once without Rod's retry sleeper, so an absent
// element is reported immediately instead of waiting out the timeout.
func find(pg *rod.Page, selector string) (*rod.Element, error) {
	has, el, err := pg.Has(selector)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrSelectorNotFound
	}
	return el, nil
}

func classify(ctx context.Context, op, target string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s %q: %w", op, target, ctx.Err())
	}
	if errors.Is(err, ErrSelectorNotFound) || errors.Is(err, &rod.ElementNotFoundError{}) {
		return fmt.Errorf("%s %q: %w", op, target, ErrSelectorNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, &rod.NavigationError{}) {
		return fault.New(fault.TagTransientRemote, op+" "+target, err)
	}
	return fmt.Errorf("%s %q: %w", op, target, err)
}

func (p *Page) ListenResponse(ctx context.Context, match func(ResponseInfo) bool) (ResponseListener, error) {
	lctx, cancel := context.WithCancel(ctx)
	pg := p.page.Context(lctx)
	if err := (proto.NetworkEnable{}).Call(pg); err != nil {
		cancel()
		return nil, fmt.Errorf("enable network events: %w", err)
	}

	l := &rodListener{
		cancel: cancel,
		result: make(chan *Response, 1),
		done:   make(chan struct{}),
	}
	methods := map[proto.NetworkRequestID]string{}
	pending := map[proto.NetworkRequestID]ResponseInfo{}

	wait := pg.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			if e.Request != nil {
				methods[e.RequestID] = e.Request.Method
			}
		},
		func(e *proto.NetworkResponseReceived) {
			if e.Response == nil {
				return
			}
			info := ResponseInfo{URL: e.Response.URL, Method: methods[e.RequestID], Status: e.Response.Status}
			if match(info) {
				pending[e.RequestID] = info
			}
		},
		func(e *proto.NetworkLoadingFinished) bool {
			info, ok := pending[e.RequestID]
			if !ok {
				return false
			}
			resp := &Response{URL: info.URL, Method: info.Method, Status: info.Status}
			body, err := (proto.NetworkGetResponseBody{RequestID: e.RequestID}).Call(pg)
			if err != nil {
				p.logger.Warn("response body unavailable", zap.String("url", info.URL), zap.Error(err))
			} else if body.Base64Encoded {
				if decoded, derr := base64.StdEncoding.DecodeString(body.Body); derr == nil {
					resp.Body = decoded
				}
			} else {
				resp.Body = []byte(body.Body)
			}
			l.result <- resp
			return true
		},
		func(e *proto.NetworkLoadingFailed) bool {
			info, ok := pending[e.RequestID]
			if !ok {
				return false
			}
			l.result <- &Response{URL: info.URL, Method: info.Method, Status: info.Status}
			return true
		},
	)
	go func() {
		defer close(l.done)
		wait()
	}()
	return l, nil
}

type rodListener struct {
	cancel context.CancelFunc
	result chan *Response
	done   chan struct{}
	once   sync.Once
}

func (l *rodListener) Await(ctx context.Context, timeout time.Duration) (*Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-l.result:
		return resp, nil
	case <-timer.C:
		return nil, ErrResponseTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *rodListener) Detach() {
	l.once.Do(func() {
		l.cancel()
		<-l.done
	})
}
