package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSelectorNotFound means the element is not on the page. It is never
	// retried: the remote form has drifted away from the cached inventory.
	ErrSelectorNotFound = errors.New("selector not found")
	// ErrFieldNotEditable means the element exists but is disabled,
	// read-only or hidden, so a user could not have typed into it.
	ErrFieldNotEditable = errors.New("field not editable")
	// ErrResponseTimeout means no matching network response arrived in time.
	ErrResponseTimeout = errors.New("no matching response before timeout")
	// ErrNotConnected means the browser has not been started.
	ErrNotConnected = errors.New("browser not connected")
)

// Automation is the narrow browser capability the engine drives. All calls
// on one Automation must be issued sequentially.
type Automation interface {
	Navigate(ctx context.Context, url string) error
	// ReadDOM returns the outer HTML of the first element matching scope, or
	// of the whole document when scope is empty.
	ReadDOM(ctx context.Context, scope string) (string, error)
	SetValue(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// WaitFor blocks until selector is present or ctx/timeout expires.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	// Screenshot captures the visible page as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// ListenResponse attaches a network listener. The listener must be
	// detached by the caller.
	ListenResponse(ctx context.Context, match func(ResponseInfo) bool) (ResponseListener, error)
}

// ResponseInfo is what a listener predicate sees before the body is read.
type ResponseInfo struct {
	URL    string
	Method string
	Status int
}

// Response is a captured network response.
type Response struct {
	URL    string
	Method string
	Status int
	Body   []byte
}

// ResponseListener waits for one matching response.
type ResponseListener interface {
	Await(ctx context.Context, timeout time.Duration) (*Response, error)
	Detach()
}

// PageFactory opens additional short-lived pages sharing the logged-in
// browser context. The returned release func closes the page.
type PageFactory interface {
	NewPage(ctx context.Context) (Automation, func(), error)
}
