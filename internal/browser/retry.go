package browser

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"formsync/internal/fault"
)

// Retry runs fn up to attempts times while it fails with a transient remote
// fault, doubling backoff between attempts. Other errors return immediately.
func Retry(ctx context.Context, attempts int, backoff time.Duration, logger *zap.Logger, op string, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !errors.Is(err, fault.TransientRemoteFault) || i == attempts-1 {
			break
		}
		if logger != nil {
			logger.Warn("transient fault, retrying",
				zap.String("op", op),
				zap.Int("attempt", i+1),
				zap.Duration("backoff", backoff),
				zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// retrying decorates an Automation with bounded retries on transient faults.
type retrying struct {
	Automation
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

// WithRetry wraps a so that navigation and element operations are retried on
// transient faults. Listeners are not retried.
func WithRetry(a Automation, attempts int, backoff time.Duration, logger *zap.Logger) Automation {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retrying{Automation: a, attempts: attempts, backoff: backoff, logger: logger}
}

// Unwrap returns the page under a WithRetry wrapper, or a itself. Callers
// that retry a whole sequence use it so attempts do not multiply.
func Unwrap(a Automation) Automation {
	if r, ok := a.(*retrying); ok {
		return r.Automation
	}
	return a
}

func (r *retrying) Navigate(ctx context.Context, url string) error {
	return Retry(ctx, r.attempts, r.backoff, r.logger, "navigate", func(ctx context.Context) error {
		return r.Automation.Navigate(ctx, url)
	})
}

func (r *retrying) ReadDOM(ctx context.Context, scope string) (string, error) {
	var html string
	err := Retry(ctx, r.attempts, r.backoff, r.logger, "read dom", func(ctx context.Context) error {
		var err error
		html, err = r.Automation.ReadDOM(ctx, scope)
		return err
	})
	return html, err
}

func (r *retrying) SetValue(ctx context.Context, selector, value string) error {
	return Retry(ctx, r.attempts, r.backoff, r.logger, "set value", func(ctx context.Context) error {
		return r.Automation.SetValue(ctx, selector, value)
	})
}

func (r *retrying) Click(ctx context.Context, selector string) error {
	return Retry(ctx, r.attempts, r.backoff, r.logger, "click", func(ctx context.Context) error {
		return r.Automation.Click(ctx, selector)
	})
}

func (r *retrying) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	return Retry(ctx, r.attempts, r.backoff, r.logger, "wait for", func(ctx context.Context) error {
		return r.Automation.WaitFor(ctx, selector, timeout)
	})
}

// retryingFactory wraps every page a factory opens.
type retryingFactory struct {
	PageFactory
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

// FactoryWithRetry applies WithRetry to each page opened by f.
func FactoryWithRetry(f PageFactory, attempts int, backoff time.Duration, logger *zap.Logger) PageFactory {
	return &retryingFactory{PageFactory: f, attempts: attempts, backoff: backoff, logger: logger}
}

func (f *retryingFactory) NewPage(ctx context.Context) (Automation, func(), error) {
	a, release, err := f.PageFactory.NewPage(ctx)
	if err != nil {
		return nil, nil, err
	}
	return WithRetry(a, f.attempts, f.backoff, f.logger), release, nil
}
