package netutil

import (
	"context"
	"errors"
	"time"

	"github.com/weir-proxy/weir/internal/endpoint"
)

// RetryDownloader decorates a Downloader with pool-backed retries: when a
// direct download fails on a network error, it retries through proxies
// drawn from the pool. Source lists and mirror pulls keep working when the
// host's own egress is blocked from a target.
type RetryDownloader struct {
	Direct Downloader
	// ProxyAttemptTimeout caps each proxy retry attempt. If <= 0, it
	// falls back to the direct downloader's timeout when available,
	// otherwise 30s.
	ProxyAttemptTimeout time.Duration
	// ProxyPicker selects a pool proxy for the target URL. Returning an
	// error skips the attempt.
	ProxyPicker func(targetURL string) (endpoint.Endpoint, endpoint.Protocol, error)
	// ProxyFetch downloads the URL through the given proxy.
	ProxyFetch func(ctx context.Context, ep endpoint.Endpoint, proto endpoint.Protocol, url string) ([]byte, error)
}

// Download attempts a direct download first, then falls back to proxy
// retries. The direct error is returned when every retry fails, since it
// names the actual target problem.
func (r *RetryDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := r.Direct.Download(ctx, url)
	if err == nil {
		return body, nil
	}

	if !shouldRetryViaProxy(err) {
		return nil, err
	}

	if r.ProxyPicker == nil || r.ProxyFetch == nil {
		return nil, err
	}

	// Respect caller cancellation: don't extend work beyond caller ctx.
	if ctx.Err() != nil {
		return nil, err
	}

	attemptTimeout := r.proxyAttemptTimeout()

	// Two attempts through distinct randomly-picked pool proxies.
	for i := 0; i < 2; i++ {
		if ctx.Err() != nil {
			return nil, err
		}

		ep, proto, pickErr := r.ProxyPicker(url)
		if pickErr != nil {
			continue
		}

		attemptCtx := ctx
		cancel := func() {}
		if attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, attemptTimeout)
		}
		body, fetchErr := r.ProxyFetch(attemptCtx, ep, proto, url)
		cancel()
		if fetchErr == nil {
			return body, nil
		}
	}

	return nil, err
}

// shouldRetryViaProxy reports whether the direct failure looks like a
// network-level problem a different egress could dodge. HTTP status errors
// and malformed requests fail the same way through any proxy.
func shouldRetryViaProxy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return false
	}

	var nonRetryable *NonRetryableError
	return !errors.As(err, &nonRetryable)
}

func (r *RetryDownloader) proxyAttemptTimeout() time.Duration {
	if r.ProxyAttemptTimeout > 0 {
		return r.ProxyAttemptTimeout
	}
	if direct, ok := r.Direct.(*DirectDownloader); ok && direct != nil && direct.TimeoutFn != nil {
		if t := direct.TimeoutFn(); t > 0 {
			return t
		}
	}
	return 30 * time.Second
}
