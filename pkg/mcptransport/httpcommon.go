package mcptransport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/mcpclient/internal/config"
)

const (
	// maxRedirects caps HTTP-family redirect hops per spec §4.B: a 4th
	// redirect surfaces a TransportError instead of being followed.
	maxRedirects = 3

	defaultConnectTimeout = 30 * time.Second
)

// newHTTPClient builds an *http.Client with sane dial/handshake timeouts and
// the spec §4.B 3-hop redirect cap, grounded on the teacher pack's habit of
// never relying on http.DefaultClient's unmanaged defaults for a
// long-lived outbound client.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   defaultConnectTimeout,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: defaultConnectTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects: %w", maxRedirects, ErrTooManyRedirects)
			}
			return nil
		},
	}
}

// ErrTooManyRedirects is returned (wrapped) when the 3-hop redirect cap is
// exceeded.
var ErrTooManyRedirects = fmt.Errorf("too many redirects")

// validateTransportURL enforces spec §4.B's URL rule and returns whether a
// 0.0.0.0-host warning should be logged by the caller.
func validateTransportURL(rawURL string) (warn bool, err error) {
	if err := config.ValidateURL(rawURL); err != nil {
		return false, err
	}
	return config.IsLoopbackWarning(rawURL), nil
}

// attachBearerToken sets the Authorization header from an Options-supplied
// token provider, if any.
func attachBearerToken(ctx context.Context, req *http.Request, opts Options) error {
	if opts.BearerTokenProvider == nil {
		return nil
	}
	token, err := opts.BearerTokenProvider(ctx)
	if err != nil {
		return fmt.Errorf("resolving bearer token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
