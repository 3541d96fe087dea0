// Package httpproxy provides the default fetch.RequestProxy: a plain
// net/http client. Real deployments that need to inherit a host
// browser's cookies/session for hotlink-protected origins should
// supply their own RequestProxy instead; this one is the standalone
// fallback used by the cmd entrypoint and anywhere no such host
// exists.
//
// Grounded in the teacher's m3u/downloader.go, which builds one
// *http.Client with a CheckRedirect hook that re-applies a custom
// header across redirects so a stream origin doesn't drop
// authentication on a 302.
package httpproxy

import (
	"context"
	"io"
	"net/http"
	"time"

	"stream-engine/fetch"
)

// Proxy is a fetch.RequestProxy backed by a single shared http.Client.
type Proxy struct {
	client *http.Client
}

// New builds a Proxy whose client preserves per-request headers
// across redirects.
func New() *Proxy {
	return &Proxy{
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) == 0 {
					return nil
				}
				for k, v := range via[0].Header {
					req.Header[k] = v
				}
				return nil
			},
		},
	}
}

func (p *Proxy) Fetch(ctx context.Context, url string, want fetch.Want, headers map[string]string) (*fetch.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &fetch.ProxyError{Kind: fetch.KindNetwork, Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &fetch.ProxyError{Kind: fetch.KindTimeout, Err: err}
		}
		return nil, &fetch.ProxyError{Kind: fetch.KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &fetch.ProxyError{Kind: fetch.KindNetwork, Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, &fetch.ProxyError{Status: resp.StatusCode, Kind: fetch.KindHTTP, Err: err}
	}

	finalURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &fetch.Response{Status: resp.StatusCode, Body: body, FinalURL: finalURL}, nil
}
