package fetch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedProxy struct {
	calls   int32
	results []result
}

type result struct {
	resp *Response
	err  error
}

func (p *scriptedProxy) Fetch(ctx context.Context, url string, want Want, headers map[string]string) (*Response, error) {
	i := atomic.AddInt32(&p.calls, 1) - 1
	if int(i) >= len(p.results) {
		return nil, errors.New("scriptedProxy: out of results")
	}
	r := p.results[i]
	return r.resp, r.err
}

type recordingReporter struct {
	bytes int
	dtMs  int64
	calls int
}

func (r *recordingReporter) Report(bytes int, dtMs int64) {
	r.bytes = bytes
	r.dtMs = dtMs
	r.calls++
}

func fastConfig() *Config {
	return &Config{Attempts: 3, BackoffBase: time.Millisecond, PerAttemptTimeout: time.Second, MaxConcurrent: 4}
}

func TestGetSuccessReportsBandwidth(t *testing.T) {
	proxy := &scriptedProxy{results: []result{{resp: &Response{Status: 200, Body: []byte("hello")}}}}
	reporter := &recordingReporter{}
	p := New(proxy, fastConfig(), WithReporter(reporter))

	resp, err := p.Get(context.Background(), "https://x/seg.ts", Bytes, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "hello" {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
	if reporter.calls != 1 || reporter.bytes != 5 {
		t.Fatalf("expected one bandwidth report of 5 bytes, got %+v", reporter)
	}
}

func TestGetAuthFailureIsFatalNoRetry(t *testing.T) {
	proxy := &scriptedProxy{results: []result{{resp: &Response{Status: 403}}}}
	p := New(proxy, fastConfig())

	_, err := p.Get(context.Background(), "https://x/seg.ts", Bytes, nil)
	var fatalErr *FatalError
	if !errors.As(err, &fatalErr) || fatalErr.Reason != AuthExpired {
		t.Fatalf("expected FatalError(AuthExpired), got %v", err)
	}
	if proxy.calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", proxy.calls)
	}
}

func TestGetStreamEndedIsFatal(t *testing.T) {
	proxy := &scriptedProxy{results: []result{{resp: &Response{Status: 410}}}}
	p := New(proxy, fastConfig())

	_, err := p.Get(context.Background(), "https://x/seg.ts", Bytes, nil)
	var fatalErr *FatalError
	if !errors.As(err, &fatalErr) || fatalErr.Reason != StreamEnded {
		t.Fatalf("expected FatalError(StreamEnded), got %v", err)
	}
}

func TestGetNotFoundIsSkipNoRetry(t *testing.T) {
	proxy := &scriptedProxy{results: []result{{resp: &Response{Status: 404}}}}
	p := New(proxy, fastConfig())

	_, err := p.Get(context.Background(), "https://x/seg.ts", Bytes, nil)
	var skipErr *SkipError
	if !errors.As(err, &skipErr) {
		t.Fatalf("expected SkipError, got %v", err)
	}
	if proxy.calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", proxy.calls)
	}
}

func TestGetRetriesThenSucceeds(t *testing.T) {
	proxy := &scriptedProxy{results: []result{
		{err: &ProxyError{Status: 0, Kind: KindNetwork, Err: errors.New("dial failed")}},
		{resp: &Response{Status: 503}},
		{resp: &Response{Status: 200, Body: []byte("ok")}},
	}}
	p := New(proxy, fastConfig())

	resp, err := p.Get(context.Background(), "https://x/seg.ts", Bytes, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "ok" {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
	if proxy.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", proxy.calls)
	}
}

func TestGetExhaustedRetriesIsTransient(t *testing.T) {
	proxy := &scriptedProxy{results: []result{
		{resp: &Response{Status: 503}},
		{resp: &Response{Status: 503}},
		{resp: &Response{Status: 503}},
	}}
	p := New(proxy, fastConfig())

	_, err := p.Get(context.Background(), "https://x/seg.ts", Bytes, nil)
	var transientErr *TransientError
	if !errors.As(err, &transientErr) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if proxy.calls != 3 {
		t.Fatalf("expected all 3 attempts consumed, got %d", proxy.calls)
	}
}

func TestAbortAllCancelsInflight(t *testing.T) {
	block := make(chan struct{})
	proxy := &blockingProxy{block: block}
	p := New(proxy, fastConfig())

	done := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background(), "https://x/seg.ts", Bytes, nil)
		done <- err
	}()

	waitForInflight(t, p, 1)
	p.AbortAll()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not return after AbortAll")
	}
	close(block)

	if p.InflightCount() != 0 {
		t.Fatalf("expected 0 inflight after abort, got %d", p.InflightCount())
	}
}

type blockingProxy struct {
	block chan struct{}
}

func (b *blockingProxy) Fetch(ctx context.Context, url string, want Want, headers map[string]string) (*Response, error) {
	select {
	case <-b.block:
		return &Response{Status: 200}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func waitForInflight(t *testing.T, p *Pipeline, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.InflightCount() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d inflight requests", n)
}
