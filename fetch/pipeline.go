package fetch

import (
	"context"
	"time"

	"stream-engine/logger"
	"stream-engine/metrics"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
)

// BandwidthReporter receives a sample after every successful fetch.
// bandwidth.Estimator implements this without fetch importing it.
type BandwidthReporter interface {
	Report(bytes int, dtMs int64)
}

type noopReporter struct{}

func (noopReporter) Report(int, int64) {}

// Config tunes one FetchPipeline instance.
type Config struct {
	Attempts          int           // default 3
	BackoffBase       time.Duration // default 1s, linear: base*attempt
	PerAttemptTimeout time.Duration // default 30s
	MaxConcurrent     int64         // default 6, bounds in-flight fetches
}

func NewDefaultConfig() *Config {
	return &Config{
		Attempts:          3,
		BackoffBase:       time.Second,
		PerAttemptTimeout: 30 * time.Second,
		MaxConcurrent:     6,
	}
}

// Pipeline wraps a RequestProxy with retries, timeouts, error
// classification and cooperative cancellation. Every in-flight
// request is tracked so AbortAll is immediate, matching spec.md
// §4.2's abort-token requirement.
type Pipeline struct {
	proxy    RequestProxy
	cfg      *Config
	backoff  *LinearBackoff
	reporter BandwidthReporter
	logger   logger.Logger
	sem      *semaphore.Weighted

	inflight *xsync.MapOf[string, context.CancelFunc]
}

type Option func(*Pipeline)

func WithReporter(r BandwidthReporter) Option {
	return func(p *Pipeline) { p.reporter = r }
}

func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func New(proxy RequestProxy, cfg *Config, opts ...Option) *Pipeline {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	p := &Pipeline{
		proxy:    proxy,
		cfg:      cfg,
		backoff:  NewLinearBackoff(cfg.BackoffBase),
		reporter: noopReporter{},
		logger:   logger.Default.With("fetch"),
		sem:      semaphore.NewWeighted(maxInt64(cfg.MaxConcurrent, 1)),
		inflight: xsync.NewMapOf[string, context.CancelFunc](),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func maxInt64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}

// Get performs an authenticated fetch with retry/backoff and reports
// throughput to the configured BandwidthReporter on success.
func (p *Pipeline) Get(ctx context.Context, url string, want Want, headers map[string]string) (*Response, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, ctx.Err()
	}
	defer p.sem.Release(1)

	token := uuid.NewString()
	reqCtx, cancel := context.WithCancel(ctx)
	p.inflight.Store(token, cancel)
	defer func() {
		cancel()
		p.inflight.Delete(token)
	}()

	attempts := p.cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, attemptCancel := context.WithTimeout(reqCtx, p.cfg.PerAttemptTimeout)
		start := time.Now()
		resp, err := p.proxy.Fetch(attemptCtx, url, want, headers)
		elapsed := time.Since(start)
		attemptCancel()

		status := 0
		var transportErr error
		if err != nil {
			if pe, ok := err.(*ProxyError); ok {
				status = pe.Status
				transportErr = pe
			} else {
				transportErr = err
			}
		} else if resp != nil {
			status = resp.Status
		}

		retry, terminal := classify(status, transportErr)
		if terminal != nil {
			if fatal, ok := terminal.(*FatalError); ok {
				metrics.FetchFatalTotal.WithLabelValues(fatal.Reason.String()).Inc()
			}
			p.logger.Debugf("fetch terminal after attempt %d/%d: %v", attempt, attempts, terminal)
			return nil, terminal
		}
		if !retry {
			p.reporter.Report(len(resp.Body), elapsed.Milliseconds())
			return resp, nil
		}

		metrics.FetchRetriesTotal.WithLabelValues("transient").Inc()

		if attempt == attempts {
			cause := transportErr
			if cause == nil {
				cause = &ProxyError{Status: status, Kind: KindHTTP}
			}
			return nil, &TransientError{Cause: cause}
		}

		p.logger.Debugf("fetch attempt %d/%d failed, retrying: %v", attempt, attempts, transportErr)
		p.backoff.Sleep(reqCtx, attempt)
		if reqCtx.Err() != nil {
			return nil, reqCtx.Err()
		}
	}

	return nil, &TransientError{Cause: context.DeadlineExceeded}
}

// AbortAll cancels every in-flight request. Idempotent: already
// completed/cancelled requests are simply no-ops. Does not drop bytes
// already delivered to callers before cancellation was observed.
func (p *Pipeline) AbortAll() {
	p.inflight.Range(func(token string, cancel context.CancelFunc) bool {
		cancel()
		p.inflight.Delete(token)
		return true
	})
}

// InflightCount reports how many fetches are currently outstanding,
// used by tests asserting cancellation completeness.
func (p *Pipeline) InflightCount() int {
	return p.inflight.Size()
}
