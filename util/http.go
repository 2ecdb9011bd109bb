package util

import (
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/mastothread/mastothread/util/ssrf"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type LeveledSlog struct {
	inner *slog.Logger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l LeveledSlog) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// re-writes HTTP client DEBUG to INFO level (this is where retry is logged)
func (l LeveledSlog) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

type UpstreamConfig struct {
	Logger *slog.Logger
	// Overall per-request timeout, including retries. Defaults to 20 seconds.
	Timeout time.Duration
	// Number of retries after the first attempt. Zero disables retries.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Skips the SSRF guard. Only for tests and private deployments.
	AllowPrivate bool
}

// Generates the process-wide HTTP client used for all requests to Mastodon servers. The returned
// client has the stdlib http.Client interface, but has Hashicorp retryablehttp logic internally.
//
// This client will retry on connection errors, 5xx status (except 501), and 429 Backoff requests
// (respecting 'Retry-After' header). Once retries are exhausted the last response is handed back to
// the caller instead of being discarded, so status codes and bodies stay available for error reporting.
//
// Gzip response bodies are decoded transparently by the underlying transport. When the logger has
// DEBUG enabled, every request logs DNS, connect, and connection-reuse events.
//
// Unless AllowPrivate is set, connections are only made to public IP addresses on ports 80 and 443.
func NewUpstreamClient(config UpstreamConfig) *http.Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("system", "upstream-http")

	var base http.RoundTripper
	if config.AllowPrivate {
		base = cleanhttp.DefaultPooledTransport()
	} else {
		base = ssrf.Guard{}.Transport()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: otelhttp.NewTransport(&verboseTransport{inner: base, logger: logger}),
	}
	retryClient.RetryMax = config.RetryMax
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	if config.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = config.RetryWaitMin
	}
	if config.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = config.RetryWaitMax
	}
	retryClient.Logger = retryablehttp.LeveledLogger(LeveledSlog{logger})
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	client := retryClient.StandardClient()
	client.Timeout = 20 * time.Second
	if config.Timeout > 0 {
		client.Timeout = config.Timeout
	}
	return client
}

// verboseTransport logs connection lifecycle events for each request at DEBUG level.
type verboseTransport struct {
	inner  http.RoundTripper
	logger *slog.Logger
}

func (t *verboseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if !t.logger.Enabled(ctx, slog.LevelDebug) {
		return t.inner.RoundTrip(req)
	}

	host := req.URL.Host
	trace := &httptrace.ClientTrace{
		DNSDone: func(info httptrace.DNSDoneInfo) {
			t.logger.Debug("upstream dns resolved", "host", host, "addrs", info.Addrs, "err", info.Err)
		},
		ConnectDone: func(network, addr string, err error) {
			t.logger.Debug("upstream connect", "host", host, "network", network, "addr", addr, "err", err)
		},
		GotConn: func(info httptrace.GotConnInfo) {
			t.logger.Debug("upstream connection", "host", host, "remote", info.Conn.RemoteAddr().String(), "reused", info.Reused, "idleTime", info.IdleTime)
		},
	}
	start := time.Now()
	resp, err := t.inner.RoundTrip(req.WithContext(httptrace.WithClientTrace(ctx, trace)))
	if err != nil {
		t.logger.Debug("upstream request failed", "method", req.Method, "url", req.URL.String(), "err", err)
		return nil, err
	}
	t.logger.Debug("upstream response", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode, "duration", time.Since(start))
	return resp, nil
}

var _ http.RoundTripper = (*verboseTransport)(nil)
