package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
)

// Defaults for Options.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultRetryMax       = 3
	DefaultCacheTTL       = 60 * time.Second
)

// Default for Options.MaxResponseSize. Registry JSON responses are small, only
// catalogs of very large registries come close.
const DefaultMaxResponseSize = 64 * 1024 * 1024

// Options configure an Engine. Zero values select defaults.
type Options struct {
	User     string
	Password string

	ConnectTimeout time.Duration // For establishing connections, including TLS handshake.
	ReadTimeout    time.Duration // For waiting on response headers, and between reads of the body.

	MaxResponseSize int64 // Larger response bodies fail with ErrTooLarge.

	RetryMax     int           // Retries for idempotent requests. Negative for none.
	RetryWaitMin time.Duration // First backoff, doubled each retry.
	RetryWaitMax time.Duration

	CacheTTL time.Duration // Negative disables caching by default.
	Cache    Cache         // Defaults to a new MemoryCache.
}

// Request is an HTTP request to a registry.
type Request struct {
	Method string // GET if empty.
	URL    string
	Header http.Header
	Body   []byte

	TTL     time.Duration // For caching a 2xx GET response. Zero for the engine default.
	NoCache bool          // Always send the request, and don't cache the response.
}

// Response is a registry response with the full body read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK returns whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode/100 == 2
}

// Engine sends HTTP requests to a registry, with basic authentication,
// timeouts, retries for idempotent requests and caching of GET responses. An
// Engine is safe for concurrent use.
type Engine struct {
	user        string
	password    string
	readTimeout time.Duration
	maxSize     int64
	ttl         time.Duration
	cache       Cache

	// Idempotent requests go through retrying, others through single.
	retrying *retryablehttp.Client
	single   *retryablehttp.Client

	// Generation is incremented on each clear. Responses for requests started
	// in an earlier generation are not stored.
	cacheMu sync.RWMutex
	gen     uint64
}

func NewEngine(opts Options) *Engine {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.MaxResponseSize <= 0 {
		opts.MaxResponseSize = DefaultMaxResponseSize
	}
	if opts.RetryMax == 0 {
		opts.RetryMax = DefaultRetryMax
	} else if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = 250 * time.Millisecond
	}
	if opts.RetryWaitMax < opts.RetryWaitMin {
		opts.RetryWaitMax = 16 * opts.RetryWaitMin
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache(DefaultCacheSize)
	}

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	hc := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ResponseHeaderTimeout: opts.ReadTimeout,
			MaxIdleConnsPerHost:   fanout,
			IdleConnTimeout:       90 * time.Second,
		},
	}
	client := func(retryMax int) *retryablehttp.Client {
		return &retryablehttp.Client{
			HTTPClient:     hc,
			Logger:         retryLogger{},
			RetryWaitMin:   opts.RetryWaitMin,
			RetryWaitMax:   opts.RetryWaitMax,
			RetryMax:       retryMax,
			RequestLogHook: countRetries,
			CheckRetry:     checkRetry,
			Backoff:        retryablehttp.DefaultBackoff,
			ErrorHandler:   retryablehttp.PassthroughErrorHandler,
		}
	}

	return &Engine{
		user:        opts.User,
		password:    opts.Password,
		readTimeout: opts.ReadTimeout,
		maxSize:     opts.MaxResponseSize,
		ttl:         opts.CacheTTL,
		cache:       opts.Cache,
		retrying:    client(opts.RetryMax),
		single:      client(0),
	}
}

// checkRetry retries connection failures and transient status codes. After
// the last attempt, the response is passed through to the caller.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

func countRetries(_ retryablehttp.Logger, r *http.Request, attempt int) {
	if attempt > 0 {
		metricRetry.Inc()
	}
}

func idempotent(method string) bool {
	switch method {
	case http.MethodHead, http.MethodGet, http.MethodOptions:
		return true
	}
	return false
}

// Send sends the request, or returns a cached response for a GET. Only
// connection failures result in an error, the caller checks the status code.
// A 2xx response to a DELETE clears the cache.
func (e *Engine) Send(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = e.ttl
	}
	cacheable := req.Method == http.MethodGet && !req.NoCache && ttl > 0

	var key string
	var gen uint64
	if cacheable {
		key = cacheKey(req.Method, req.URL, req.Header, req.Body)
		e.cacheMu.RLock()
		gen = e.gen
		resp, ok := e.cache.Get(key)
		e.cacheMu.RUnlock()
		if ok {
			metricCache.WithLabelValues("hit").Inc()
			return resp, nil
		}
		metricCache.WithLabelValues("miss").Inc()
	}

	resp, err := e.do(ctx, req)
	if err != nil {
		return nil, err
	}

	if cacheable && resp.OK() {
		e.cacheMu.RLock()
		if e.gen == gen {
			e.cache.Put(key, resp, ttl)
		}
		e.cacheMu.RUnlock()
	} else if req.Method == http.MethodDelete && resp.OK() {
		e.ClearCache()
	}
	return resp, nil
}

// ClearCache removes all cached responses.
func (e *Engine) ClearCache() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.gen++
	e.cache.Clear()
	metricCacheClear.Inc()
}

func (e *Engine) do(ctx context.Context, req Request) (*Response, error) {
	// Canceled when the body stalls, see idleReader.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var body any
	if len(req.Body) > 0 {
		body = req.Body
	}
	hreq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	for k, l := range req.Header {
		for _, v := range l {
			hreq.Header.Add(k, v)
		}
	}
	if e.user != "" || e.password != "" {
		hreq.SetBasicAuth(e.user, e.password)
	}

	client := e.single
	if idempotent(req.Method) {
		client = e.retrying
	}

	start := time.Now()
	hresp, err := client.Do(hreq)
	if err != nil {
		if hresp != nil {
			hresp.Body.Close()
		}
		metricRequest.WithLabelValues(req.Method, "error").Observe(time.Since(start).Seconds())
		log.WithFields(log.Fields{"method": req.Method, "url": req.URL}).Debugf("registry request failed: %v", err)
		return nil, &ConnectionError{req.Method, req.URL, err}
	}
	defer hresp.Body.Close()

	r := newIdleReader(hresp.Body, e.readTimeout, cancel)
	buf, err := io.ReadAll(io.LimitReader(r, e.maxSize+1))
	r.stop()
	if err != nil {
		if r.stalled.Load() {
			err = fmt.Errorf("no data for %v: %w", e.readTimeout, err)
		}
		metricRequest.WithLabelValues(req.Method, "error").Observe(time.Since(start).Seconds())
		return nil, &ConnectionError{req.Method, req.URL, fmt.Errorf("reading response: %w", err)}
	}
	if int64(len(buf)) > e.maxSize {
		metricRequest.WithLabelValues(req.Method, "error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%s %s: %w, more than %d bytes", req.Method, req.URL, ErrTooLarge, e.maxSize)
	}
	metricRequest.WithLabelValues(req.Method, fmt.Sprintf("%d", hresp.StatusCode)).Observe(time.Since(start).Seconds())
	log.WithFields(log.Fields{
		"method": req.Method,
		"url":    req.URL,
		"status": hresp.StatusCode,
		"size":   len(buf),
	}).Debug("registry request")

	return &Response{hresp.StatusCode, hresp.Header, buf}, nil
}

// idleReader cancels the request when no data arrives for the timeout, so a
// registry that stops sending in the middle of a body does not block forever.
// Large bodies that keep arriving are not cut off.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	stalled atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.stalled.Store(true)
		cancel()
	})
	return ir
}

func (r *idleReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 && !r.stalled.Load() {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleReader) stop() {
	r.timer.Stop()
}

// get sends a GET request, returning an UnexpectedStatusError for non-2xx
// responses.
func (e *Engine) get(ctx context.Context, url string, header http.Header) (*Response, error) {
	resp, err := e.Send(ctx, Request{Method: http.MethodGet, URL: url, Header: header})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &UnexpectedStatusError{http.MethodGet, url, resp.StatusCode}
	}
	return resp, nil
}

// getJSON is like get, and parses the body as JSON into v.
func (e *Engine) getJSON(ctx context.Context, url string, v any) (*Response, error) {
	resp, err := e.get(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return nil, fmt.Errorf("parsing response from %s: %w", url, err)
	}
	return resp, nil
}

// retryLogger passes retryablehttp logging to logrus. Its errors are for single
// attempts, so they are logged as warnings.
type retryLogger struct{}

var _ retryablehttp.LeveledLogger = retryLogger{}

func fields(keysAndValues []any) log.Fields {
	f := log.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}

func (retryLogger) Error(msg string, keysAndValues ...any) {
	log.WithFields(fields(keysAndValues)).Warn(msg)
}

func (retryLogger) Warn(msg string, keysAndValues ...any) {
	log.WithFields(fields(keysAndValues)).Warn(msg)
}

func (retryLogger) Info(msg string, keysAndValues ...any) {
	log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (retryLogger) Debug(msg string, keysAndValues ...any) {
	log.WithFields(fields(keysAndValues)).Debug(msg)
}
