package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/metrics"
	"github.com/cuemby/cocoon/pkg/protocol"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds every proxied request
const DefaultTimeout = 30 * time.Second

// maxBodySize caps the response body relayed back over the connection
const maxBodySize = 10 << 20

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodPatch:   true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// Hop-by-hop headers are not forwarded
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is an HTTP request to relay to a named service
type Request struct {
	ID      string
	Service string
	Method  string
	Path    string
	Headers map[string]string
	Body    *string
}

// Result is the relayed response or a failure. Failures still carry an
// HTTP status so the remote side can treat every result uniformly.
type Result struct {
	StatusCode int
	Headers    map[string]string
	Body       string
	ErrorCode  string
	Error      string
}

// Failed reports whether the relay itself failed
func (r Result) Failed() bool {
	return r.ErrorCode != ""
}

// Relay forwards HTTP requests to services in a Registry
type Relay struct {
	registry *Registry
	client   *http.Client
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewRelay creates a relay. A zero timeout uses DefaultTimeout.
func NewRelay(registry *Registry, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Relay{
		registry: registry,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
		logger:  log.WithComponent("proxy"),
	}
}

// Do relays req. It never returns an error: every outcome, including an
// unknown service or a timeout, is a Result.
func (r *Relay) Do(ctx context.Context, req Request) Result {
	timer := metrics.NewTimer()
	result := r.do(ctx, req)
	outcome := "ok"
	if result.Failed() {
		outcome = result.ErrorCode
	}
	metrics.ProxyRequestsTotal.WithLabelValues(req.Service, outcome).Inc()
	timer.ObserveDurationVec(metrics.ProxyRequestDuration, req.Service)

	r.logger.Debug().
		Str("request_id", req.ID).
		Str("service", req.Service).
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", result.StatusCode).
		Dur("duration", timer.Duration()).
		Msg("Proxied request")
	return result
}

func (r *Relay) do(ctx context.Context, req Request) Result {
	ep, err := r.registry.Lookup(req.Service)
	if err != nil {
		return failure(http.StatusNotFound, protocol.CodeServiceNotFound, fmt.Sprintf("Service not found: %s", req.Service))
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return failure(http.StatusMethodNotAllowed, protocol.CodeMethodNotAllowed, fmt.Sprintf("Method not allowed: %s", req.Method))
	}

	target := ep.URL(req.Path)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = strings.NewReader(*req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return failure(http.StatusBadGateway, protocol.CodeProxyError, fmt.Sprintf("Proxy error: %v", err))
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Host") {
			httpReq.Host = v
			continue
		}
		httpReq.Header.Set(k, v)
	}
	for _, h := range hopHeaders {
		httpReq.Header.Del(h)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			return failure(http.StatusGatewayTimeout, protocol.CodeTimeout, fmt.Sprintf("Proxy timeout after %s", r.timeout))
		}
		return failure(http.StatusBadGateway, protocol.CodeProxyError, fmt.Sprintf("Proxy error: %v", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if isTimeout(ctx, err) {
			return failure(http.StatusGatewayTimeout, protocol.CodeTimeout, fmt.Sprintf("Proxy timeout after %s", r.timeout))
		}
		return failure(http.StatusBadGateway, protocol.CodeProxyError, fmt.Sprintf("Proxy error: %v", err))
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		headers[k] = strings.Join(v, ", ")
	}

	return Result{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       string(data),
	}
}

func failure(status int, code, message string) Result {
	return Result{
		StatusCode: status,
		Headers:    map[string]string{},
		Body:       message,
		ErrorCode:  code,
		Error:      message,
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
