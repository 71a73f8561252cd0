// Package actuator delivers motor speeds to the rig's controller board.
package actuator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	customlog "github.com/open-teleop/blobtracker/pkg/log"
	"github.com/valyala/fasthttp"
)

const (
	// DefaultSendTimeout bounds a single motor command.
	DefaultSendTimeout = 300 * time.Millisecond
	// DefaultProbeTimeout bounds the startup connectivity check.
	DefaultProbeTimeout = 2 * time.Second
)

// HTTPClient drives a board that exposes GET /control?motor=<ch>&speed=<n>.
// Any 2xx response counts as delivered; the body is ignored.
type HTTPClient struct {
	client  *fasthttp.Client
	baseURL string
	timeout time.Duration
	logger  customlog.Logger
}

// HTTPOption customizes an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithDialer replaces the network dialer, e.g. with an in-memory listener.
func WithDialer(dial fasthttp.DialFunc) HTTPOption {
	return func(c *HTTPClient) { c.client.Dial = dial }
}

// NewHTTPClient returns a client for the board at address, which may be a bare
// host ("192.168.4.1") or a full base URL.
func NewHTTPClient(address string, timeout time.Duration, logger customlog.Logger, opts ...HTTPOption) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}
	c := &HTTPClient{
		client: &fasthttp.Client{
			Name:                "blobtracker",
			MaxConnsPerHost:     4,
			MaxIdleConnDuration: 10 * time.Second,
		},
		baseURL: BaseURL(address),
		timeout: timeout,
		logger:  logger.WithField("actuator", "http"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL normalizes an actuator address to a scheme-qualified base without
// a trailing slash.
func BaseURL(address string) string {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	return address
}

// Send issues one motor command. The effective timeout is the smaller of the
// client timeout and the context deadline.
func (c *HTTPClient) Send(ctx context.Context, channel string, speed int) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/control")
	req.Header.SetMethod(fasthttp.MethodGet)
	args := req.URI().QueryArgs()
	args.Add("motor", channel)
	args.Add("speed", strconv.Itoa(speed))

	if err := c.do(ctx, req, resp, c.timeout); err != nil {
		return fmt.Errorf("motor %s speed %d: %w", channel, speed, err)
	}
	return nil
}

// Probe checks that the board answers on its root path.
func (c *HTTPClient) Probe(ctx context.Context) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/")
	req.Header.SetMethod(fasthttp.MethodGet)
	if err := c.do(ctx, req, resp, DefaultProbeTimeout); err != nil {
		return fmt.Errorf("probe %s: %w", c.baseURL, err)
	}
	c.logger.Infof("Actuator reachable at %s", c.baseURL)
	return nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// String returns the base URL.
func (c *HTTPClient) String() string {
	return c.baseURL
}

func (c *HTTPClient) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return err
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return fmt.Errorf("status %d", code)
	}
	return nil
}
