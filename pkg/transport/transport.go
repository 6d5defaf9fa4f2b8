// Package transport implements fetching remote objects over HTTP
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mwitkow/go-conntrack"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout limits a single fetch including reading the body
	DefaultTimeout = time.Minute
	// DefaultMaxSize limits the size of a fetched body
	DefaultMaxSize int64 = 50 << 20

	dialerName = "imgcache_fetch"
)

// ErrTooLarge is returned when the body exceeds the configured limit
var ErrTooLarge = errors.New("response body exceeds size limit")

type (
	// Response contains the fetched body and the metadata taken from the
	// response headers
	Response struct {
		Data         []byte
		ContentType  string
		LastModified time.Time
	}

	// ProgressFunc is called while reading the body. Expected is -1 when
	// the server did not announce a content length.
	ProgressFunc func(received, expected int64)

	// StatusError is returned for responses with a non-success status
	StatusError struct {
		Code int
	}

	// HTTP fetches objects using a net/http client whose dialer is
	// traced through conntrack
	HTTP struct {
		client    *http.Client
		logger    logrus.FieldLogger
		maxSize   int64
		timeout   time.Duration
		userAgent string
	}

	// Option configures the HTTP transport
	Option func(*HTTP)
)

func (s StatusError) Error() string {
	return fmt.Sprintf("HTTP status signaled failure: %d", s.Code)
}

// WithClient replaces the HTTP client. A timeout set by WithTimeout is
// applied to a copy of it regardless of the option order.
func WithClient(c *http.Client) Option {
	return func(h *HTTP) { h.client = c }
}

// WithLogger sets the logger used for fetch information
func WithLogger(l logrus.FieldLogger) Option {
	return func(h *HTTP) { h.logger = l }
}

// WithMaxSize limits the number of bytes read from a response body
func WithMaxSize(n int64) Option {
	return func(h *HTTP) { h.maxSize = n }
}

// WithTimeout sets the client timeout
func WithTimeout(d time.Duration) Option {
	return func(h *HTTP) { h.timeout = d }
}

// WithUserAgent sets the User-Agent header sent with every fetch
func WithUserAgent(ua string) Option {
	return func(h *HTTP) { h.userAgent = ua }
}

// New creates an HTTP transport
func New(opts ...Option) *HTTP {
	tr := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // DefaultTransport is always a *http.Transport
	tr.DialContext = conntrack.NewDialContextFunc(
		conntrack.DialWithTracing(),
		conntrack.DialWithName(dialerName),
	)

	h := &HTTP{
		client:  &http.Client{Transport: tr, Timeout: DefaultTimeout},
		logger:  logrus.StandardLogger(),
		maxSize: DefaultMaxSize,
	}

	for _, o := range opts {
		o(h)
	}

	if h.timeout > 0 {
		c := *h.client
		c.Timeout = h.timeout
		h.client = &c
	}

	return h
}

// Fetch retrieves the given URL. Any status above 299 is a failure.
func (h *HTTP) Fetch(ctx context.Context, url string, progress ProgressFunc) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}

	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching source file")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			h.logger.WithError(err).Error("closing response body (leaked fd)")
		}
	}()

	if resp.StatusCode > 299 { //nolint:mnd // Everything above 2xx is a failure
		return nil, StatusError{Code: resp.StatusCode}
	}

	if h.maxSize > 0 && resp.ContentLength > h.maxSize {
		return nil, errors.Wrapf(ErrTooLarge, "announced %d bytes", resp.ContentLength)
	}

	var body io.Reader = resp.Body
	if h.maxSize > 0 {
		// One extra byte to detect oversized bodies without length
		body = io.LimitReader(body, h.maxSize+1)
	}
	if progress != nil {
		body = &progressReader{r: body, expected: resp.ContentLength, fn: progress}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}

	if h.maxSize > 0 && int64(len(data)) > h.maxSize {
		return nil, ErrTooLarge
	}

	out := &Response{
		Data:         data,
		ContentType:  resp.Header.Get("Content-Type"),
		LastModified: time.Now(),
	}

	if t, err := time.Parse(http.TimeFormat, resp.Header.Get("Last-Modified")); err == nil {
		out.LastModified = t
	}

	if out.ContentType == "" {
		out.ContentType = http.DetectContentType(data)
	}

	h.logger.WithFields(logrus.Fields{
		"url":  url,
		"size": len(data),
	}).Debug("fetched source file")

	return out, nil
}

type progressReader struct {
	r        io.Reader
	received int64
	expected int64
	fn       ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.received += int64(n)
		p.fn(p.received, p.expected)
	}
	return n, err //nolint:wrapcheck // Must pass io.EOF through unchanged
}
