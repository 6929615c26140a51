// Package download streams remote videos to local files. It maps upstream
// HTTP failures to typed errors so the pipeline can tell a permanently gone
// source from a transient one.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/soundscribe/videoconverter-api/internal/urlcheck"
)

var (
	// ErrNotFound means the source returned 404; retrying will not help.
	ErrNotFound = errors.New("download: source returned 404 not found")
	// ErrForbidden means the source returned 403; retrying will not help.
	ErrForbidden = errors.New("download: source returned 403 forbidden")
	// ErrSourceProhibited means the source actively blocks automated
	// downloads of this content. The message is surfaced to callers as is.
	ErrSourceProhibited = errors.New("download: the source prohibits automated downloads of this content")
	// ErrTimeout means the transfer exceeded its deadline.
	ErrTimeout = errors.New("download: timed out")
	// ErrTooLarge means the body exceeded the configured size limit.
	ErrTooLarge = errors.New("download: response exceeded the size limit")
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Result reports what a completed download wrote to disk.
type Result struct {
	Bytes       int64
	ContentType string
}

// Downloader fetches a remote video into destPath. progress, when non-nil,
// is called as bytes arrive with the running total and the advertised size
// (-1 when unknown).
type Downloader interface {
	Download(ctx context.Context, rawURL, destPath string, progress func(written, total int64)) (*Result, error)
}

// Client is the production Downloader. When proxies are configured it
// rotates through them round-robin, one transport per proxy.
type Client struct {
	clients   []*http.Client
	next      atomic.Uint32
	timeout   time.Duration
	userAgent string
	maxBytes  int64
	logger    *slog.Logger

	proxies []string
}

var _ Downloader = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces all transports with the given client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.clients = []*http.Client{client}
		}
	}
}

// WithProxies routes requests through the given proxy URLs round-robin.
func WithProxies(proxies []string) Option {
	return func(c *Client) { c.proxies = proxies }
}

// WithTimeout sets the hard per-request ceiling. Stage deadlines are
// expected to be tighter and arrive via context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxBytes caps how many body bytes a single download may write.
func WithMaxBytes(n int64) Option {
	return func(c *Client) { c.maxBytes = n }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewClient creates a Client. It fails if a configured proxy URL is invalid.
func NewClient(logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		timeout:   30 * time.Minute,
		userAgent: defaultUserAgent,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if len(c.clients) == 0 {
		if len(c.proxies) > 0 {
			for _, p := range c.proxies {
				proxyURL, err := url.Parse(p)
				if err != nil {
					return nil, fmt.Errorf("download: parsing proxy url: %w", err)
				}
				c.clients = append(c.clients, &http.Client{
					Timeout:   c.timeout,
					Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
				})
			}
			logger.Info("download client using proxy rotation", "proxies", len(c.clients))
		} else {
			c.clients = []*http.Client{{Timeout: c.timeout}}
		}
	}
	return c, nil
}

// Download streams the URL into destPath, truncating any previous content.
// The caller owns the file and removes it on failure.
func (c *Client) Download(ctx context.Context, rawURL, destPath string, progress func(written, total int64)) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("download: building request: %w", err)
	}
	c.decorate(req, rawURL)

	resp, err := c.pick().Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, err)
		}
		return nil, fmt.Errorf("download: requesting source: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode, rawURL); err != nil {
		return nil, err
	}

	out, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("download: opening destination: %w", err)
	}

	var body io.Reader = resp.Body
	if c.maxBytes > 0 {
		body = io.LimitReader(resp.Body, c.maxBytes+1)
	}
	if progress != nil {
		body = &progressReader{r: body, total: resp.ContentLength, report: progress}
	}

	written, copyErr := io.Copy(out, body)
	closeErr := out.Close()

	if copyErr != nil {
		if isTimeout(copyErr) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, copyErr)
		}
		return nil, fmt.Errorf("download: streaming body: %w", copyErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("download: closing destination: %w", closeErr)
	}
	if c.maxBytes > 0 && written > c.maxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, c.maxBytes)
	}

	return &Result{Bytes: written, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (c *Client) pick() *http.Client {
	if len(c.clients) == 1 {
		return c.clients[0]
	}
	n := c.next.Add(1)
	return c.clients[int(n-1)%len(c.clients)]
}

// decorate applies the standard headers, plus a browser-like profile for
// Instagram CDNs that reject obvious bots.
func (c *Client) decorate(req *http.Request, rawURL string) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")

	if urlcheck.Classify(rawURL) == urlcheck.KindInstagram {
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		req.Header.Set("Referer", "https://www.instagram.com/")
		req.Header.Set("Sec-Fetch-Dest", "video")
		req.Header.Set("Sec-Fetch-Mode", "no-cors")
		req.Header.Set("Sec-Fetch-Site", "same-site")
	}
}

// statusError maps response codes to the typed sentinels. A 503 on a reel
// URL is Instagram's way of saying no, not a transient outage.
func statusError(code int, rawURL string) error {
	switch {
	case code < 400:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusServiceUnavailable && isReelURL(rawURL):
		return ErrSourceProhibited
	default:
		return fmt.Errorf("download: unexpected status %d", code)
	}
}

func isReelURL(rawURL string) bool {
	if urlcheck.Classify(rawURL) != urlcheck.KindInstagram {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.Contains(u.Path, "/reel")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// progressReader reports the running byte count on every read.
type progressReader struct {
	r       io.Reader
	written int64
	total   int64
	report  func(written, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.written += int64(n)
		p.report(p.written, p.total)
	}
	return n, err
}
