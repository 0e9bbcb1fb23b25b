// Package origin fetches playlists and segments from origin CDNs with the
// headers recorded for the stream.
package origin

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 20 * time.Second
	// MaxPlaylistBytes caps how much of a playlist body is read into memory.
	MaxPlaylistBytes = 8 << 20

	sniffLen = 32
)

var (
	ErrPlaylistTooLarge = errors.New("playlist exceeds size limit")
	// ErrTimeout means the origin did not send response headers in time.
	ErrTimeout = errors.New("origin response timed out")
)

// FetchError describes a failed origin fetch. Status is the origin's status
// code when it answered, zero otherwise.
type FetchError struct {
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("origin responded %d", e.Status)
	}
	return fmt.Sprintf("origin unreachable: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ClientError reports whether the origin rejected the request itself.
func (e *FetchError) ClientError() bool { return e.Status >= 400 && e.Status < 500 }

// Timeout reports whether the fetch ran out of time.
func (e *FetchError) Timeout() bool {
	if errors.Is(e.Err, ErrTimeout) || errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// BreakerConfig configures the per-host circuit breakers.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

type Config struct {
	// Timeout bounds the wait for response headers and the first body bytes.
	// Reading the rest of the body is bounded only by the caller's context.
	Timeout time.Duration
	Breaker BreakerConfig
}

// Request is one origin fetch.
type Request struct {
	URL     string
	Headers map[string]string
	// Range and IfRange are forwarded from the client when set.
	Range   string
	IfRange string
}

// Response is a successful (2xx) origin response. The caller must close Body.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	// URL is the address that answered, after redirects.
	URL      string
	Playlist bool
}

type Client struct {
	HTTPClient *http.Client
	cfg        Config
	log        *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func New(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.MaxRequests == 0 {
		cfg.Breaker.MaxRequests = 1
	}
	if cfg.Breaker.Timeout <= 0 {
		cfg.Breaker.Timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		HTTPClient: &http.Client{},
		cfg:        cfg,
		log:        log,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	threshold := c.cfg.Breaker.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: c.cfg.Breaker.MaxRequests,
		Interval:    c.cfg.Breaker.Interval,
		Timeout:     c.cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A player that hangs up says nothing about the origin.
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var fe *FetchError
			return errors.As(err, &fe) && fe.ClientError()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Info("circuit-breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	c.breakers[host] = cb
	return cb
}

// Fetch performs a GET against the origin. Any non-2xx answer, network
// failure or open breaker is returned as a *FetchError.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, &FetchError{Err: errors.New("invalid origin url")}
	}

	result, err := c.breaker(u.Host).Execute(func() (interface{}, error) {
		return c.do(ctx, req)
	})
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, &FetchError{Err: err}
	}
	return result.(*Response), nil
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(c.cfg.Timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	fail := func(fe *FetchError) (*Response, error) {
		timer.Stop()
		cancel()
		if timedOut.Load() && fe.Status == 0 {
			fe = &FetchError{Err: ErrTimeout}
		}
		return nil, fe
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fail(&FetchError{Err: err})
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Range != "" {
		httpReq.Header.Set("Range", req.Range)
	}
	if req.IfRange != "" {
		httpReq.Header.Set("If-Range", req.IfRange)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fail(&FetchError{Err: err})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return fail(&FetchError{Status: resp.StatusCode})
	}

	final := httpReq.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	br := bufio.NewReaderSize(resp.Body, 4<<10)
	head, _ := br.Peek(sniffLen)
	// Headers and the sniffed prefix arrived in time; from here the body is
	// bounded by the caller's context.
	if !timer.Stop() {
		resp.Body.Close()
		return fail(&FetchError{Err: ErrTimeout})
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   &body{Reader: br, closer: resp.Body, cancel: cancel},
		URL:    final.String(),
		Playlist: IsPlaylistType(resp.Header.Get("Content-Type")) ||
			looksLikePlaylist(head) ||
			strings.HasSuffix(strings.ToLower(final.Path), ".m3u8"),
	}, nil
}

// body releases the fetch context once the caller is done reading.
type body struct {
	io.Reader
	closer io.Closer
	cancel context.CancelFunc
}

func (b *body) Close() error {
	err := b.closer.Close()
	b.cancel()
	return err
}

// LooksLikePlaylist reports whether a body starts with the #EXTM3U tag,
// ignoring a byte order mark and leading blank lines.
func LooksLikePlaylist(head []byte) bool { return looksLikePlaylist(head) }

// IsPlaylistType reports whether a Content-Type header names an HLS playlist.
func IsPlaylistType(header string) bool {
	if header == "" {
		return false
	}
	mt, err := contenttype.ParseMediaType(header)
	if err != nil {
		return false
	}
	sub := strings.ToLower(mt.Subtype)
	switch strings.ToLower(mt.Type) {
	case "application":
		return sub == "vnd.apple.mpegurl" || sub == "x-mpegurl" || sub == "mpegurl"
	case "audio":
		return sub == "mpegurl" || sub == "x-mpegurl"
	}
	return false
}

func looksLikePlaylist(head []byte) bool {
	head = bytes.TrimPrefix(head, []byte("\xef\xbb\xbf"))
	head = bytes.TrimLeft(head, " \t\r\n")
	return bytes.HasPrefix(head, []byte("#EXTM3U"))
}

// ReadPlaylist reads a playlist body, refusing bodies over MaxPlaylistBytes.
func ReadPlaylist(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxPlaylistBytes+1))
	if err != nil {
		return "", fmt.Errorf("read playlist: %w", err)
	}
	if len(data) > MaxPlaylistBytes {
		return "", ErrPlaylistTooLarge
	}
	return string(data), nil
}
