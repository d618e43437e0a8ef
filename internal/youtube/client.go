// Package youtube talks to the YouTube Data API v3 with a rotating ring of
// API keys and bounded retries for transient network failures.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"onairbot/internal/eventbus"
	logx "onairbot/pkg/logx"
)

const defaultBaseURL = "https://www.googleapis.com/youtube/v3"

// ErrUnavailable means the API could not be reached with any credential right
// now. Callers treat it as a transient, poll-cycle condition.
var ErrUnavailable = errors.New("youtube api unavailable")

// quotaReasons are the 403 error reasons that exhaust a key rather than the
// request: the next key in the ring gets a fresh chance.
var quotaReasons = map[string]struct{}{
	"quotaExceeded":      {},
	"dailyLimitExceeded": {},
	"rateLimitExceeded":  {},
	"keyInvalid":         {},
}

// quotaError marks a 403 response whose reason is in quotaReasons.
type quotaError struct {
	reason string
}

func (e *quotaError) Error() string { return "youtube api key rejected: " + e.reason }

// ClientConfig configures the API client.
type ClientConfig struct {
	APIKeys     []string
	Attempts    uint          // per-key attempts for transient errors; default 3
	RetryBase   time.Duration // first retry delay, doubled each attempt; default 500ms
	HTTPTimeout time.Duration // default 15s
	BaseURL     string        // test override
}

// Client is a YouTube Data API caller that rotates between API keys when one
// runs out of quota. Rotation is in-memory only.
type Client struct {
	http    *http.Client
	log     logx.Logger
	bus     eventbus.Bus
	baseURL string

	attempts  uint
	retryBase time.Duration

	keys []string

	// mu guards cursor only. It is held for read-then-advance, never across I/O.
	mu     sync.Mutex
	cursor int
}

func NewClient(cfg ClientConfig, bus eventbus.Bus, log logx.Logger) (*Client, error) {
	keys := make([]string, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, strings.TrimSpace(k))
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("youtube client requires at least one API key")
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = 3
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		log:       log,
		bus:       bus,
		baseURL:   baseURL,
		attempts:  attempts,
		retryBase: retryBase,
		keys:      keys,
	}, nil
}

func (c *Client) currentKey() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[c.cursor], c.cursor
}

// rotateFrom advances the cursor past idx. If another goroutine already moved
// it, the current position is kept.
func (c *Client) rotateFrom(idx int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor == idx {
		c.cursor = (idx + 1) % len(c.keys)
	}
	return c.cursor
}

// Call performs a GET against <baseURL>/<endpoint> with the current API key.
//
// Per key, transient network errors are retried up to the configured attempt
// ceiling with doubling backoff. A quota-style 403 rotates to the next key
// without consuming the ceiling. Any other non-2xx status fails the call hard.
// When every key is quota-rejected or the network stays down, the call returns
// an error wrapping ErrUnavailable.
func (c *Client) Call(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	for tried := 0; tried < len(c.keys); tried++ {
		key, idx := c.currentKey()

		body, err := c.callWithKey(ctx, endpoint, params, key)
		if err == nil {
			return body, nil
		}

		var qerr *quotaError
		if errors.As(err, &qerr) {
			next := c.rotateFrom(idx)
			c.log.Warn("api key rejected, rotating",
				logx.String("endpoint", endpoint),
				logx.String("reason", qerr.reason),
				logx.Int("next_key", next+1),
				logx.Int("keys", len(c.keys)))
			if c.bus != nil {
				c.bus.Publish(eventbus.Event{
					Type: eventbus.TypeKeyRotated,
					Time: time.Now(),
					Data: map[string]any{
						"reason":   qerr.reason,
						"from_key": idx + 1,
						"to_key":   next + 1,
						"keys":     len(c.keys),
					},
				})
			}
			continue
		}

		if isTransient(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, endpoint, err)
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s: all %d api keys exhausted", ErrUnavailable, endpoint, len(c.keys))
}

func (c *Client) callWithKey(ctx context.Context, endpoint string, params url.Values, key string) (json.RawMessage, error) {
	q := url.Values{}
	for k, vs := range params {
		q[k] = append([]string(nil), vs...)
	}
	q.Set("key", key)
	reqURL := c.baseURL + "/" + endpoint + "?" + q.Encode()

	var body json.RawMessage
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}

			if resp.StatusCode/100 == 2 {
				body = b
				return nil
			}
			if resp.StatusCode == http.StatusForbidden {
				if reason := quotaReason(b); reason != "" {
					return retry.Unrecoverable(&quotaError{reason: reason})
				}
			}
			return retry.Unrecoverable(fmt.Errorf("youtube api %s: http %d", endpoint, resp.StatusCode))
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.retryBase),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("transient api error, retrying",
				logx.String("endpoint", endpoint),
				logx.Int("attempt", int(n)+1),
				logx.Err(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// quotaReason extracts a quota-class error reason from a structured
// API error body, or "" when the 403 is something else.
func quotaReason(body []byte) string {
	var payload struct {
		Error struct {
			Errors []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	for _, e := range payload.Error.Errors {
		if _, ok := quotaReasons[e.Reason]; ok {
			return e.Reason
		}
	}
	return ""
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var qerr *quotaError
	if errors.As(err, &qerr) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
