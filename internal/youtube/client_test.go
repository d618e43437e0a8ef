package youtube

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"onairbot/internal/eventbus"
	logx "onairbot/pkg/logx"
)

func newTestClient(t *testing.T, baseURL string, keys []string, bus eventbus.Bus) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		APIKeys:   keys,
		Attempts:  3,
		RetryBase: time.Millisecond,
		BaseURL:   baseURL,
	}, bus, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestCallSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("key"); got != "key1" {
			t.Errorf("key = %q, want key1", got)
		}
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"key1"}, nil)
	body, err := c.Call(context.Background(), "search", url.Values{"q": {"x"}})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(body) != `{"items":[]}` {
		t.Fatalf("body = %s", body)
	}
}

func TestCallRotatesOnQuotaExceeded(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("key") == "key1" {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":{"code":403,"errors":[{"reason":"quotaExceeded"}]}}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	c := newTestClient(t, srv.URL, []string{"key1", "key2"}, bus)
	body, err := c.Call(context.Background(), "search", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("body = %s", body)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls = %d, want 2 (one per key, no retry on quota)", n)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.TypeKeyRotated {
			t.Fatalf("event type = %q", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no key_rotated event published")
	}

	// The ring cursor sticks to the working key for subsequent calls.
	if _, err := c.Call(context.Background(), "search", nil); err != nil {
		t.Fatalf("second Call: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3 (second call reuses rotated key)", n)
	}
}

func TestCallAllKeysExhausted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"errors":[{"reason":"dailyLimitExceeded"}]}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"key1", "key2"}, nil)
	_, err := c.Call(context.Background(), "search", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestCallHardFailureNoRotation(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"errors":[{"reason":"invalidParameter"}]}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"key1", "key2"}, nil)
	_, err := c.Call(context.Background(), "search", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatalf("hard failure misreported as unavailable: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1 (no retry, no rotation)", n)
	}
}

func TestCallNonQuota403IsHardFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"errors":[{"reason":"forbidden"}]}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"key1", "key2"}, nil)
	_, err := c.Call(context.Background(), "search", nil)
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want hard failure", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestCallRetryCeilingPerKey(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		// Stall past the client timeout so every attempt times out.
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{
		APIKeys:     []string{"key1", "key2"},
		Attempts:    3,
		RetryBase:   time.Millisecond,
		HTTPTimeout: 50 * time.Millisecond,
		BaseURL:     srv.URL,
	}, nil, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = c.Call(context.Background(), "search", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("attempts = %d, want exactly 3 (per-key ceiling)", n)
	}
	if _, idx := c.currentKey(); idx != 0 {
		t.Fatalf("cursor = %d, want 0 (timeouts never rotate keys)", idx)
	}
}

func TestCallTransientErrorsReturnUnavailable(t *testing.T) {
	t.Parallel()

	// A server that is already closed refuses connections.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c := newTestClient(t, addr, []string{"key1"}, nil)
	_, err := c.Call(context.Background(), "search", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestNewClientRejectsEmptyKeyRing(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(ClientConfig{APIKeys: []string{"", "  "}}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error for empty key ring")
	}
}

func TestQuotaReason(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want string
	}{
		{"quota", `{"error":{"errors":[{"reason":"quotaExceeded"}]}}`, "quotaExceeded"},
		{"key invalid", `{"error":{"errors":[{"reason":"keyInvalid"}]}}`, "keyInvalid"},
		{"rate limit", `{"error":{"errors":[{"reason":"rateLimitExceeded"}]}}`, "rateLimitExceeded"},
		{"daily limit", `{"error":{"errors":[{"reason":"dailyLimitExceeded"}]}}`, "dailyLimitExceeded"},
		{"other reason", `{"error":{"errors":[{"reason":"forbidden"}]}}`, ""},
		{"second entry", `{"error":{"errors":[{"reason":"x"},{"reason":"quotaExceeded"}]}}`, "quotaExceeded"},
		{"unstructured", `quota exceeded`, ""},
		{"empty", ``, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := quotaReason([]byte(tc.body)); got != tc.want {
				t.Fatalf("quotaReason = %q, want %q", got, tc.want)
			}
		})
	}
}
