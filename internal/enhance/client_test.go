package enhance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chatServer is an OpenAI-compatible stub that scripts per-call status codes
// and records when each call arrived.
type chatServer struct {
	mu       sync.Mutex
	statuses []int
	calls    int
	arrived  []time.Time
	reply    string
}

func (s *chatServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.arrived = append(s.arrived, time.Now())
	status := http.StatusOK
	if idx < len(s.statuses) {
		status = s.statuses[idx]
	}
	reply := s.reply
	s.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, `{"error":"scripted failure"}`, status)
		return
	}
	resp := map[string]any{
		"model": "gpt-4o-mini",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": reply}},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *chatServer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *chatServer) arrivals() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.arrived...)
}

func fastConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: 50 * time.Millisecond,
		MaxAttempts:    3,
		MaxDelay:       10 * time.Millisecond,
		MinInterval:    0,
	}
}

func newTestClient(t *testing.T, cfg ClientConfig, srv *chatServer) *Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	t.Cleanup(ts.Close)

	c := NewClient(cfg, zerolog.Nop())
	c.Register(NewOpenAI(ProviderConfig{APIKey: "test-key", Endpoint: ts.URL}))
	return c
}

func TestEnhance_EmptyTextFailsFast(t *testing.T) {
	srv := &chatServer{}
	c := newTestClient(t, fastConfig(), srv)

	_, err := c.Enhance(context.Background(), &Request{Text: "   \n\t", Provider: "openai"})
	assert.Equal(t, KindEmptyText, KindOf(err))
	assert.Equal(t, 0, srv.callCount(), "empty text must not hit the network")
}

func TestEnhance_UnknownProviderNotConfigured(t *testing.T) {
	c := NewClient(fastConfig(), zerolog.Nop())

	_, err := c.Enhance(context.Background(), &Request{Text: "hello", Provider: "nope"})
	assert.Equal(t, KindNotConfigured, KindOf(err))
}

func TestEnhance_MissingKeyNotConfigured(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	c := NewClient(fastConfig(), zerolog.Nop())
	c.Register(NewOpenAI(ProviderConfig{}))

	_, err := c.Enhance(context.Background(), &Request{Text: "hello", Provider: "openai"})
	assert.Equal(t, KindNotConfigured, KindOf(err))
}

func TestEnhance_Success(t *testing.T) {
	srv := &chatServer{reply: "  Hello, world.  "}
	c := newTestClient(t, fastConfig(), srv)

	res, err := c.Enhance(context.Background(), &Request{Text: "hello world", Prompt: "clean up", Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world.", res.Text, "result text should be trimmed")
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, srv.callCount())
}

func TestEnhance_ServerErrorsExhaustAttempts(t *testing.T) {
	srv := &chatServer{statuses: []int{500, 500, 500}}
	c := newTestClient(t, fastConfig(), srv)

	_, err := c.Enhance(context.Background(), &Request{Text: "hello", Provider: "openai"})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, 3, srv.callCount(), "expected exactly MaxAttempts calls")
}

func TestEnhance_RateLimitedThenSuccess(t *testing.T) {
	srv := &chatServer{statuses: []int{429, 429}, reply: "done"}
	c := newTestClient(t, fastConfig(), srv)

	res, err := c.Enhance(context.Background(), &Request{Text: "hello", Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "done", res.Text)
}

func TestEnhance_RateLimitedExhausted(t *testing.T) {
	srv := &chatServer{statuses: []int{429, 429, 429}}
	c := newTestClient(t, fastConfig(), srv)

	_, err := c.Enhance(context.Background(), &Request{Text: "hello", Provider: "openai"})
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Equal(t, 3, srv.callCount())
}

func TestEnhance_ClientErrorNotRetried(t *testing.T) {
	srv := &chatServer{statuses: []int{400}}
	c := newTestClient(t, fastConfig(), srv)

	_, err := c.Enhance(context.Background(), &Request{Text: "hello", Provider: "openai"})
	assert.Equal(t, KindInvalidResponse, KindOf(err))
	assert.Equal(t, 1, srv.callCount(), "4xx must not be retried")
}

func TestEnhance_MinIntervalSpacesCalls(t *testing.T) {
	srv := &chatServer{reply: "ok"}
	cfg := fastConfig()
	cfg.MinInterval = 60 * time.Millisecond
	c := newTestClient(t, cfg, srv)

	for i := 0; i < 2; i++ {
		_, err := c.Enhance(context.Background(), &Request{Text: "hello", Provider: "openai"})
		require.NoError(t, err)
	}

	arrived := srv.arrivals()
	require.Len(t, arrived, 2)
	gap := arrived[1].Sub(arrived[0])
	assert.GreaterOrEqual(t, gap, 50*time.Millisecond, "second call started too soon: %v", gap)
}

func TestWaitTurn_CancelledWaitReleasesSlot(t *testing.T) {
	c := NewClient(ClientConfig{
		RequestTimeout: 50 * time.Millisecond,
		MaxAttempts:    1,
		MaxDelay:       10 * time.Millisecond,
		MinInterval:    time.Hour,
	}, zerolog.Nop())

	require.NoError(t, c.waitTurn(context.Background(), "openai"))
	c.mu.Lock()
	slot := c.lastCall["openai"]
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.waitTurn(ctx, "openai")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.mu.Lock()
	got := c.lastCall["openai"]
	c.mu.Unlock()
	assert.True(t, got.Equal(slot), "cancelled wait must not consume a rate-limiter slot: got %v, want %v", got, slot)
}

func TestEnhance_CancelDuringBackoff(t *testing.T) {
	srv := &chatServer{statuses: []int{500, 500, 500}}
	cfg := ClientConfig{
		RequestTimeout: 100 * time.Millisecond,
		MaxAttempts:    3,
		MaxDelay:       time.Second,
		MinInterval:    0,
	}
	c := newTestClient(t, cfg, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Enhance(ctx, &Request{Text: "hello", Provider: "openai"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var e *Error
	assert.False(t, errors.As(err, &e), "cancellation must surface as the context error")
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	c := NewClient(ClientConfig{
		RequestTimeout: 10 * time.Second,
		MaxAttempts:    5,
		MaxDelay:       30 * time.Second,
	}, zerolog.Nop())

	assert.Equal(t, 10*time.Second, c.backoff(2))
	assert.Equal(t, 20*time.Second, c.backoff(3))
	assert.Equal(t, 30*time.Second, c.backoff(4), "delay should cap at MaxDelay")
	assert.Equal(t, 30*time.Second, c.backoff(5))
}
