package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/ratelimit"
)

func TestRateLimit_Burst429IncludesRetryAfter(t *testing.T) {
	lim := ratelimit.New(ratelimit.Config{
		RPS:   1,
		Burst: 1,
	})

	h := RateLimit(config.Config{}, lim, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	{
		req := httptest.NewRequest(http.MethodPost, "/v1/bridges", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("first request status=%d body=%q", rr.Code, rr.Body.String())
		}
	}

	{
		req := httptest.NewRequest(http.MethodPost, "/v1/bridges", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusTooManyRequests {
			t.Fatalf("second request status=%d body=%q", rr.Code, rr.Body.String())
		}
		if got := rr.Header().Get("Retry-After"); got == "" {
			t.Fatalf("expected Retry-After header")
		}
		if body := rr.Body.String(); body == "" || !strings.Contains(body, `"type":"rate_limit_error"`) {
			t.Fatalf("unexpected body: %q", body)
		}
	}
}

func TestRateLimit_ConcurrentRequests429(t *testing.T) {
	lim := ratelimit.New(ratelimitConfigNoRPS(1, 0))

	started := make(chan struct{})
	release := make(chan struct{})

	h := RateLimit(config.Config{}, lim, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		req := httptest.NewRequest(http.MethodPost, "/v1/bridges", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("first request status=%d body=%q", rr.Code, rr.Body.String())
		}
	}()

	<-started

	req2 := httptest.NewRequest(http.MethodPost, "/v1/bridges", nil)
	rr2 := httptest.NewRecorder()
	h.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status=%d body=%q", rr2.Code, rr2.Body.String())
	}

	close(release)
	wg.Wait()
}

func ratelimitConfigNoRPS(maxConcurrent int, maxStreams int) ratelimit.Config {
	return ratelimit.Config{
		RPS:                   0,
		Burst:                 0,
		MaxConcurrentRequests: maxConcurrent,
		MaxConcurrentStreams:  maxStreams,
	}
}

func TestRateLimit_StreamsUseStreamPermits(t *testing.T) {
	lim := ratelimit.New(ratelimitConfigNoRPS(1, 1))

	var reasons []string
	started := make(chan struct{})
	release := make(chan struct{})
	h := RateLimit(config.Config{}, lim, func(reason string) { reasons = append(reasons, reason) }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/conversations/c1/events" {
			close(started)
			<-release
		}
		w.WriteHeader(http.StatusOK)
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/conversations/c1/events", nil))
	}()
	<-started

	// A held stream does not consume the request slot.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/bridges", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("request status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/conversations/c1/events", nil))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second stream status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"code":"concurrent_streams"`) {
		t.Fatalf("body=%q", rr.Body.String())
	}

	close(release)
	<-done
	if len(reasons) != 1 || reasons[0] != ratelimit.ReasonConcurrentStream {
		t.Fatalf("reasons=%v", reasons)
	}
}

func TestRateLimit_HealthBypass(t *testing.T) {
	lim := ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1})
	h := RateLimit(config.Config{}, lim, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("healthz #%d status=%d", i, rr.Code)
		}
	}
}
