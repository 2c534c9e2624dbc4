package cfapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NickDunas/tuinnel/internal/security"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New("test-token")
	c.httpClient = srv.Client()
	c.baseURL = srv.URL
	return c
}

func TestClassifyStatusDominatesCodeScan(t *testing.T) {
	// 1003 would normally mean fatal, but a 409 status on the explicit
	// table must win (spec §4.A: "HTTP status dominates").
	got := classify(409, []apiError{{Code: 1003, Message: "auth error embedded in a conflict"}})
	if got != security.Recoverable {
		t.Fatalf("classify = %q, want recoverable (status dominates)", got)
	}
}

func TestClassifyCodeScanFallback(t *testing.T) {
	cases := []struct {
		status int
		code   int
		want   security.Classification
	}{
		{200, 1003, security.Fatal},
		{200, 9109, security.Recoverable},
		{200, 81053, security.Recoverable},
		{200, 99999, security.Fatal},
		{401, 0, security.Fatal},
		{403, 0, security.Fatal},
		{429, 0, security.Transient},
		{500, 0, security.Transient},
		{502, 0, security.Transient},
	}
	for _, tc := range cases {
		got := classify(tc.status, []apiError{{Code: tc.code}})
		if got != tc.want {
			t.Errorf("classify(%d, code=%d) = %q, want %q", tc.status, tc.code, got, tc.want)
		}
	}
}

func TestParseRetryAfterIntegerSeconds(t *testing.T) {
	d := parseRetryAfter("5")
	if d != 5*time.Second {
		t.Fatalf("parseRetryAfter(5) = %v, want 5s", d)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	if d <= 0 || d > 11*time.Second {
		t.Fatalf("parseRetryAfter(date) = %v, want ~10s", d)
	}
}

func TestParseRetryAfterFallback(t *testing.T) {
	if d := parseRetryAfter(""); d != time.Second {
		t.Fatalf("parseRetryAfter(\"\") = %v, want 1s", d)
	}
	if d := parseRetryAfter("not-a-date"); d != time.Second {
		t.Fatalf("parseRetryAfter(garbage) = %v, want 1s", d)
	}
}

func TestRetryOn429ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"success":false,"errors":[{"code":10000,"message":"rate limited"}],"messages":[],"result":null}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true,"errors":[],"messages":[],"result":[{"id":"z1","name":"example.com"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	zones, _, err := request[[]Zone](context.Background(), c, "GET", "/zones", nil, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(zones) != 1 || zones[0].ID != "z1" {
		t.Fatalf("zones = %+v, want one zone z1", zones)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (one 429 then success)", calls)
	}
}

func TestRetryOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"success":false,"errors":[{"code":1,"message":"boom"}],"messages":[],"result":null}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true,"errors":[],"messages":[],"result":{"id":"t1","name":"tuinnel-app"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	tunnel, _, err := request[Tunnel](context.Background(), c, "GET", "/accounts/acc/cfd_tunnel/t1", nil, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if tunnel.ID != "t1" {
		t.Fatalf("ID = %q, want t1", tunnel.ID)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRequestNonRetryable4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success":false,"errors":[{"code":1004,"message":"bad request"}],"messages":[],"result":null}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, _, err := request[Tunnel](context.Background(), c, "GET", "/accounts/acc/cfd_tunnel/t1", nil, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if security.ClassOf(err) != security.Fatal {
		t.Fatalf("classification = %q, want fatal", security.ClassOf(err))
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry for plain 4xx)", calls)
	}
}

func TestRequestFatal401NoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"success":false,"errors":[{"code":9,"message":"invalid token"}],"messages":[],"result":null}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, _, err := request[Tunnel](context.Background(), c, "GET", "/accounts/acc/cfd_tunnel/t1", nil, nil)
	if err == nil || security.ClassOf(err) != security.Fatal {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestAccountIDCachedAcrossCalls(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true,"errors":[],"messages":[],"result":[{"id":"z1","name":"example.com","account":{"id":"acct-1"}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	id1, err := c.AccountID(context.Background())
	if err != nil {
		t.Fatalf("AccountID: %v", err)
	}
	id2, err := c.AccountID(context.Background())
	if err != nil {
		t.Fatalf("AccountID: %v", err)
	}
	if id1 != "acct-1" || id2 != "acct-1" {
		t.Fatalf("ids = %q, %q, want acct-1 both times", id1, id2)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (second AccountID call must hit the cache)", calls)
	}

	c.ClearAccountIDCache()
	if _, err := c.AccountID(context.Background()); err != nil {
		t.Fatalf("AccountID after clear: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 after cache clear", calls)
	}
}

func TestAccountIDNoZonesIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true,"errors":[],"messages":[],"result":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.AccountID(context.Background())
	if err == nil || security.ClassOf(err) != security.Fatal {
		t.Fatalf("expected fatal error for zero zones, got %v", err)
	}
}

func TestPaginateStopsOnShortPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true,"errors":[],"messages":[],"result":[{"id":"z1","name":"a.com"}],"result_info":{"page":1,"per_page":50,"count":1}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	var got []Zone
	for z, err := range Paginate[Zone](context.Background(), c, "/zones", nil) {
		if err != nil {
			t.Fatalf("paginate: %v", err)
		}
		got = append(got, z)
	}
	if len(got) != 1 {
		t.Fatalf("got %d zones, want 1 (page shorter than per_page must stop)", len(got))
	}
}
