// Package cfapi is a typed client for the Cloudflare API v4 endpoints tuinnel
// needs: zones, tunnels, and DNS records. It owns the request/retry/pagination
// machinery and the fatal/recoverable/transient classification that the
// orchestrator branches on.
//
// One client, one token, one base URL. Nothing here knows about tunnel
// lifecycle semantics — that's internal/orchestrator's job.
package cfapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/NickDunas/tuinnel/internal/security"
)

const baseURL = "https://api.cloudflare.com/client/v4"

const httpAttemptTimeout = 30 * time.Second

// Client is a bearer-authenticated REST client for the Cloudflare API.
// Safe for concurrent use; the only mutable shared state is the account-ID
// cache, which is guarded by its own mutex.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string

	acctMu  sync.Mutex
	acctID  string
	acctSet bool
}

// New creates a Client authenticating with token.
func New(token string) *Client {
	return &Client{
		token:      token,
		httpClient: &http.Client{Timeout: httpAttemptTimeout},
		baseURL:    baseURL,
	}
}

// NewWithBaseURL is New, but pointed at a non-default base URL — used by
// tests to target an httptest server instead of the real Cloudflare API.
func NewWithBaseURL(token, base string) *Client {
	c := New(token)
	c.baseURL = base
	return c
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type resultInfo struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	Count      int  `json:"count"`
	TotalCount *int `json:"total_count,omitempty"`
	TotalPages *int `json:"total_pages,omitempty"`
}

// attemptOutcome carries everything the retry policy needs from one HTTP
// attempt, so it never has to re-parse the response.
type attemptOutcome struct {
	status     int
	retryAfter string
	err        error
}

// request performs one logical API call, including the retry policy (spec
// §4.A). The JSON result is decoded into a value of type T and returned
// alongside the envelope's result_info (for pagination).
func request[T any](ctx context.Context, c *Client, method, endpoint string, body any, query map[string]string) (T, *resultInfo, error) {
	var zero T

	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return zero, nil, security.NewClassifiedError("could not encode request", err.Error())
		}
		bodyBytes = b
	}

	attempt := 0
	for {
		var result T
		info, outcome := doOnce(ctx, c, method, endpoint, bodyBytes, query, &result)
		if outcome.err == nil {
			return result, info, nil
		}

		next, wait, retryable := retryDecision(attempt, outcome)
		if !retryable {
			return zero, nil, outcome.err
		}
		attempt = next
		select {
		case <-ctx.Done():
			return zero, nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// doOnce performs exactly one HTTP attempt, decoding the result field of the
// envelope into out when the call succeeds.
func doOnce[T any](ctx context.Context, c *Client, method, endpoint string, bodyBytes []byte, query map[string]string, out *T) (*resultInfo, attemptOutcome) {
	reqURL := c.baseURL + endpoint
	if len(query) > 0 {
		v := url.Values{}
		for k, val := range query {
			v.Set(k, val)
		}
		reqURL += "?" + v.Encode()
	}

	attemptCtx, cancel := context.WithTimeout(ctx, httpAttemptTimeout)
	defer cancel()

	var reqBody io.Reader
	if bodyBytes != nil {
		reqBody = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, reqURL, reqBody)
	if err != nil {
		return nil, attemptOutcome{err: security.NewClassifiedError("could not build request", err.Error())}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, attemptOutcome{err: networkError(err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, attemptOutcome{status: resp.StatusCode, err: networkError(err)}
	}

	var probe struct {
		Success    bool            `json:"success"`
		Errors     []apiError      `json:"errors"`
		Messages   []apiError      `json:"messages"`
		Result     json.RawMessage `json:"result"`
		ResultInfo *resultInfo     `json:"result_info,omitempty"`
	}
	retryAfter := resp.Header.Get("Retry-After")

	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, attemptOutcome{
			status: resp.StatusCode, retryAfter: retryAfter,
			err: security.New(security.Fatal,
				"the Cloudflare API returned an unexpected response",
				fmt.Sprintf("status=%d parse error: %v body=%s", resp.StatusCode, err, truncate(raw, 500)),
				""),
		}
	}

	if !probe.Success {
		return nil, attemptOutcome{
			status: resp.StatusCode, retryAfter: retryAfter,
			err: providerError(resp.StatusCode, probe.Errors),
		}
	}

	if out != nil && len(probe.Result) > 0 && string(probe.Result) != "null" {
		if err := json.Unmarshal(probe.Result, out); err != nil {
			return nil, attemptOutcome{
				status: resp.StatusCode, retryAfter: retryAfter,
				err: security.New(security.Fatal, "the Cloudflare API result did not match the expected shape", err.Error(), ""),
			}
		}
	}

	return probe.ResultInfo, attemptOutcome{status: resp.StatusCode, retryAfter: retryAfter}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(truncated)"
}

func networkError(err error) error {
	return security.New(security.Transient, "could not reach the Cloudflare API", err.Error(), "check your network connection and try again")
}

// providerError classifies a provider-reported error using status then
// error-code scan (spec §4.A); status always wins when it's in the explicit
// table.
func providerError(status int, errs []apiError) error {
	class := classify(status, errs)
	msg := "the Cloudflare API rejected the request"
	if len(errs) > 0 {
		msg = errs[0].Message
	}
	return security.New(class, msg, fmt.Sprintf("status=%d errors=%v", status, errs), remediationFor(status, errs))
}

func classify(status int, errs []apiError) security.Classification {
	switch status {
	case 401, 403:
		return security.Fatal
	case 409:
		return security.Recoverable
	case 429:
		return security.Transient
	}
	if status >= 500 {
		return security.Transient
	}
	for _, e := range errs {
		switch e.Code {
		case 1003:
			return security.Fatal
		case 9109, 81053:
			return security.Recoverable
		}
	}
	return security.Fatal
}

func remediationFor(status int, errs []apiError) string {
	if status == 401 || status == 403 {
		return "check that your API token is valid and has the required permissions"
	}
	if status == 429 {
		return "you are being rate-limited; this will be retried automatically"
	}
	for _, e := range errs {
		if e.Code == 1003 {
			return "check that your API token is valid and has the required permissions"
		}
	}
	return ""
}

// retryDecision inspects the most recent attempt and returns the next
// attempt counter, the backoff to wait, and whether to retry at all.
// attempt is the number of retries already performed (0 on first failure).
func retryDecision(attempt int, o attemptOutcome) (nextAttempt int, wait time.Duration, retry bool) {
	if o.status == 0 {
		// Network failure or timeout: 1 retry, fixed 2s.
		if attempt < 1 {
			return attempt + 1, 2 * time.Second, true
		}
		return attempt, 0, false
	}

	switch {
	case o.status == 429:
		if attempt < 3 {
			return attempt + 1, parseRetryAfter(o.retryAfter), true
		}
		return attempt, 0, false
	case o.status >= 500:
		// Max retries = 1 (spec §4.A/§8): a single 1s backoff, then give up.
		if attempt == 0 {
			return 1, 1 * time.Second, true
		}
		return attempt, 0, false
	}
	return attempt, 0, false
}

// parseRetryAfter interprets a Retry-After header value per spec §4.A:
// integer seconds, else an HTTP-date, else a 1s default.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 1 * time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 1 {
			secs = 1
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < time.Second {
			d = time.Second
		}
		return d
	}
	return 1 * time.Second
}
