// Package gateway is the outbound delivery client. It speaks the
// messaging provider's REST form API and maps provider failures onto
// a small set of sentinel reasons the rest of the service can branch
// on without knowing HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Failure reasons. Callers match with errors.Is.
var (
	ErrNoCredentials  = errors.New("gateway: credentials missing")
	ErrInvalidRequest = errors.New("gateway: invalid request")
	ErrAuthError      = errors.New("gateway: authentication rejected")
	ErrRateLimited    = errors.New("gateway: rate limited")
)

const (
	defaultTimeout    = 15 * time.Second
	defaultMaxRetries = 3
	baseBackoff       = 500 * time.Millisecond
	maxBackoff        = 10 * time.Second
)

type Options struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string // sender address, e.g. "whatsapp:+14155550100"
	Timeout    time.Duration
	MaxRetries int
	Sleep      func(d time.Duration) // test hook
}

type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	accountSID string
	authToken  string
	from       string
	maxRetries int
	sleep      func(d time.Duration)
}

// New builds a delivery client. Missing credentials are not a
// construction error; Send reports ErrNoCredentials instead, so a
// replica without delivery configured still boots for local work.
func New(logger *slog.Logger, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		accountSID: strings.TrimSpace(opts.AccountSID),
		authToken:  strings.TrimSpace(opts.AuthToken),
		from:       strings.TrimSpace(opts.From),
		maxRetries: opts.MaxRetries,
		sleep:      opts.Sleep,
	}
}

type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
}

// HTTPError carries the provider's raw failure. It unwraps to one of
// the sentinel reasons based on status class.
type HTTPError struct {
	StatusCode int
	Body       string
	API        *apiError
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "gateway: <nil error>"
	}
	if e.API != nil && strings.TrimSpace(e.API.Message) != "" {
		return fmt.Sprintf("gateway http %d: %s (code=%d)", e.StatusCode, e.API.Message, e.API.Code)
	}
	body := strings.TrimSpace(e.Body)
	if body == "" {
		body = "<empty body>"
	}
	if len(body) > 500 {
		body = body[:500] + "..."
	}
	return fmt.Sprintf("gateway http %d: %s", e.StatusCode, body)
}

func (e *HTTPError) Unwrap() error {
	switch {
	case e == nil:
		return nil
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrAuthError
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return ErrInvalidRequest
	default:
		return nil
	}
}

// Send delivers one message to identity. Rate limits and server
// errors are retried with bounded backoff, honoring Retry-After when
// the provider sends one; auth and request errors are not retried.
func (c *Client) Send(ctx context.Context, identity, text string) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("nil gateway client")
	}
	if c.accountSID == "" || c.authToken == "" || c.from == "" {
		return ErrNoCredentials
	}
	identity = strings.TrimSpace(identity)
	text = strings.TrimSpace(text)
	if identity == "" || text == "" {
		return fmt.Errorf("%w: recipient and body required", ErrInvalidRequest)
	}

	form := url.Values{}
	form.Set("To", identity)
	form.Set("From", c.from)
	form.Set("Body", text)
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, c.accountSID)

	backoff := baseBackoff
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := c.post(ctx, endpoint, form)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) || attempt == c.maxRetries {
			return err
		}

		wait := retryAfter(resp, backoff)
		if c.logger != nil {
			c.logger.Warn("gateway_send_retrying",
				"identity", identity,
				"attempt", attempt+1,
				"max_retries", c.maxRetries,
				"sleep", wait.String(),
				"error", err.Error())
		}
		c.sleep(wait)
		backoff *= 2
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && strings.TrimSpace(ae.Message) != "" {
			httpErr.API = &ae
		}
		return resp, httpErr
	}
	return resp, nil
}

func retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	// Transport-level failures (connection reset, timeout) are worth
	// another attempt.
	return true
}

// retryAfter prefers the provider's Retry-After header over the local
// backoff, capped so a hostile header cannot stall the dispatcher.
func retryAfter(resp *http.Response, backoff time.Duration) time.Duration {
	wait := backoff
	if resp != nil {
		if header := strings.TrimSpace(resp.Header.Get("Retry-After")); header != "" {
			if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
	}
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}
