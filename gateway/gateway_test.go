package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, sleeps *[]time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		BaseURL:    srv.URL,
		AccountSID: "AC123",
		AuthToken:  "secret",
		From:       "whatsapp:+14155550100",
		MaxRetries: 2,
		Sleep: func(d time.Duration) {
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
		},
	})
}

func TestSend_PostsFormWithAuth(t *testing.T) {
	var gotPath, gotTo, gotFrom, gotBody, gotUser string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		gotTo = r.PostForm.Get("To")
		gotFrom = r.PostForm.Get("From")
		gotBody = r.PostForm.Get("Body")
		gotUser, _, _ = r.BasicAuth()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM1"}`))
	}, nil)

	if err := c.Send(context.Background(), "whatsapp:+15550001", "hi there"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotPath != "/Accounts/AC123/Messages.json" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotTo != "whatsapp:+15550001" || gotFrom != "whatsapp:+14155550100" || gotBody != "hi there" {
		t.Fatalf("form = to %q from %q body %q", gotTo, gotFrom, gotBody)
	}
	if gotUser != "AC123" {
		t.Fatalf("basic auth user = %q", gotUser)
	}
}

func TestSend_MissingCredentials(t *testing.T) {
	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{})
	err := c.Send(context.Background(), "whatsapp:+15550001", "hi")
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("Send() error = %v, want ErrNoCredentials", err)
	}
}

func TestSend_AuthErrorIsNotRetried(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":20003,"message":"Authenticate"}`))
	}, nil)

	err := c.Send(context.Background(), "whatsapp:+15550001", "hi")
	if !errors.Is(err, ErrAuthError) {
		t.Fatalf("Send() error = %v, want ErrAuthError", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on auth failure)", calls)
	}
}

func TestSend_BadRequestMapsToInvalidRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"Invalid 'To' number"}`))
	}, nil)

	err := c.Send(context.Background(), "whatsapp:+15550001", "hi")
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Send() error = %v, want ErrInvalidRequest", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.API == nil || httpErr.API.Code != 21211 {
		t.Fatalf("Send() error = %v, want decoded provider error", err)
	}
}

func TestSend_RateLimitHonorsRetryAfter(t *testing.T) {
	calls := 0
	var sleeps []time.Duration
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}, &sleeps)

	if err := c.Send(context.Background(), "whatsapp:+15550001", "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if len(sleeps) != 1 || sleeps[0] != 2*time.Second {
		t.Fatalf("sleeps = %v, want [2s] from Retry-After", sleeps)
	}
}

func TestSend_ServerErrorRetriesUntilCap(t *testing.T) {
	calls := 0
	var sleeps []time.Duration
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}, &sleeps)

	err := c.Send(context.Background(), "whatsapp:+15550001", "hi")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Send() error = %v, want http 500", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want attempts capped at 3", calls)
	}
	if len(sleeps) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(sleeps))
	}
}

func TestSend_EmptyBodyRejectedLocally(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { calls++ }, nil)

	err := c.Send(context.Background(), "whatsapp:+15550001", "   ")
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Send() error = %v, want ErrInvalidRequest", err)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want no request for empty body", calls)
	}
}
