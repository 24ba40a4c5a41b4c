package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"hello":"world"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := computeSignature("secret", ts, []byte(body))

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(headerSignature, sig)
	req.Header.Set(headerTimestamp, ts)
	rec := httptest.NewRecorder()

	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	v.Middleware(handler).ServeHTTP(rec, req)

	if !called {
		t.Fatalf("handler was not called")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	body := `{"foo":"bar"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(headerSignature, "deadbeef")
	req.Header.Set(headerTimestamp, ts)
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSignerRoundTripsThroughVerifier(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	body := []byte(`{"messageHash":"0x01"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(string(body)))
	(&Signer{Secret: "shared", Now: clock}).Sign(req, body)

	assert.NotEmpty(t, req.Header.Get(headerSignature))
	assert.Equal(t, strconv.FormatInt(now.Unix(), 10), req.Header.Get(headerTimestamp))

	v := &Verifier{Secret: "shared", MaxSkew: time.Minute, Now: clock}
	require.NoError(t, v.verify(req))

	replayed, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, replayed, "verifier must restore the body for the handler")
}

func TestSignerWithoutSecretLeavesRequestUnsigned(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/users/email/a@b.c", nil)
	(&Signer{}).Sign(req, nil)
	assert.Empty(t, req.Header.Get(headerSignature))
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(string(body)))
	(&Signer{Secret: "secret", Now: func() time.Time { return now.Add(-time.Hour) }}).Sign(req, body)

	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}
	assert.ErrorIs(t, v.verify(req), ErrStaleTimestamp)
}

func TestMiddleware_RequiresStandardHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{}`)
	sig := computeSignature("secret", ts, body)
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(string(body)))
	req.Header.Set("X-Signature", sig)
	req.Header.Set(headerTimestamp, ts)
	assert.ErrorIs(t, v.verify(req), ErrMissingSignature)

	req = httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(string(body)))
	req.Header.Set(headerSignature, sig)
	req.Header.Set("X-Timestamp", ts)
	assert.ErrorIs(t, v.verify(req), ErrMissingTimestamp)

	req.Header.Set(headerTimestamp, ts)
	assert.NoError(t, v.verify(req))
}
