package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"fiscal-inbox-go/internal/config"
)

func newTestNotifier(t *testing.T, handler http.HandlerFunc) *GmailNotifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	n, err := NewGmailNotifier(context.Background(), config.NotifyConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		RefreshToken: "refresh",
		UserEmail:    "robot@example.com",
	}, option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	n.backoff = func(int) time.Duration { return 0 }
	return n
}

func TestGmailNotifierSendsMessage(t *testing.T) {
	var raw string
	var path string
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		var msg struct {
			Raw string `json:"raw"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		decoded, err := base64.URLEncoding.DecodeString(msg.Raw)
		require.NoError(t, err)
		raw = string(decoded)
		_, _ = w.Write([]byte(`{"id":"msg-1"}`))
	})

	err := n.Notify(context.Background(), "finance@example.com", "Fiscal inbox: 2 new document(s)", "Imported: 2\nRejected: 0", "cycle-1")
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(path, "/users/robot@example.com/messages/send"), path)
	assert.Contains(t, raw, "From: robot@example.com\r\n")
	assert.Contains(t, raw, "To: finance@example.com\r\n")
	assert.Contains(t, raw, "X-Fiscal-Inbox-Cycle: cycle-1\r\n")
	assert.Contains(t, raw, "Imported: 2\r\nRejected: 0")
}

func TestGmailNotifierRetriesRateLimit(t *testing.T) {
	var calls int32
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"User-rate limit exceeded"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"msg-2"}`))
	})

	require.NoError(t, n.Notify(context.Background(), "finance@example.com", "s", "b", ""))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGmailNotifierDoesNotRetryOtherErrors(t *testing.T) {
	var calls int32
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"Invalid To header"}}`))
	})

	err := n.Notify(context.Background(), "not-an-address", "s", "b", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), "finance@example.com", "s", "b", "r"))
}
