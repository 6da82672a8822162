package selfcallback

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mxtoai/mailengine/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func callbackRequest() *model.EmailRequest {
	return &model.EmailRequest{
		From:            "alice@example.com",
		To:              "ask@mxtoai.com",
		Subject:         "daily digest",
		TextContent:     "Send me the digest.",
		MessageID:       "<scheduled-task-1-2026-03-10T09:00:00Z@mxtoai.com>",
		Date:            "2026-03-10T09:00:00Z",
		ScheduledTaskID: "task-1",
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Options{APIKey: "key"})
	require.ErrorContains(t, err, "BaseURL is required")

	_, err = NewClient(Options{BaseURL: "http://localhost:8000"})
	require.ErrorContains(t, err, "APIKey is required")
}

func TestPostRepliesForm(t *testing.T) {
	var got struct {
		path   string
		apiKey string
		form   map[string]string
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		got.path = r.URL.Path
		got.apiKey = r.Header.Get("x-api-key")
		got.form = map[string]string{}
		for key := range r.MultipartForm.Value {
			got.form[key] = r.FormValue(key)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"processing"}`))
	}))
	defer server.Close()

	// Trailing slashes on the base URL must not produce a double-slash path.
	client, err := NewClient(Options{BaseURL: server.URL + "/", APIKey: "secret", Logger: testLogger()})
	require.NoError(t, err)

	require.NoError(t, client.Post(context.Background(), callbackRequest()))

	assert.Equal(t, "/process-email", got.path)
	assert.Equal(t, "secret", got.apiKey)
	assert.Equal(t, "alice@example.com", got.form["from_email"])
	assert.Equal(t, "ask@mxtoai.com", got.form["to"])
	assert.Equal(t, "daily digest", got.form["subject"])
	assert.Equal(t, "<scheduled-task-1-2026-03-10T09:00:00Z@mxtoai.com>", got.form["messageId"])
	assert.Equal(t, "task-1", got.form["scheduled_task_id"])
}

func TestPostNon200IsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"Rate limit exceeded"}`))
	}))
	defer server.Close()

	client, err := NewClient(Options{BaseURL: server.URL, APIKey: "secret", Logger: testLogger()})
	require.NoError(t, err)

	err = client.Post(context.Background(), callbackRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "callback returned 429")
	assert.Contains(t, err.Error(), "Rate limit exceeded")
}

func TestPostTruncatesErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 64*1024)))
	}))
	defer server.Close()

	client, err := NewClient(Options{BaseURL: server.URL, APIKey: "secret", Logger: testLogger()})
	require.NoError(t, err)

	err = client.Post(context.Background(), callbackRequest())
	require.Error(t, err)
	assert.LessOrEqual(t, len(err.Error()), maxResponseBodyBytes+128)
}

func TestPostConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server.Close()

	client, err := NewClient(Options{BaseURL: server.URL, APIKey: "secret", Logger: testLogger()})
	require.NoError(t, err)

	err = client.Post(context.Background(), callbackRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "post callback")
}
