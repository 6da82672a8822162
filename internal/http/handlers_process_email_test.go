package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type formFile struct {
	name    string
	content string
}

func emailForm() map[string]string {
	return map[string]string{
		"from_email":  "alice@example.com",
		"to":          "ask@mxtoai.com",
		"subject":     "quarterly numbers",
		"textContent": "Can you summarize the attached file?",
		"date":        "2026-03-10T08:15:00Z",
	}
}

func multipartRequest(t *testing.T, fields map[string]string, files ...formFile) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	for _, file := range files {
		part, err := writer.CreateFormFile("attachments", file.name)
		require.NoError(t, err)
		_, err = part.Write([]byte(file.content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/process-email", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("x-api-key", testAPIKey)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestProcessEmailAccepted(t *testing.T) {
	f := newRouterFixture(t)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, multipartRequest(t, emailForm(), formFile{name: "notes.txt", content: "hello"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "received and queued for processing", body["message"])
	assert.Equal(t, "processing", body["status"])
	assert.EqualValues(t, 1, body["attachments_saved"])
	emailID, _ := body["email_id"].(string)
	require.NotEmpty(t, emailID)

	saved, err := os.ReadFile(filepath.Join(f.attachmentsDir, emailID, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(saved))

	require.Len(t, f.queue.enqueued, 1)
	item := f.queue.enqueued[0]
	queued, err := model.ParseEmailRequest(item.Payload)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", queued.From)
	assert.Equal(t, emailID, queued.EmailID)
	require.Len(t, queued.Attachments, 1)
	assert.Equal(t, filepath.Join(f.attachmentsDir, emailID, "notes.txt"), queued.Attachments[0].Path)

	// No client message id was supplied, so the derived fingerprint is both
	// the queue message id and the idempotency mark.
	assert.True(t, strings.HasPrefix(item.MessageID, "<f-"))
	require.Len(t, f.idempotency.queued, 1)
	assert.Equal(t, item.MessageID, f.idempotency.queued[0])
	assert.Nil(t, item.ScheduledTaskID)
}

func TestProcessEmailKeepsClientMessageID(t *testing.T) {
	f := newRouterFixture(t)
	fields := emailForm()
	fields["messageId"] = "<client-123@example.com>"

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, multipartRequest(t, fields))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, f.queue.enqueued, 1)
	assert.Equal(t, "<client-123@example.com>", f.queue.enqueued[0].MessageID)
}

func TestProcessEmailCCFallbackFromRawHeaders(t *testing.T) {
	f := newRouterFixture(t)
	fields := emailForm()
	fields["rawHeaders"] = `{"cc":"bob@example.com, carol@example.com"}`

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, multipartRequest(t, fields))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, f.queue.enqueued, 1)
	queued, err := model.ParseEmailRequest(f.queue.enqueued[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, queued.CC)
}

func TestProcessEmailNotMultipart(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/process-email", strings.NewReader("from_email=alice"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("x-api-key", testAPIKey)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body["message"], "invalid multipart form")
}

func TestProcessEmailInvalidRawHeaders(t *testing.T) {
	f := newRouterFixture(t)
	fields := emailForm()
	fields["rawHeaders"] = "{not json"

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, multipartRequest(t, fields))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body["message"], "invalid rawHeaders")
}

func TestProcessEmailMissingSender(t *testing.T) {
	f := newRouterFixture(t)
	fields := emailForm()
	delete(fields, "from_email")

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, multipartRequest(t, fields))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "from_email is required", body["message"])
	assert.Empty(t, f.queue.enqueued)
}

func TestProcessEmailRateLimited(t *testing.T) {
	f := newRouterFixture(t)
	f.limiter.decision = core.RateLimitDecision{
		Dimension: "email",
		Window:    "hour",
		Plan:      "beta",
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, multipartRequest(t, emailForm()))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeBody(t, rec)
	message, _ := body["message"].(string)
	assert.Contains(t, message, "Rate limit exceeded")
	assert.Contains(t, message, "hour")
	assert.Equal(t, "error", body["status"])

	// Over-quota requests never reach the idempotency store.
	assert.Empty(t, f.idempotency.queued)
	assert.Empty(t, f.queue.enqueued)
}

func TestProcessEmailDuplicate(t *testing.T) {
	tests := []struct {
		name  string
		state core.FingerprintState
		want  string
	}{
		{name: "queued", state: core.FingerprintQueued, want: "duplicate_queued"},
		{name: "processed", state: core.FingerprintProcessed, want: "duplicate_processed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t)
			f.idempotency.states["<client-123@example.com>"] = tt.state

			fields := emailForm()
			fields["messageId"] = "<client-123@example.com>"

			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, multipartRequest(t, fields))

			require.Equal(t, http.StatusConflict, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, "Duplicate email detected", body["message"])
			assert.Equal(t, "<client-123@example.com>", body["messageId"])
			assert.Equal(t, tt.want, body["status"])
			assert.Empty(t, f.queue.enqueued)
		})
	}
}

func TestProcessEmailWhitelistRejected(t *testing.T) {
	f := newRouterFixture(t)
	fields := emailForm()
	fields["from_email"] = "Stranger+tag@Example.com"

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, multipartRequest(t, fields))

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Email rejected - Email not whitelisted", body["message"])
	assert.Equal(t, "stranger@example.com", body["email"])
	assert.Equal(t, false, body["exists_in_whitelist"])
	assert.Equal(t, false, body["is_verified"])
	assert.Equal(t, true, body["rejection_sent"])

	// The unknown sender was auto-enrolled and mailed a verification link.
	assert.Contains(t, f.whitelist.enrolled, "stranger@example.com")
	require.Len(t, f.sender.sent, 1)
	assert.Contains(t, f.sender.sent[0].Body, "/verify?token=")
	assert.Empty(t, f.queue.enqueued)
}

func TestProcessEmailUnknownHandle(t *testing.T) {
	f := newRouterFixture(t)
	fields := emailForm()
	fields["to"] = "bogus@mxtoai.com"

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, multipartRequest(t, fields))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Unsupported email handle", body["message"])
	assert.Equal(t, "bogus", body["handle"])
	assert.Equal(t, true, body["rejection_sent"])
	assert.Empty(t, f.queue.enqueued)
}

func TestProcessEmailAttachmentPolicy(t *testing.T) {
	tests := []struct {
		name        string
		to          string
		files       []formFile
		wantMessage string
	}{
		{
			name:        "handle does not process attachments",
			to:          "schedule@mxtoai.com",
			files:       []formFile{{name: "a.txt", content: "x"}},
			wantMessage: "not supported",
		},
		{
			name: "too many attachments",
			to:   "ask@mxtoai.com",
			files: []formFile{
				{name: "a.txt", content: "x"},
				{name: "b.txt", content: "x"},
				{name: "c.txt", content: "x"},
			},
			wantMessage: "Too many attachments",
		},
		{
			name:        "attachment too large",
			to:          "ask@mxtoai.com",
			files:       []formFile{{name: "big.bin", content: strings.Repeat("x", 2048)}},
			wantMessage: "size limit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t)
			fields := emailForm()
			fields["to"] = tt.to

			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, multipartRequest(t, fields, tt.files...))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			assert.Contains(t, body["message"], tt.wantMessage)
			assert.Equal(t, "error", body["status"])
			assert.Empty(t, f.queue.enqueued)

			// Policy runs on header metadata; nothing was written to disk.
			entries, err := os.ReadDir(f.attachmentsDir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestProcessEmailEnqueueFailureCleansUp(t *testing.T) {
	f := newRouterFixture(t)
	f.queue.enqueueErr = errors.New("connection refused")

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, multipartRequest(t, emailForm(), formFile{name: "notes.txt", content: "hello"}))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Error processing email request", body["message"])
	assert.Contains(t, body["error"], "connection refused")
	assert.EqualValues(t, 1, body["attachments_saved"])
	assert.Equal(t, true, body["attachments_deleted"])

	// The attachment directory was removed after the enqueue failed.
	entries, err := os.ReadDir(f.attachmentsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
