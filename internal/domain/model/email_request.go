package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AttachmentMeta describes one attachment persisted by the ingress.
// Only metadata travels with the request; file bytes live under the
// attachments directory keyed by email id.
type AttachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Path        string `json:"path"`
}

// EmailRequest is the canonical captured form of one inbound email request.
// It is what the ingress enqueues, what the scheduler persists on a task, and
// what the executor replays as a self-callback form body.
type EmailRequest struct {
	From        string `json:"from_email"`
	To          string `json:"to"`
	Subject     string `json:"subject,omitempty"`
	TextContent string `json:"textContent,omitempty"`
	HTMLContent string `json:"htmlContent,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	Date        string `json:"date,omitempty"`
	EmailID     string `json:"emailId,omitempty"`
	// RawHeaders carries the original header map as received; it is
	// JSON-encoded back into a single form field on replay.
	RawHeaders map[string]string `json:"rawHeaders,omitempty"`
	CC         []string          `json:"cc,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
	// ScheduledTaskID marks scheduler re-entry; workers must suppress
	// recursive scheduling when it is set.
	ScheduledTaskID string `json:"scheduled_task_id,omitempty"`
}

// Clone returns a deep copy of the request. The executor rewrites the
// message id on a copy so the stored payload stays pristine.
func (r *EmailRequest) Clone() *EmailRequest {
	if r == nil {
		return nil
	}
	cp := *r
	if r.RawHeaders != nil {
		cp.RawHeaders = make(map[string]string, len(r.RawHeaders))
		for k, v := range r.RawHeaders {
			cp.RawHeaders[k] = v
		}
	}
	cp.CC = append([]string(nil), r.CC...)
	cp.Attachments = append([]AttachmentMeta(nil), r.Attachments...)
	return &cp
}

// Handle returns the local part of the recipient address, lowercased.
func (r *EmailRequest) Handle() string {
	at := strings.IndexByte(r.To, '@')
	if at < 0 {
		return strings.ToLower(strings.TrimSpace(r.To))
	}
	return strings.ToLower(strings.TrimSpace(r.To[:at]))
}

// Validate checks the fields the ingress requires.
func (r *EmailRequest) Validate() error {
	if strings.TrimSpace(r.From) == "" {
		return fmt.Errorf("from_email is required")
	}
	if strings.TrimSpace(r.To) == "" {
		return fmt.Errorf("to is required")
	}
	return nil
}

// FormValues flattens the request into multipart form fields for the
// self-callback. Map and list fields are JSON-encoded into single values the
// way the ingress expects to parse them back.
func (r *EmailRequest) FormValues() (map[string]string, error) {
	fields := map[string]string{
		"from_email": r.From,
		"to":         r.To,
	}
	setIfNotEmpty := func(key, val string) {
		if val != "" {
			fields[key] = val
		}
	}
	setIfNotEmpty("subject", r.Subject)
	setIfNotEmpty("textContent", r.TextContent)
	setIfNotEmpty("htmlContent", r.HTMLContent)
	setIfNotEmpty("messageId", r.MessageID)
	setIfNotEmpty("date", r.Date)
	setIfNotEmpty("emailId", r.EmailID)
	setIfNotEmpty("scheduled_task_id", r.ScheduledTaskID)

	if len(r.RawHeaders) > 0 {
		b, err := json.Marshal(r.RawHeaders)
		if err != nil {
			return nil, fmt.Errorf("encode rawHeaders: %w", err)
		}
		fields["rawHeaders"] = string(b)
	}
	if len(r.CC) > 0 {
		b, err := json.Marshal(r.CC)
		if err != nil {
			return nil, fmt.Errorf("encode cc: %w", err)
		}
		fields["cc"] = string(b)
	}
	return fields, nil
}

// ParseEmailRequest decodes a stored email_request JSON document. The source
// historically wrote either "from" or "from_email"; "from_email" is canonical
// and "from" is accepted at parse time only.
func ParseEmailRequest(raw []byte) (*EmailRequest, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty email request payload")
	}
	var req EmailRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode email request: %w", err)
	}
	if req.From == "" {
		var legacy struct {
			From string `json:"from"`
		}
		if err := json.Unmarshal(raw, &legacy); err == nil {
			req.From = legacy.From
		}
	}
	return &req, nil
}
