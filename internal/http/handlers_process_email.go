package httpx

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/domain/model"
	"github.com/mxtoai/mailengine/internal/observability/metrics"
	"github.com/mxtoai/mailengine/internal/observability/statsd"
	"github.com/mxtoai/mailengine/internal/service"
)

// 32MB of form parts stay in memory; larger attachments spill to temp files.
const maxMultipartMemory = 32 << 20

// EmailHandlers serves the ingress endpoint.
type EmailHandlers struct {
	Ingress        *service.IngressService
	AttachmentsDir string
	Logger         *slog.Logger
	Metrics        statsd.Sink
}

// ProcessEmail handles POST /process-email: parse the multipart form, run the
// validator chain, persist attachments, and enqueue. Each rejection kind maps
// onto its own response shape.
func (h *EmailHandlers) ProcessEmail(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		WriteMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	req, files, err := h.parseRequest(r)
	if err != nil {
		WriteMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	rejection, err := h.Ingress.Validate(r.Context(), req)
	if err != nil {
		if req.Validate() != nil {
			WriteMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger().ErrorContext(r.Context(), "ingress validation error", "error", err)
		h.writeInternalError(w, err, 0, false)
		return
	}
	if rejection != nil {
		metrics.EmitIngressDecision(h.Metrics, string(rejection.Kind), req.Handle())
		h.writeRejection(w, rejection)
		return
	}

	req.EmailID = uuid.NewString()
	saved, saveErr := h.persistAttachments(req, files)
	if saveErr != nil {
		deleted := h.removeAttachmentDir(req.EmailID)
		h.logger().ErrorContext(r.Context(), "attachment persistence failed",
			"email_id", req.EmailID, "error", saveErr)
		h.writeInternalError(w, saveErr, saved, deleted)
		return
	}

	acceptance, err := h.Ingress.Accept(r.Context(), req)
	if err != nil {
		deleted := h.removeAttachmentDir(req.EmailID)
		h.logger().ErrorContext(r.Context(), "enqueue failed", "email_id", req.EmailID, "error", err)
		h.writeInternalError(w, err, saved, deleted)
		return
	}

	metrics.EmitIngressDecision(h.Metrics, "accepted", req.Handle())
	WriteJSON(w, http.StatusOK, map[string]any{
		"message":           "received and queued for processing",
		"email_id":          acceptance.EmailID,
		"attachments_saved": acceptance.AttachmentsSaved,
		"status":            "processing",
	})
}

// parseRequest maps the multipart form onto the canonical request. Attachment
// metadata comes from the file headers so the policy checks run before any
// bytes are written to disk.
func (h *EmailHandlers) parseRequest(r *http.Request) (*model.EmailRequest, []*multipart.FileHeader, error) {
	req := &model.EmailRequest{
		From:            r.FormValue("from_email"),
		To:              r.FormValue("to"),
		Subject:         r.FormValue("subject"),
		TextContent:     r.FormValue("textContent"),
		HTMLContent:     r.FormValue("htmlContent"),
		MessageID:       r.FormValue("messageId"),
		Date:            r.FormValue("date"),
		ScheduledTaskID: r.FormValue("scheduled_task_id"),
	}

	if raw := r.FormValue("rawHeaders"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.RawHeaders); err != nil {
			return nil, nil, fmt.Errorf("invalid rawHeaders: %w", err)
		}
	}
	if raw := r.FormValue("cc"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.CC); err != nil {
			return nil, nil, fmt.Errorf("invalid cc: %w", err)
		}
	} else if cc, ok := req.RawHeaders["cc"]; ok && cc != "" {
		for _, addr := range strings.Split(cc, ",") {
			if trimmed := strings.TrimSpace(addr); trimmed != "" {
				req.CC = append(req.CC, trimmed)
			}
		}
	}

	var files []*multipart.FileHeader
	if r.MultipartForm != nil {
		files = r.MultipartForm.File["attachments"]
	}
	for _, fh := range files {
		req.Attachments = append(req.Attachments, model.AttachmentMeta{
			Filename:    filepath.Base(fh.Filename),
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
		})
	}
	return req, files, nil
}

// persistAttachments writes accepted attachment bytes under the email's
// directory and fills in the stored paths. Returns how many were saved.
func (h *EmailHandlers) persistAttachments(req *model.EmailRequest, files []*multipart.FileHeader) (int, error) {
	if len(files) == 0 {
		return 0, nil
	}

	dir := filepath.Join(h.AttachmentsDir, req.EmailID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("create attachments dir: %w", err)
	}

	for i, fh := range files {
		path := filepath.Join(dir, req.Attachments[i].Filename)
		if err := saveUpload(fh, path); err != nil {
			return i, err
		}
		req.Attachments[i].Path = path
	}
	return len(files), nil
}

func saveUpload(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create attachment file: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write attachment %s: %w", fh.Filename, err)
	}
	return nil
}

func (h *EmailHandlers) removeAttachmentDir(emailID string) bool {
	if h.AttachmentsDir == "" || emailID == "" {
		return false
	}
	dir := filepath.Join(h.AttachmentsDir, emailID)
	if _, err := os.Stat(dir); err != nil {
		return false
	}
	return os.RemoveAll(dir) == nil
}

func (h *EmailHandlers) writeRejection(w http.ResponseWriter, rej *service.Rejection) {
	switch rej.Kind {
	case service.RejectionRateLimit:
		WriteMessage(w, http.StatusTooManyRequests, rej.Message)
	case service.RejectionDuplicate:
		status := "duplicate_queued"
		if rej.DuplicateState == core.FingerprintProcessed {
			status = "duplicate_processed"
		}
		WriteJSON(w, http.StatusConflict, map[string]any{
			"message":   rej.Message,
			"messageId": rej.MessageID,
			"status":    status,
		})
	case service.RejectionWhitelist:
		WriteJSON(w, http.StatusForbidden, map[string]any{
			"message":             rej.Message,
			"email":               rej.Email,
			"exists_in_whitelist": rej.Whitelist.Exists,
			"is_verified":         rej.Whitelist.Verified,
			"rejection_sent":      rej.RejectionSent,
		})
	case service.RejectionHandle:
		WriteJSON(w, http.StatusBadRequest, map[string]any{
			"message":        rej.Message,
			"handle":         rej.Handle,
			"rejection_sent": rej.RejectionSent,
		})
	case service.RejectionAttachments:
		WriteJSON(w, http.StatusBadRequest, map[string]any{
			"message": rej.Message,
			"handle":  rej.Handle,
			"status":  "error",
		})
	default:
		WriteMessage(w, http.StatusBadRequest, rej.Message)
	}
}

func (h *EmailHandlers) writeInternalError(w http.ResponseWriter, err error, saved int, deleted bool) {
	WriteJSON(w, http.StatusInternalServerError, map[string]any{
		"message":             "Error processing email request",
		"error":               err.Error(),
		"attachments_saved":   saved,
		"attachments_deleted": deleted,
	})
}

func (h *EmailHandlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
