package config

// HTTPConfig contains HTTP server and attachment handling configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8000"`

	// BaseURL is the externally visible base URL of the application.
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8000"`

	// AttachmentsDir is the directory where inbound attachments are
	// persisted for the duration of processing.
	AttachmentsDir string `env:"ATTACHMENTS_DIR" envDefault:"/tmp/mailengine/attachments"`

	// MaxAttachmentSize is the per-file size cap in bytes.
	MaxAttachmentSize int64 `env:"MAX_ATTACHMENT_SIZE" envDefault:"10485760"` // 10 MiB

	// MaxAttachmentCount is the maximum number of attachments accepted
	// on a single email.
	MaxAttachmentCount int `env:"MAX_ATTACHMENT_COUNT" envDefault:"10"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.MaxAttachmentSize < 1 {
		h.MaxAttachmentSize = 10 << 20
	}
	if h.MaxAttachmentCount < 0 {
		h.MaxAttachmentCount = 0
	}
	if h.AttachmentsDir == "" {
		h.AttachmentsDir = "/tmp/mailengine/attachments"
	}
}
