package service

import "strings"

// HandleConfig describes one recognised email handle.
type HandleConfig struct {
	// Name is the canonical handle name.
	Name string

	// ProcessAttachments controls whether inbound attachments are kept
	// for this handle. Handles that never read attachments reject them
	// at ingress instead of silently dropping them in the worker.
	ProcessAttachments bool
}

// HandleAsk is the generic agentic handler. Scheduled re-executions are
// always redirected here regardless of the original alias.
const HandleAsk = "ask"

// HandleSchedule and HandleDelete are the task-management handles.
const (
	HandleSchedule = "schedule"
	HandleDelete   = "delete"
)

var handleConfigs = map[string]HandleConfig{
	"ask":       {Name: "ask", ProcessAttachments: true},
	"summarise": {Name: "summarise", ProcessAttachments: true},
	"schedule":  {Name: "schedule", ProcessAttachments: false},
	"delete":    {Name: "delete", ProcessAttachments: false},
}

// handleAliases maps alternate spellings onto canonical handle names.
var handleAliases = map[string]string{
	"ask":       "ask",
	"agent":     "ask",
	"assistant": "ask",
	"summarise": "summarise",
	"summarize": "summarise",
	"summary":   "summarise",
	"schedule":  "schedule",
	"remind":    "schedule",
	"reminder":  "schedule",
	"delete":    "delete",
	"cancel":    "delete",
}

// ResolveHandle resolves an email local-part to its handler configuration.
// Resolution is case-insensitive and tolerates dotted and hyphenated
// variants (ask, a.sk, a-sk all resolve the same way). Plus-tags are
// stripped before lookup.
func ResolveHandle(handle string) (HandleConfig, bool) {
	h := strings.ToLower(strings.TrimSpace(handle))
	if i := strings.Index(h, "+"); i >= 0 {
		h = h[:i]
	}
	h = strings.NewReplacer(".", "", "-", "").Replace(h)

	canonical, ok := handleAliases[h]
	if !ok {
		return HandleConfig{}, false
	}
	cfg, ok := handleConfigs[canonical]
	return cfg, ok
}
