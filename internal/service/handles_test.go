package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveHandle(t *testing.T) {
	tests := []struct {
		handle      string
		want        string
		attachments bool
		known       bool
	}{
		{handle: "ask", want: "ask", attachments: true, known: true},
		{handle: "ASK", want: "ask", attachments: true, known: true},
		{handle: "a.sk", want: "ask", attachments: true, known: true},
		{handle: "a-sk", want: "ask", attachments: true, known: true},
		{handle: "ask+newsletter", want: "ask", attachments: true, known: true},
		{handle: "agent", want: "ask", attachments: true, known: true},
		{handle: "assistant", want: "ask", attachments: true, known: true},
		{handle: "summarise", want: "summarise", attachments: true, known: true},
		{handle: "summarize", want: "summarise", attachments: true, known: true},
		{handle: "summary", want: "summarise", attachments: true, known: true},
		{handle: "schedule", want: "schedule", known: true},
		{handle: "remind", want: "schedule", known: true},
		{handle: "reminder", want: "schedule", known: true},
		{handle: "delete", want: "delete", known: true},
		{handle: "cancel", want: "delete", known: true},
		{handle: " Remind ", want: "schedule", known: true},
		{handle: "unknown"},
		{handle: ""},
		{handle: "+tag-only"},
	}
	for _, tc := range tests {
		t.Run(tc.handle, func(t *testing.T) {
			cfg, ok := ResolveHandle(tc.handle)
			assert.Equal(t, tc.known, ok)
			if tc.known {
				assert.Equal(t, tc.want, cfg.Name)
				assert.Equal(t, tc.attachments, cfg.ProcessAttachments)
			}
		})
	}
}
