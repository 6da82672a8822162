// Package fingerprint derives the content-based message id that keys the
// ingress idempotency store.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Domain is the host part of derived message ids.
const Domain = "mxtoai.com"

// NormalizeSender lowercases an email address and strips any +tag alias from
// its local part, so retries and alias variants collapse into one identity.
func NormalizeSender(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return email
	}
	local, domain := email[:at], email[at+1:]
	if plus := strings.IndexByte(local, '+'); plus >= 0 {
		local = local[:plus]
	}
	return local + "@" + domain
}

// SenderDomain returns the lowercased domain of an email address, or "" when
// the address has no domain part.
func SenderDomain(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}

// Input is the canonical tuple a fingerprint is derived from. Same tuple,
// same id.
type Input struct {
	From            string
	To              string
	Subject         string
	Date            string
	HTMLContent     string
	TextContent     string
	AttachmentCount int
}

// Derive computes the deterministic message id for a request. The sender is
// normalized before hashing so +tag aliases and case variants produce the
// same fingerprint.
func Derive(in Input) string {
	h := sha256.New()
	// A fixed separator keeps field boundaries unambiguous.
	for _, part := range []string{
		NormalizeSender(in.From),
		strings.ToLower(strings.TrimSpace(in.To)),
		in.Subject,
		in.Date,
		in.HTMLContent,
		in.TextContent,
		fmt.Sprintf("%d", in.AttachmentCount),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("<f-%s@%s>", sum[:16], Domain)
}

// ScheduledMessageID builds the fresh message id the executor writes into a
// scheduled re-execution, of the form <scheduled-{task_id}-{iso}@mxtoai.com>.
// The regenerated id is what lets scheduler re-entries bypass idempotency.
func ScheduledMessageID(taskID string, now time.Time) string {
	return fmt.Sprintf("<scheduled-%s-%s@%s>", taskID, now.UTC().Format(time.RFC3339), Domain)
}
