// Package redact removes personally identifying data from trace text and
// payloads before anything leaves the process or lands in the store.
// Redaction must be bounded and default-safe: unknown shapes pass through,
// known-sensitive fields never do.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Replacement tokens. Exported so tests and exporters can assert on them.
const (
	TokenEmail    = "[EMAIL_REDACTED]"
	TokenPhone    = "[PHONE_REDACTED]"
	TokenSSN      = "[SSN_REDACTED]"
	TokenCard     = "[CARD_REDACTED]"
	TokenFreeText = "[CONTENT_REDACTED]"
)

var (
	reEmail = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	rePhone = regexp.MustCompile(`(\+?\d{1,3}[ .\-]?)?(\(\d{3}\)|\d{3})[ .\-]?\d{3}[ .\-]?\d{4}\b`)
	reSSN   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	reCard  = regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)
)

// strippedPaths is the closed set of dotted-path fields removed outright
// from structured payloads.
var strippedPaths = []string{
	"metadata.authorization",
	"metadata.cookie",
	"headers.authorization",
	"headers.cookie",
	"user.id",
	"user.email",
	"user.name",
	"network.client.ip",
}

// freeTextKeys are replaced wholesale with TokenFreeText wherever they appear.
var freeTextKeys = map[string]bool{
	"input":    true,
	"output":   true,
	"prompt":   true,
	"response": true,
}

// Redactor replaces sensitive substrings and hashes user identifiers with a
// deployment salt.
type Redactor struct {
	salt string
}

// New returns a Redactor using salt for identifier hashing.
func New(salt string) *Redactor {
	return &Redactor{salt: salt}
}

// Text pattern-replaces emails, phone numbers, national identifiers and
// payment card numbers in free text. Order matters: cards and SSNs would
// otherwise partially match the phone pattern.
func (r *Redactor) Text(s string) string {
	if s == "" {
		return s
	}
	out := reEmail.ReplaceAllString(s, TokenEmail)
	out = reSSN.ReplaceAllString(out, TokenSSN)
	out = reCard.ReplaceAllString(out, TokenCard)
	out = rePhone.ReplaceAllString(out, TokenPhone)
	return out
}

// RedactAndTruncate redacts s and caps the result at maxLen runes. Every
// generator passes LLM-produced text through this before persisting it.
func (r *Redactor) RedactAndTruncate(s string, maxLen int) string {
	out := r.Text(s)
	if maxLen > 0 {
		runes := []rune(out)
		if len(runes) > maxLen {
			out = string(runes[:maxLen])
		}
	}
	return out
}

// HashIdentifier returns hex(SHA-256(identifier||salt)). Empty identifiers
// hash to the empty string so absent users stay absent.
func (r *Redactor) HashIdentifier(identifier string) string {
	if identifier == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(identifier + r.salt))
	return hex.EncodeToString(sum[:])
}

// Payload deep-copies a structured trace payload with sensitive fields
// stripped, free-text keys replaced wholesale, and every remaining string
// pattern-redacted. The input map is not mutated.
func (r *Redactor) Payload(payload map[string]any) map[string]any {
	out := r.redactMap(payload, "")
	for _, path := range strippedPaths {
		stripPath(out, strings.Split(path, "."))
	}
	return out
}

func (r *Redactor) redactMap(m map[string]any, prefix string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if freeTextKeys[strings.ToLower(k)] {
			out[k] = TokenFreeText
			continue
		}
		out[k] = r.redactValue(v, joinPath(prefix, k))
	}
	return out
}

func (r *Redactor) redactValue(v any, path string) any {
	switch typed := v.(type) {
	case string:
		return r.Text(typed)
	case map[string]any:
		return r.redactMap(typed, path)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = r.redactValue(item, path)
		}
		return out
	default:
		return v
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func stripPath(m map[string]any, parts []string) {
	if len(parts) == 0 {
		return
	}
	// Dotted paths are matched case-insensitively: providers disagree on
	// header key casing.
	for k, v := range m {
		if !strings.EqualFold(k, parts[0]) {
			continue
		}
		if len(parts) == 1 {
			delete(m, k)
			continue
		}
		if child, ok := v.(map[string]any); ok {
			stripPath(child, parts[1:])
		}
	}
}
