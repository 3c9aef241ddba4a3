// Package extract turns raw inbound content into typed, enumerable fields.
// No free text crosses it: every output is an enum value, a parsed timestamp,
// a validated address, or a count. The planner consumes only these fields,
// so an instruction embedded in raw content cannot reach it.
package extract

import (
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/moat-sh/moat/internal/label"
)

// Intent enumerates the kinds of requests the kernel recognizes.
type Intent string

const (
	IntentQuestion Intent = "question"
	IntentRequest  Intent = "request"
	IntentSchedule Intent = "schedule"
	IntentShare    Intent = "share"
	IntentUnknown  Intent = "unknown"
)

// validIntents is the set of recognized intents.
var validIntents = map[Intent]bool{
	IntentQuestion: true,
	IntentRequest:  true,
	IntentSchedule: true,
	IntentShare:    true,
	IntentUnknown:  true,
}

// IsValidIntent returns true if i is a recognized intent.
func IsValidIntent(i Intent) bool {
	return validIntents[i]
}

// EntityKind enumerates the typed entities extractors can emit.
type EntityKind string

const (
	EntityDate   EntityKind = "date"
	EntityEmail  EntityKind = "email"
	EntityURL    EntityKind = "url"
	EntityNumber EntityKind = "number"
)

// Entity is a single typed finding. Exactly one value field is set,
// according to Kind. None of the fields carries unvalidated prose:
// addresses pass net/mail parsing, URLs are reduced to their host,
// dates are parsed timestamps, numbers are parsed integers.
type Entity struct {
	Kind    EntityKind `json:"kind"`
	At      time.Time  `json:"at,omitempty"`
	Address string     `json:"address,omitempty"`
	Host    string     `json:"host,omitempty"`
	N       int64      `json:"n,omitempty"`
}

// Result is the full typed output of the extraction phase.
type Result struct {
	Intent    Intent   `json:"intent"`
	Entities  []Entity `json:"entities,omitempty"`
	WordCount int      `json:"word_count"`
	Truncated bool     `json:"truncated"`
}

// maxScanBytes bounds how much raw content the extractors scan.
const maxScanBytes = 16 * 1024

// Run applies every extractor to content and raises the taint one step
// per extractor pass. The returned taint records each pass in its trail.
func Run(content string, t label.Taint) (Result, label.Taint) {
	truncated := false
	if len(content) > maxScanBytes {
		content = content[:maxScanBytes]
		truncated = true
	}

	res := Result{
		Intent:    DetectIntent(content),
		WordCount: len(strings.Fields(content)),
		Truncated: truncated,
	}
	t = t.Extract("intent")

	res.Entities = Entities(content)
	t = t.Extract("entities")

	return res, t
}

// DetectIntent classifies content into one of the recognized intents.
// Deterministic keyword matching, evaluated in priority order.
func DetectIntent(content string) Intent {
	lower := strings.ToLower(content)
	switch {
	case containsAny(lower, "schedule", "remind", "calendar", "meeting", "tomorrow at", "every day"):
		return IntentSchedule
	case containsAny(lower, "send", "forward", "share", "reply to", "post"):
		return IntentShare
	case containsAny(lower, "please", "can you", "could you", "would you", "do the", "run the"):
		return IntentRequest
	case strings.Contains(lower, "?") || containsAny(lower, "what", "when", "where", "who", "why", "how"):
		return IntentQuestion
	default:
		return IntentUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	urlPattern    = regexp.MustCompile(`https?://[^\s<>"']+`)
	numberPattern = regexp.MustCompile(`\b\d{1,15}\b`)
)

// dateLayouts are the literal date forms the extractor recognizes.
var dateLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04",
	"2006-01-02",
	"Jan 2 2006",
	"Jan 2, 2006",
}

const maxEntities = 32

// Entities scans content for typed entities. Candidates that fail
// strict parsing are dropped, never passed through as text.
func Entities(content string) []Entity {
	var out []Entity

	for _, m := range emailPattern.FindAllString(content, maxEntities) {
		addr, err := mail.ParseAddress(m)
		if err != nil {
			continue
		}
		out = append(out, Entity{Kind: EntityEmail, Address: addr.Address})
	}

	for _, m := range urlPattern.FindAllString(content, maxEntities) {
		u, err := url.Parse(m)
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, Entity{Kind: EntityURL, Host: u.Host})
	}

	for _, word := range strings.Fields(content) {
		if len(out) >= maxEntities {
			break
		}
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, strings.Trim(word, ".,;")); err == nil {
				out = append(out, Entity{Kind: EntityDate, At: ts})
				break
			}
		}
	}

	for _, m := range numberPattern.FindAllString(content, maxEntities) {
		if len(out) >= maxEntities {
			break
		}
		n, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Entity{Kind: EntityNumber, N: n})
	}

	if len(out) > maxEntities {
		out = out[:maxEntities]
	}
	return out
}
