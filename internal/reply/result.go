// Package reply talks to the reply-generation model and interprets its verdict.
package reply

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnparsable is returned when generator output does not match the result contract.
var ErrUnparsable = errors.New("generator output is not a valid reply result")

// ContextMessage is one entry of the compact context given to the generator.
type ContextMessage struct {
	From     string    `json:"from"`
	Date     time.Time `json:"date"`
	Subject  string    `json:"subject"`
	Snippet  string    `json:"snippet"`
	SentByUs bool      `json:"sent_by_us"`
}

// Request is the generator input.
type Request struct {
	ThreadID string
	Context  []ContextMessage
	// Thread is the full chronological thread, used for protocol headers only.
	Thread []ContextMessage
}

// Result is the structured verdict of the generator.
type Result struct {
	Reply               string   `json:"reply"`
	RequiresHumanReview bool     `json:"requires_human_review"`
	Reason              string   `json:"reason,omitempty"`
	FilledFields        []string `json:"filled_fields,omitempty"`
}

type resultWire struct {
	Reply               *string  `json:"reply"`
	RequiresHumanReview *bool    `json:"requires_human_review"`
	Reason              string   `json:"reason"`
	FilledFields        []string `json:"filled_fields"`
}

// ParseResult decodes raw generator output. The JSON object may be wrapped
// in a Markdown code fence or surrounded by prose. The returned bytes are the
// canonical encoding of the parsed result, suitable for auditing.
func ParseResult(raw string) (Result, json.RawMessage, error) {
	obj := extractObject(raw)
	if obj == "" {
		return Result{}, nil, fmt.Errorf("%w: no JSON object found", ErrUnparsable)
	}

	dec := json.NewDecoder(strings.NewReader(obj))
	var w resultWire
	if err := dec.Decode(&w); err != nil {
		return Result{}, nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	if w.Reply == nil && w.RequiresHumanReview == nil {
		return Result{}, nil, fmt.Errorf("%w: neither reply nor requires_human_review present", ErrUnparsable)
	}

	res := Result{
		Reason:       strings.TrimSpace(w.Reason),
		FilledFields: w.FilledFields,
	}
	if w.Reply != nil {
		res.Reply = *w.Reply
	}
	if w.RequiresHumanReview != nil {
		res.RequiresHumanReview = *w.RequiresHumanReview
	}

	canonical, err := json.Marshal(res)
	if err != nil {
		return Result{}, nil, fmt.Errorf("json.Marshal failed: %w", err)
	}

	return res, canonical, nil
}

// extractObject returns the outermost balanced JSON object in s, skipping
// braces inside string literals.
func extractObject(s string) string {
	s = strings.TrimSpace(s)
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}

	return ""
}
