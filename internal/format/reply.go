// Package format builds the RFC 5322 documents sent on behalf of the mailbox owner.
package format

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Draft describes a reply to be composed.
type Draft struct {
	From       string
	To         string
	Subject    string
	Body       string
	InReplyTo  string
	References []string
	Date       time.Time
}

// ComposeReply renders d as a single-part text/plain message.
func ComposeReply(d Draft) ([]byte, error) {
	to, err := mail.ParseAddressList(d.To)
	if err != nil {
		return nil, fmt.Errorf("mail.ParseAddressList(%q) failed: %w", d.To, err)
	}
	if len(to) == 0 {
		return nil, errors.New("reply has no recipient")
	}

	var h mail.Header
	if d.Date.IsZero() {
		d.Date = time.Now()
	}
	h.SetDate(d.Date)
	h.SetAddressList("To", to)
	h.SetSubject(ReplySubject(d.Subject))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	if d.From != "" {
		from, err := mail.ParseAddress(d.From)
		if err != nil {
			return nil, fmt.Errorf("mail.ParseAddress(%q) failed: %w", d.From, err)
		}
		h.SetAddressList("From", []*mail.Address{from})
	}

	if id := trimMsgID(d.InReplyTo); id != "" {
		h.SetMsgIDList("In-Reply-To", []string{id})
	}

	refs := make([]string, 0, len(d.References))
	for _, r := range d.References {
		if id := trimMsgID(r); id != "" {
			refs = append(refs, id)
		}
	}
	if len(refs) > 0 {
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("mail.CreateSingleInlineWriter failed: %w", err)
	}
	if _, err := io.WriteString(w, d.Body); err != nil {
		return nil, fmt.Errorf("w.Write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("w.Close failed: %w", err)
	}

	return buf.Bytes(), nil
}

// ReplySubject prefixes subject with "Re: " unless it already carries one.
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	if subject == "" {
		return "Re:"
	}
	return "Re: " + subject
}

// Address extracts the lowercased bare address from a header value such as
// `"Jane" <jane@example.com>`. Unparseable values are returned trimmed and lowercased.
func Address(header string) string {
	addr, err := mail.ParseAddress(header)
	if err != nil {
		if idx := strings.LastIndex(header, "<"); idx != -1 {
			if endIdx := strings.Index(header[idx:], ">"); endIdx != -1 {
				return strings.ToLower(strings.TrimSpace(header[idx+1 : idx+endIdx]))
			}
		}
		return strings.ToLower(strings.TrimSpace(header))
	}
	return strings.ToLower(addr.Address)
}

func trimMsgID(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}
