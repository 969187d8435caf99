package gservice

import (
	"strings"

	"google.golang.org/api/gmail/v1"
)

// Header returns the value of the first header named name, matched case-insensitively.
func Header(msg *gmail.Message, name string) string {
	if msg == nil || msg.Payload == nil {
		return ""
	}
	for _, h := range msg.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
