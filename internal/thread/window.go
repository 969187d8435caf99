// Package thread drives the reply lifecycle of mailbox threads.
package thread

import (
	"github.com/hal9000y/gmail-autoreply/internal/store"
)

// BuildContext selects the last nInbound inbound and the last mOutbound
// outbound messages of a chronologically ordered thread and returns them in
// thread order. Non-positive limits select nothing from that side, except
// that the newest inbound message is always kept.
func BuildContext(msgs []store.Message, nInbound, mOutbound int) []store.Message {
	keep := make([]bool, len(msgs))

	inbound, outbound := 0, 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SentByUs {
			if outbound < mOutbound {
				keep[i] = true
				outbound++
			}
			continue
		}
		if inbound < nInbound || inbound == 0 {
			keep[i] = true
		}
		inbound++
	}

	window := make([]store.Message, 0, min(len(msgs), max(nInbound, 1)+max(mOutbound, 0)))
	for i, m := range msgs {
		if keep[i] {
			window = append(window, m)
		}
	}

	return window
}

// includeLatest makes sure the chronologically last message of the thread is
// part of the window.
func includeLatest(window, thread []store.Message) []store.Message {
	if len(thread) == 0 {
		return window
	}
	latest := thread[len(thread)-1]
	for _, m := range window {
		if m.ID == latest.ID {
			return window
		}
	}

	out := append(make([]store.Message, 0, len(window)+1), window...)
	out = append(out, latest)
	store.SortByDate(out)

	return out
}
