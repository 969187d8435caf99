package auth

import (
	"sync"

	"golang.org/x/oauth2"
)

// RefreshNotifier delivers newly obtained tokens to a single handler.
type RefreshNotifier struct {
	mu          sync.Mutex
	initialized bool
	handler     func(*oauth2.Token)
}

// RegisterOnce installs handler if none has been installed yet and reports
// whether this call did the installation. Later calls are no-ops.
func (n *RefreshNotifier) RegisterOnce(handler func(*oauth2.Token)) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.initialized || handler == nil {
		return false
	}
	n.handler = handler
	n.initialized = true

	return true
}

// Initialized reports whether a handler has been registered.
func (n *RefreshNotifier) Initialized() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.initialized
}

func (n *RefreshNotifier) notify(tok *oauth2.Token) {
	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()

	if h != nil {
		h(tok)
	}
}
