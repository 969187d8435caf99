package tool

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/hal9000y/gmail-autoreply/internal/store"
)

// MessagesHandler serves the tracked messages as JSON, newest first.
// Every message is returned unless a limit query parameter is given.
type MessagesHandler struct {
	list *ListMessages
}

// NewMessagesHandler creates an HTTP handler listing messages from repo.
func NewMessagesHandler(repo store.Repository) *MessagesHandler {
	return &MessagesHandler{list: NewListMessages(repo)}
}

func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()

	status, ok := parseStatus(q.Get("status"))
	if !ok {
		http.Error(w, "Unknown status", http.StatusBadRequest)
		return
	}

	var limit int
	if raw := q.Get("limit"); raw != "" {
		var err error
		if limit, err = strconv.Atoi(raw); err != nil {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
	}

	res, err := h.list.List(status, limit)
	if err != nil {
		log.Println("h.list.List failed", err)
		http.Error(w, "Unable to load messages", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Println("json.Encode failed", err)
	}
}
