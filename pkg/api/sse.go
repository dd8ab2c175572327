package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stratalabs/strata/pkg/stream"
)

// handleTail serves a container's live tail as Server-Sent Events.
// Query parameter cursor is the last sequence the client has seen; omitted
// means tail from the head. Event types: entry, keepalive, resync.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	containerID := r.PathValue("id")

	var cursor *uint64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		v, err := queryUint(r, "cursor", 0)
		if err != nil {
			WriteBadRequest(w, r, "cursor must be a non-negative integer")
			return
		}
		cursor = &v
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteInternal(w, r, fmt.Errorf("response writer does not support streaming"))
		return
	}

	events, err := s.hub.Subscribe(r.Context(), containerID, cursor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		switch ev.Type {
		case stream.EventEntry:
			data, err := json.Marshal(ev.Entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: entry\nid: %d\ndata: %s\n\n", ev.Entry.Sequence, data)
		case stream.EventKeepAlive:
			fmt.Fprint(w, "event: keepalive\ndata: {}\n\n")
		case stream.EventResync:
			fmt.Fprintf(w, "event: resync\ndata: {\"code\":%q}\n\n", CodeResyncRequired)
		}
		flusher.Flush()
	}
}
