package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Ernesto-tha-great/swish/pkg/events"
)

const ssePingInterval = 5 * time.Second

// sseSession streams audit events from a channel to one HTTP connection.
type sseSession struct {
	eventCh chan []byte
	cancel  events.CancelFn
}

func newSSESession() *sseSession {
	return &sseSession{
		eventCh: make(chan []byte, 100),
	}
}

// send never blocks the dispatcher; a consumer that cannot keep up
// loses events instead of stalling settlements.
func (s *sseSession) send(data []byte) {
	select {
	case s.eventCh <- data:
	default:
	}
}

func (s *sseSession) streamEvents(w http.ResponseWriter, r *http.Request) error {
	defer s.cancel()

	flusher := w.(http.Flusher)
	for {
		var err error
		select {
		case <-r.Context().Done():
			return nil
		case msg, open := <-s.eventCh:
			if !open {
				return nil
			}
			_, err = fmt.Fprintf(w, "data: %v\n\n", string(msg))
		case <-time.After(ssePingInterval):
			_, err = fmt.Fprintf(w, ": heartbeat\n\n")
		}
		if err != nil {
			// closing a connection
			return err
		}
		flusher.Flush()
	}
}

// StreamAuditEvents subscribes the caller to the audit event feed. The
// names query parameter narrows the feed to a comma-separated set of
// event names; without it the full feed is streamed.
func (h *Handler) StreamAuditEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	options := events.SubscribeOptions{AllNames: true}
	if namesStr := r.URL.Query().Get("names"); namesStr != "" {
		options.AllNames = false
		for _, name := range strings.Split(namesStr, ",") {
			options.Names = append(options.Names, events.Name(name))
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	session := newSSESession()
	session.cancel = h.dispatcher.RegisterSubscriber(session.send, options)
	if err := session.streamEvents(w, r); err != nil {
		h.logger.Debug("sse stream closed", zap.Error(err))
	}
}
