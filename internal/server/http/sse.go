package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fanlog/fanlog/internal/broker"
	"github.com/fanlog/fanlog/pkg/id"
	"github.com/fanlog/fanlog/pkg/log"
)

// handleSubscribeSSE streams live deliveries for one or more topics or glob
// patterns as Server-Sent Events. The stream ends when the client goes away
// or the subscriber is force-disconnected for falling behind.
func (s *Server) handleSubscribeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		writeError(w, http.StatusBadRequest, "topic required")
		return
	}
	sub, err := s.rt.Broker().Subscribe(topics, r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	defer sub.Close()
	s.streamSSE(w, r, sub)
}

// handleReplaySSE streams retained history after the last-seen position,
// then the live feed with no gap or duplicate at the switchover. The "from"
// parameter is the ID of the last entry the client already has; the stream
// resumes at the entry after it. Omitting it replays everything retained.
func (s *Server) handleReplaySSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	topic := r.URL.Query().Get("topic")
	from := id.Zero
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := id.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad from id")
			return
		}
		from = parsed.Next()
	}
	sub, err := s.rt.Broker().SubscribeReplay(topic, from, r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	defer sub.Close()
	s.streamSSE(w, r, sub)
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, sub *broker.Subscription) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	ctx := r.Context()
	for {
		d, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// forced teardown (eviction, trim overtaking a replay)
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			if flusher != nil {
				flusher.Flush()
			}
			s.logger.Debug("sse stream ended", log.Err(err))
			return
		}
		body, _ := json.Marshal(fromEntry(d.Topic, d.Entry))
		fmt.Fprintf(w, "id: %s\ndata: %s\n\n", d.Entry.ID, body)
		if flusher != nil {
			flusher.Flush()
		}
	}
}
