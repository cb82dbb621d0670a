package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fanlog/fanlog/internal/logstore"
	"github.com/fanlog/fanlog/pkg/id"
)

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

type publishReq struct {
	Topic    string      `json:"topic"`
	Fields   []fieldJSON `json:"fields"`
	DedupKey string      `json:"dedupKey"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req publishReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	b := s.rt.Broker()
	var (
		eid       id.ID
		published = true
		err       error
	)
	if req.DedupKey != "" {
		eid, published, err = b.PublishDedup(r.Context(), req.Topic, req.DedupKey, toFields(req.Fields))
	} else {
		eid, err = b.Publish(r.Context(), req.Topic, toFields(req.Fields))
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, map[string]any{"id": eid.String(), "published": published})
}

type groupReadReq struct {
	Topic   string `json:"topic"`
	Group   string `json:"group"`
	Member  string `json:"member"`
	Count   int    `json:"count"`
	BlockMs int64  `json:"blockMs"`
}

func (s *Server) handleGroupRead(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req groupReadReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if req.Member == "" {
		req.Member = uuid.NewString()
	}
	block := time.Duration(req.BlockMs) * time.Millisecond
	got, err := s.rt.Broker().GroupRead(r.Context(), req.Topic, req.Group, req.Member, req.Count, block)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	type deliveredJSON struct {
		entryJSON
		Deliveries uint32 `json:"deliveries"`
	}
	entries := make([]deliveredJSON, 0, len(got))
	for _, d := range got {
		entries = append(entries, deliveredJSON{
			entryJSON:  fromEntry("", d.Entry),
			Deliveries: d.Deliveries,
		})
	}
	writeJSON(w, map[string]any{"member": req.Member, "entries": entries})
}

type groupAckReq struct {
	Topic  string `json:"topic"`
	Group  string `json:"group"`
	Member string `json:"member"`
	ID     string `json:"id"`
}

func (s *Server) handleGroupAck(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req groupAckReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	eid, err := id.Parse(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad entry id")
		return
	}
	if err := s.rt.Broker().GroupAck(r.Context(), req.Topic, req.Group, req.Member, eid); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type groupReclaimReq struct {
	Topic     string `json:"topic"`
	Group     string `json:"group"`
	Member    string `json:"member"`
	MinIdleMs int64  `json:"minIdleMs"`
	Limit     int    `json:"limit"`
}

func (s *Server) handleGroupReclaim(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req groupReclaimReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if req.Member == "" {
		req.Member = uuid.NewString()
	}
	minIdle := time.Duration(req.MinIdleMs) * time.Millisecond
	claims, err := s.rt.Broker().GroupReclaim(r.Context(), req.Topic, req.Group, req.Member, minIdle, req.Limit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	type claimJSON struct {
		ID         string `json:"id"`
		PrevOwner  string `json:"prevOwner"`
		Deliveries uint32 `json:"deliveries"`
	}
	out := make([]claimJSON, 0, len(claims))
	for _, c := range claims {
		out = append(out, claimJSON{ID: c.ID.String(), PrevOwner: c.PrevOwner, Deliveries: c.Deliveries})
	}
	writeJSON(w, map[string]any{"member": req.Member, "claims": out})
}

func (s *Server) handleGroupPending(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	group := r.URL.Query().Get("group")
	sum, err := s.rt.Broker().GroupPending(topic, group)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"cursor":      sum.Cursor.String(),
		"pending":     sum.Pending,
		"oldestAgeMs": sum.OldestAgeMs,
		"owners":      sum.Owners,
	})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	names, err := s.rt.Broker().Groups(r.URL.Query().Get("topic"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, map[string]any{"groups": names})
}

type trimReq struct {
	Topic  string `json:"topic"`
	MaxLen int    `json:"maxLen"`
	MinID  string `json:"minId"`
}

func (s *Server) handleTrim(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req trimReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	policy := logstore.TrimPolicy{MaxLen: req.MaxLen}
	if req.MinID != "" {
		minID, err := id.Parse(req.MinID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad min id")
			return
		}
		policy.MinID = minID
	}
	removed, err := s.rt.Broker().Trim(r.Context(), req.Topic, policy)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, map[string]any{"removed": removed})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"topics": s.rt.Broker().Topics()})
}

func (s *Server) handleTopicStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.rt.Broker().Stats(r.URL.Query().Get("topic"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"topic":   st.Topic,
		"firstId": st.FirstID.String(),
		"lastId":  st.LastID.String(),
		"floor":   st.Floor.String(),
		"count":   st.Count,
		"bytes":   st.Bytes,
		"groups":  st.Groups,
	})
}
