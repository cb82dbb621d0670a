package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/fanlog/fanlog/internal/broker"
	"github.com/fanlog/fanlog/internal/groups"
	"github.com/fanlog/fanlog/internal/logstore"
	"github.com/fanlog/fanlog/internal/runtime"
	"github.com/fanlog/fanlog/pkg/log"
)

// Server exposes the broker over HTTP: JSON endpoints for publish, groups,
// and admin, plus SSE streams for live subscribe and replay.
type Server struct {
	rt     *runtime.Runtime
	logger log.Logger
	srv    *http.Server
	lis    net.Listener
}

func New(rt *runtime.Runtime, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	mux := http.NewServeMux()
	s := &Server{
		rt:     rt,
		logger: logger.With(log.Component("http")),
		srv:    &http.Server{Handler: cors(mux)},
	}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/publish", s.handlePublish)
	mux.HandleFunc("/v1/subscribe", s.handleSubscribeSSE)
	mux.HandleFunc("/v1/replay", s.handleReplaySSE)
	mux.HandleFunc("/v1/group/read", s.handleGroupRead)
	mux.HandleFunc("/v1/group/ack", s.handleGroupAck)
	mux.HandleFunc("/v1/group/reclaim", s.handleGroupReclaim)
	mux.HandleFunc("/v1/group/pending", s.handleGroupPending)
	mux.HandleFunc("/v1/groups", s.handleGroups)
	mux.HandleFunc("/v1/trim", s.handleTrim)
	mux.HandleFunc("/v1/topics", s.handleTopics)
	mux.HandleFunc("/v1/topics/stats", s.handleTopicStats)
	return s
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_serving"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// statusFor maps broker errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrTopicNotFound):
		return http.StatusNotFound
	case errors.Is(err, groups.ErrNotOwner):
		return http.StatusConflict
	case errors.Is(err, logstore.ErrEntriesTrimmed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
