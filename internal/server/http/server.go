package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rzbill/courier/internal/admission"
	"github.com/rzbill/courier/internal/backplane"
	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/internal/presence"
	"github.com/rzbill/courier/pkg/log"
)

// Deps collects the components the HTTP surface fronts.
type Deps struct {
	// WS serves the websocket upgrade at /ws.
	WS http.HandlerFunc
	// Store answers conversation history reads.
	Store *message.Store
	// Presence answers online-user snapshots.
	Presence *presence.Directory
	// Admission throttles the API routes with the general tier and
	// connection accepts with the sensitive tier. Optional.
	Admission *admission.Controller
	// Metrics is the scrape handler mounted at /metrics. Optional.
	Metrics http.Handler
	// Backplane is pinged by the health check. Optional.
	Backplane backplane.Backplane
	Logger    log.Logger
}

type Server struct {
	deps Deps
	srv  *http.Server
	lis  net.Listener
}

func New(deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{deps: deps, srv: &http.Server{Handler: cors(mux)}}

	mux.HandleFunc("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}
	if deps.WS != nil {
		mux.Handle("/ws", s.admitSensitive(deps.WS))
	}
	mux.Handle("/api/messages", s.admit(s.handleMessages))
	mux.Handle("/api/users/online", s.admit(s.handleOnline))
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
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

// Addr returns the bound listen address, once serving.
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

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

// admit wraps a handler with general-tier admission keyed by client IP.
func (s *Server) admit(next http.HandlerFunc) http.Handler {
	if s.deps.Admission == nil {
		return next
	}
	return throttle(s.deps.Admission.General, next)
}

// admitSensitive guards connection establishment, the expensive
// operation, with the stricter tier.
func (s *Server) admitSensitive(next http.HandlerFunc) http.Handler {
	if s.deps.Admission == nil {
		return next
	}
	return throttle(s.deps.Admission.Sensitive, next)
}

func throttle(l *admission.Limiter, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := l.Consume(r.Context(), clientKey(r))
		if !d.Allowed {
			rejectTooManyRequests(w, d.RetryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func rejectTooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": "Too many requests",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.deps.Backplane != nil {
		if err := s.deps.Backplane.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_serving"})
			return
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	user := r.URL.Query().Get("user")
	peer := r.URL.Query().Get("peer")
	if user == "" || peer == "" {
		http.Error(w, "user and peer query parameters are required", http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	conv, err := s.deps.Store.FindConversation(user, peer, limit)
	if err != nil {
		s.deps.Logger.Error("conversation read failed",
			log.Str("user", user), log.Str("peer", peer), log.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if conv == nil {
		conv = []message.Event{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(conv)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	users := s.deps.Presence.Snapshot(r.Context())
	if users == nil {
		users = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(users)
}
