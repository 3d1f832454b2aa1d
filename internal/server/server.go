// Package server exposes the control plane: REST endpoints for
// process-level subscription management and the websocket upgrade point.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/melq/mdgate/internal/config"
	"github.com/melq/mdgate/internal/connector"
	"github.com/melq/mdgate/internal/distributor"
	"github.com/melq/mdgate/internal/observability"
	"github.com/melq/mdgate/internal/schema"
	"github.com/melq/mdgate/internal/session"
	"github.com/melq/mdgate/internal/telemetry"
)

const (
	requestTimeout    = 30 * time.Second
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server binds the REST and websocket listeners.
type Server struct {
	cfg     config.Config
	dist    *distributor.Distributor
	conn    *connector.Connector
	metrics *telemetry.Metrics
	log     observability.Logger

	sessionCfg session.Config

	mu         sync.Mutex
	processSet map[string]struct{}
}

// New constructs the control plane.
func New(cfg config.Config, dist *distributor.Distributor, conn *connector.Connector, metrics *telemetry.Metrics, log observability.Logger) *Server {
	if log == nil {
		log = observability.Log()
	}
	sessionCfg := session.Config{
		BatchInterval:     cfg.Incremental.BatchInterval(),
		BatchThreshold:    cfg.Incremental.BatchSizeThreshold,
		OutboxLimit:       cfg.OutboxLimit,
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}
	return &Server{
		cfg:        cfg,
		dist:       dist,
		conn:       conn,
		metrics:    metrics,
		log:        log,
		sessionCfg: sessionCfg,
		processSet: make(map[string]struct{}),
	}
}

// Run serves both listeners until ctx is cancelled. The process-level
// default instrument set is applied before accepting traffic.
func (s *Server) Run(ctx context.Context) error {
	if len(s.cfg.DefaultInstruments) > 0 {
		s.applyProcessSubscribe(s.cfg.DefaultInstruments)
	}

	restSrv := &http.Server{
		Addr:              s.cfg.REST.Addr(),
		Handler:           s.restHandler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	wsSrv := &http.Server{
		Addr:              s.cfg.Websocket.Addr(),
		Handler:           s.wsHandler(ctx),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() {
		s.log.Info("rest listener up", observability.F("addr", restSrv.Addr))
		if err := restSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})
	wg.Go(func() {
		s.log.Info("websocket listener up",
			observability.F("addr", wsSrv.Addr),
			observability.F("path", s.cfg.Websocket.Path))
		if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = restSrv.Shutdown(shutdownCtx)
	_ = wsSrv.Shutdown(shutdownCtx)
	wg.Wait()
	return runErr
}

func (s *Server) restHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("POST /api/subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /api/unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	return s.cors(s.timeout(mux))
}

// timeout bounds every REST request; requests exceeding the server-wide
// deadline answer 504. The handler runs against a buffered response so an
// abandoned request never races the timeout reply.
func (s *Server) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		buf := &bufferedResponse{header: make(http.Header), status: http.StatusOK}
		done := make(chan struct{})
		go func() {
			defer close(done)
			next.ServeHTTP(buf, r.WithContext(ctx))
		}()
		select {
		case <-done:
			buf.copyTo(w)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				w.WriteHeader(http.StatusGatewayTimeout)
			}
		}
	})
}

type bufferedResponse struct {
	header http.Header
	status int
	body   []byte
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.body = append(b.body, p...)
	return len(p), nil
}

func (b *bufferedResponse) copyTo(w http.ResponseWriter) {
	for key, values := range b.header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body)
}

func (s *Server) cors(next http.Handler) http.Handler {
	origins := s.cfg.REST.CORSAllowOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && len(origins) > 0 {
			if allowed, value := corsOrigin(origins, origin); allowed {
				w.Header().Set("Access-Control-Allow-Origin", value)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsOrigin(origins []string, origin string) (bool, string) {
	for _, o := range origins {
		if o == "*" {
			return true, "*"
		}
		if o == origin {
			return true, origin
		}
	}
	return false, ""
}

type instrumentsPayload struct {
	Instruments []string `json:"instruments"`
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.processSet))
	for key := range s.processSet {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	writeJSON(w, http.StatusOK, instrumentsPayload{Instruments: keys})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	keys, ok := s.decodeInstruments(w, r)
	if !ok {
		return
	}
	s.applyProcessSubscribe(keys)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	keys, ok := s.decodeInstruments(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	removed := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, held := s.processSet[key]; held {
			delete(s.processSet, key)
			removed = append(removed, key)
		}
	}
	s.mu.Unlock()
	if len(removed) > 0 {
		s.conn.Unsubscribe(removed)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// applyProcessSubscribe adds keys to the process-level set, bumping
// upstream refcounts without creating a downstream subscriber.
func (s *Server) applyProcessSubscribe(keys []string) {
	s.mu.Lock()
	added := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, held := s.processSet[key]; held {
			continue
		}
		s.processSet[key] = struct{}{}
		added = append(added, key)
	}
	s.mu.Unlock()
	if len(added) > 0 {
		s.conn.Subscribe(added)
	}
}

func (s *Server) decodeInstruments(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var payload instrumentsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return nil, false
	}
	for _, key := range payload.Instruments {
		if err := schema.ValidateInstrument(key); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid instrument " + key})
			return nil, false
		}
	}
	return payload.Instruments, true
}

type statusPayload struct {
	Adapters    []connector.Health `json:"adapters"`
	Sessions    int                `json:"sessions"`
	Instruments int                `json:"instruments"`
	Dropped     uint64             `json:"dropped"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dist.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "distributor unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, statusPayload{
		Adapters:    s.conn.Status(),
		Sessions:    stats.Sessions,
		Instruments: stats.Instruments,
		Dropped:     stats.Dropped,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// wsHandler upgrades clients on the configured path and serves each session
// until it closes. Sessions inherit the server lifetime, not the request's.
func (s *Server) wsHandler(base context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.Websocket.Path, func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="mdgate"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			s.log.Error("websocket upgrade failed", observability.F("err", err))
			return
		}
		sess := session.New(conn, s.dist, s.sessionCfg, s.metrics, s.log)
		if err := sess.Serve(base); err != nil {
			s.log.Error("session terminated",
				observability.F("client", sess.ClientID()),
				observability.F("err", err))
		}
	})
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	creds := s.cfg.Websocket.Credentials
	if creds.Empty() {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(creds.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(creds.Password)) == 1
	return userOK && passOK
}
