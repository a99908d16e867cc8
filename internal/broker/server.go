// Package broker implements the relay: tunnel registration, the per-host
// control connection, the HTTP proxy bridge built on it, and the fan-out of
// session output streams to WebSocket and SSE subscribers.
package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rbarinov/echoshell-sub000/internal/config"
	"github.com/rbarinov/echoshell-sub000/internal/protocol"
	"github.com/rbarinov/echoshell-sub000/internal/tunnel"
)

// Server is the broker's HTTP surface. Hosts register and attach their
// control connection; clients reach a host's local API through the proxy
// prefix and attach to session output streams.
type Server struct {
	cfg        *config.Config
	registry   *tunnel.Registry
	proxy      *Proxy
	hub        *Hub
	secretHash []byte

	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	sem      chan struct{} // slot acquired before a control upgrade

	router     chi.Router
	httpServer *http.Server
}

// New builds a Server from configuration. The registration secret is hashed
// once here; the clear secret is not retained.
func New(cfg *config.Config) (*Server, error) {
	if cfg.RegistrationSecret == "" {
		return nil, errors.New("broker: registration secret is not configured")
	}
	hash, err := tunnel.HashSecret(cfg.RegistrationSecret)
	if err != nil {
		return nil, fmt.Errorf("broker: hash registration secret: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		proxy:      NewProxy(cfg.RequestTimeout),
		hub:        NewHub(),
		secretHash: hash,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RegisterPerMinute)/60.0), cfg.RegisterPerMinute),
		sem:     make(chan struct{}, cfg.MaxPendingUpgrades),
	}
	s.registry = tunnel.NewRegistry(s)
	s.setupRouter()
	return s, nil
}

// Registry exposes the tunnel registry, mainly for tests and the health
// endpoint.
func (s *Server) Registry() *tunnel.Registry { return s.registry }

// Hub exposes the stream hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting new requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// OnRegister implements tunnel.Hooks.
func (s *Server) OnRegister(tunnelID string) {
	log.Info().Str("tunnel_id", tunnelID).Msg("tunnel control connection attached")
}

// OnUnregister implements tunnel.Hooks. The control connection is the only
// transport back to the host, so everything depending on it is torn down:
// in-flight proxied requests fail immediately and stream subscribers are
// closed.
func (s *Server) OnUnregister(tunnelID string) {
	s.proxy.FailTunnel(tunnelID)
	s.hub.CloseTunnel(tunnelID)
	log.Info().Str("tunnel_id", tunnelID).Msg("tunnel control connection lost, cleaned up dependents")
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/register", s.handleRegister)

	r.Route("/t/{tunnelID}", func(r chi.Router) {
		r.Get("/control", s.handleControl)
		r.Handle("/proxy", http.HandlerFunc(s.handleProxy))
		r.Handle("/proxy/*", http.HandlerFunc(s.handleProxy))
		r.Get("/session/{sessionID}/recording/events", s.handleRecordingEvents)
		r.Get("/session/{sessionID}/{channel}", s.handleSubscribe)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tunnels": len(s.registry.All()),
	})
}

type registerRequest struct {
	Name     string `json:"name,omitempty"`
	TunnelID string `json:"tunnel_id,omitempty"`
}

type registerResponse struct {
	TunnelID       string `json:"tunnel_id"`
	ControlURL     string `json:"control_url"`
	ProxyURLPrefix string `json:"proxy_url_prefix"`
}

// handleRegister reserves a tunnel identity. The host presents the shared
// secret as a bearer token and may supply a previously issued tunnel id to
// restore its identity after a restart.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "registration rate limit exceeded")
		return
	}
	if err := s.authorize(r); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid registration secret")
		return
	}

	var req registerRequest
	if r.Body != nil {
		// An empty body is fine; only reject bodies that fail to parse.
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "malformed registration body")
			return
		}
	}

	id := req.TunnelID
	if id == "" {
		id = tunnel.GenerateID()
	}
	s.registry.Reserve(id, req.Name, s.secretHash)

	log.Info().Str("tunnel_id", id).Str("name", req.Name).Msg("tunnel registered")
	writeJSON(w, http.StatusOK, registerResponse{
		TunnelID:       id,
		ControlURL:     wsURL(s.cfg.PublicURL) + "/t/" + id + "/control",
		ProxyURLPrefix: s.cfg.PublicURL + "/t/" + id + "/proxy",
	})
}

// handleControl upgrades the host's control connection and runs its read
// pump. At most one control connection per tunnel is live; a newer one
// replaces the old.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid registration secret")
		return
	}
	tunnelID := chi.URLParam(r, "tunnelID")
	if _, ok := s.registry.Get(tunnelID); !ok {
		writeError(w, http.StatusNotFound, "unknown tunnel")
		return
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		writeError(w, http.StatusServiceUnavailable, "too many pending connections")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("tunnel_id", tunnelID).Msg("control upgrade failed")
		return
	}

	conn, ok := s.registry.Attach(tunnelID, ws)
	if !ok {
		_ = ws.Close()
		return
	}

	stop := make(chan struct{})
	go s.pingLoop(conn, ws, stop)
	s.controlReadLoop(conn, ws)
	close(stop)

	_ = ws.Close()
	s.registry.DetachConn(tunnelID, ws)
}

// controlReadLoop consumes envelopes from the host until the connection
// errors. Responses resolve pending proxied requests; session output is
// published to the hub; pings and pongs maintain liveness.
func (s *Server) controlReadLoop(conn *tunnel.Conn, ws *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case protocol.TypeResponse:
			if !s.proxy.Resolve(env) {
				log.Debug().Str("tunnel_id", conn.ID).Str("correlation_id", env.CorrelationID).
					Msg("dropped late response")
			}
		case protocol.TypePong:
			conn.TouchPong()
		case protocol.TypePing:
			_ = conn.SendJSON(protocol.Envelope{Type: protocol.TypePong})
		case protocol.TypeDisplayOutput, protocol.TypeRecordingOutput:
			s.hub.Publish(conn.ID, env)
		default:
			log.Debug().Str("tunnel_id", conn.ID).Str("type", env.Type).Msg("ignoring unknown envelope type")
		}
	}
}

// pingLoop sends a liveness ping at the configured interval and closes the
// connection when the host stops answering.
func (s *Server) pingLoop(conn *tunnel.Conn, ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if time.Since(conn.LastPong()) > s.cfg.PongTimeout {
				log.Warn().Str("tunnel_id", conn.ID).Msg("pong timeout, closing control connection")
				_ = ws.Close()
				return
			}
			if err := conn.SendJSON(protocol.Envelope{Type: protocol.TypePing}); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

// handleProxy forwards an arbitrary HTTP request to the host's local API
// over the control connection and relays the response back. The broker is
// opaque here: method, path, query, headers and body pass through unchanged.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	tunnelID := chi.URLParam(r, "tunnelID")
	conn, ok := s.registry.Get(tunnelID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tunnel")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	path := chi.URLParam(r, "*")
	env := protocol.Envelope{
		Method:  r.Method,
		Path:    "/" + path,
		Query:   r.URL.RawQuery,
		Headers: r.Header,
	}
	if len(body) > 0 {
		env.BodyB64 = base64.StdEncoding.EncodeToString(body)
	}

	resp, err := s.proxy.Forward(r.Context(), conn, env)
	if err != nil {
		switch {
		case errors.Is(err, ErrTunnelUnreachable):
			writeError(w, http.StatusBadGateway, "tunnel unreachable")
		case errors.Is(err, ErrRequestTimeout):
			writeError(w, http.StatusGatewayTimeout, "host did not respond in time")
		default:
			// Client went away; nothing useful to write.
		}
		return
	}

	for k, vv := range resp.Headers {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	if resp.BodyB64 != "" {
		if raw, err := base64.StdEncoding.DecodeString(resp.BodyB64); err == nil {
			_, _ = w.Write(raw)
		}
	}
}

// handleSubscribe attaches a WebSocket consumer to one session output
// stream (display or recording). Subscribers are passive: inbound messages
// are discarded, only protocol pongs matter.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	tunnelID := chi.URLParam(r, "tunnelID")
	sessionID := chi.URLParam(r, "sessionID")
	kind, ok := protocol.ParseChannelKind(chi.URLParam(r, "channel"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	if _, ok := s.registry.Get(tunnelID); !ok {
		writeError(w, http.StatusNotFound, "unknown tunnel")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := newWSSubscriber(ws)
	s.hub.Subscribe(tunnelID, sessionID, kind, sub)
	log.Debug().Str("tunnel_id", tunnelID).Str("session_id", sessionID).
		Str("channel", string(kind)).Msg("stream subscriber attached")

	stop := make(chan struct{})
	go s.subscriberPingLoop(sub, stop)
	s.subscriberReadLoop(ws)
	close(stop)

	s.hub.Unsubscribe(tunnelID, sessionID, kind, sub)
	sub.Close()
}

func (s *Server) subscriberReadLoop(ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) subscriberPingLoop(sub *wsSubscriber, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := sub.ping(); err != nil {
				return
			}
		}
	}
}

// handleRecordingEvents serves the recording stream of a session as
// Server-Sent Events, for consumers that cannot hold a WebSocket.
func (s *Server) handleRecordingEvents(w http.ResponseWriter, r *http.Request) {
	tunnelID := chi.URLParam(r, "tunnelID")
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := s.registry.Get(tunnelID); !ok {
		writeError(w, http.StatusNotFound, "unknown tunnel")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := newSSESubscriber()
	s.hub.Subscribe(tunnelID, sessionID, protocol.ChannelRecording, sub)
	defer func() {
		s.hub.Unsubscribe(tunnelID, sessionID, protocol.ChannelRecording, sub)
		sub.Close()
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case env := <-sub.Events():
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// authorize checks the shared registration secret presented as a bearer
// token (or a "token" query parameter for WebSocket dialers that cannot set
// headers).
func (s *Server) authorize(r *http.Request) error {
	secret := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		secret = strings.TrimPrefix(h, "Bearer ")
	} else if t := r.URL.Query().Get("token"); t != "" {
		secret = t
	}
	if secret == "" {
		return tunnel.ErrUnauthorized
	}
	return tunnel.CheckSecret(s.secretHash, secret)
}

func wsURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
