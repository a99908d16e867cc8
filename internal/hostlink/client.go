package hostlink

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rbarinov/echoshell-sub000/internal/config"
	"github.com/rbarinov/echoshell-sub000/internal/protocol"
	"github.com/rbarinov/echoshell-sub000/internal/session"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second

	registerTimeout = 10 * time.Second
)

// Client registers the host with the broker and keeps the control
// connection alive, reconnecting with exponential backoff. Proxied requests
// arriving on the connection are served against the local session API;
// session output flows back out through the same connection.
type Client struct {
	cfg    *config.Config
	engine *session.Engine
	api    http.Handler

	mu sync.Mutex
	ws *websocket.Conn

	tunnelID    string
	controlURL  string
	proxyPrefix string
}

// New builds a Client and its session engine.
func New(cfg *config.Config) *Client {
	c := &Client{cfg: cfg}
	c.engine = session.NewEngine(session.Options{
		Shell:             cfg.Shell,
		AgentCommand:      cfg.AgentCommand,
		AgentArgs:         cfg.AgentArgs,
		WorkDir:           cfg.WorkDir,
		HistoryLines:      cfg.HistoryLines,
		CompletionTimeout: cfg.CompletionTimeout,
		IdleAge:           cfg.SessionIdleAge,
	}, streamSink{c})
	c.api = newAPI(c.engine)
	return c
}

// Engine exposes the session engine, mainly for shutdown.
func (c *Client) Engine() *session.Engine { return c.engine }

// TunnelID returns the identity issued (or restored) at registration.
func (c *Client) TunnelID() string { return c.tunnelID }

// ProxyURLPrefix returns the public URL prefix under which this host's
// local API is reachable through the broker.
func (c *Client) ProxyURLPrefix() string { return c.proxyPrefix }

// Run registers with the broker, then holds the control connection until
// ctx is cancelled. A lost connection is redialed with backoff doubling
// from 1s up to 30s; the backoff resets after any successful attach.
func (c *Client) Run(ctx context.Context) error {
	if err := c.register(ctx); err != nil {
		return err
	}
	log.Info().Str("tunnel_id", c.tunnelID).Str("proxy_url", c.proxyPrefix).Msg("registered with broker")

	backoff := reconnectMin
	for {
		attached, err := c.runControl(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if attached {
			backoff = reconnectMin
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("control connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

type registration struct {
	TunnelID       string `json:"tunnel_id"`
	ControlURL     string `json:"control_url"`
	ProxyURLPrefix string `json:"proxy_url_prefix"`
}

// register reserves the tunnel identity. A configured tunnel id is sent
// along so a restarted host keeps its public URLs.
func (c *Client) register(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"name":      c.cfg.TunnelName,
		"tunnel_id": c.cfg.TunnelID,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BrokerURL+"/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.RegistrationSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("hostlink: register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hostlink: register: broker returned %s", resp.Status)
	}

	var reg registration
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return fmt.Errorf("hostlink: register: decode response: %w", err)
	}
	c.tunnelID = reg.TunnelID
	c.controlURL = reg.ControlURL
	c.proxyPrefix = reg.ProxyURLPrefix
	return nil
}

// runControl dials the control WebSocket and pumps it until it breaks.
// Returns whether the dial succeeded, for backoff reset.
func (c *Client) runControl(ctx context.Context) (bool, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.RegistrationSecret)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.controlURL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("hostlink: dial control: %s: %w", resp.Status, err)
		}
		return false, fmt.Errorf("hostlink: dial control: %w", err)
	}
	log.Info().Str("tunnel_id", c.tunnelID).Msg("control connection attached")

	c.setConn(ws)
	defer c.clearConn(ws)

	// Close the socket when ctx is cancelled so the read below unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
		}
	}()

	// The broker pings on a fixed interval; a read deadline past one full
	// ping cycle plus its timeout detects a dead broker.
	deadline := c.cfg.PingInterval + c.cfg.PongTimeout

	for {
		_ = ws.SetReadDeadline(time.Now().Add(deadline))
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return true, err
		}
		switch env.Type {
		case protocol.TypeRequest:
			go c.handleRequest(env)
		case protocol.TypePing:
			c.send(protocol.Envelope{Type: protocol.TypePong})
		case protocol.TypePong:
			// Broker answered one of ours; nothing to track.
		default:
			log.Debug().Str("type", env.Type).Msg("ignoring unexpected envelope on control connection")
		}
	}
}

// handleRequest serves one proxied request against the local API and sends
// the correlated response back.
func (c *Client) handleRequest(env protocol.Envelope) {
	var body io.Reader = http.NoBody
	if env.BodyB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(env.BodyB64)
		if err != nil {
			c.sendResponse(env.CorrelationID, http.StatusBadRequest, nil, []byte(`{"error":"malformed request body"}`))
			return
		}
		body = bytes.NewReader(raw)
	}

	target := env.Path
	if target == "" {
		target = "/"
	}
	if env.Query != "" {
		target += "?" + env.Query
	}
	req, err := http.NewRequest(env.Method, target, body)
	if err != nil {
		c.sendResponse(env.CorrelationID, http.StatusBadRequest, nil, []byte(`{"error":"malformed request"}`))
		return
	}
	for k, vv := range env.Headers {
		req.Header[k] = vv
	}

	rec := newResponseRecorder()
	c.api.ServeHTTP(rec, req)
	c.sendResponse(env.CorrelationID, rec.Status(), rec.Header(), rec.Body())
}

func (c *Client) sendResponse(correlationID string, status int, headers http.Header, body []byte) {
	resp := protocol.Envelope{
		Type:          protocol.TypeResponse,
		CorrelationID: correlationID,
		Status:        status,
		Headers:       headers,
	}
	if len(body) > 0 {
		resp.BodyB64 = base64.StdEncoding.EncodeToString(body)
	}
	c.send(resp)
}

// send writes one envelope to the current control connection. Output while
// disconnected is dropped.
func (c *Client) send(env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return
	}
	if err := c.ws.WriteJSON(env); err != nil {
		log.Debug().Err(err).Str("type", env.Type).Msg("dropped envelope, control connection write failed")
	}
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

func (c *Client) clearConn(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	_ = ws.Close()
}
