package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/session-broker/internal/errs"
)

const (
	// wsWriteTimeout bounds a single frame write when the caller has no
	// tighter deadline.
	wsWriteTimeout = 10 * time.Second
	// wsMaxMessageSize bounds inbound client frames.
	wsMaxMessageSize = 256 << 10
)

// createUpgrader creates a WebSocket upgrader with proper origin validation.
// WebSocket upgrades bypass CORS, so we must validate origins explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely same-origin or non-browser client
				return true
			}
			if originAllowed(origin, s.config.AllowedOrigins) {
				return true
			}
			s.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
			return false
		},
	}
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	prefix, suffix, ok := strings.Cut(pattern, "*")
	if !ok {
		return false
	}
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The middle part (subdomain) must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}

// wsConnection adapts a WebSocket to registry.Connection. Writes are
// serialized; Close may be called from any goroutine and more than once.
type wsConnection struct {
	id   string
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConnection(conn *websocket.Conn) *wsConnection {
	return &wsConnection{
		id:   "conn-" + uuid.NewString(),
		conn: conn,
		done: make(chan struct{}),
	}
}

func (c *wsConnection) ID() string { return c.id }

// Send writes one text frame. The write deadline is the earlier of ctx's
// deadline and wsWriteTimeout.
func (c *wsConnection) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return errs.New(errs.TransportError, "connection %s is closed", c.id)
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errs.Wrap(errs.TransportError, err, "write frame")
	}
	return nil
}

// sendJSON encodes v and sends it to this connection only.
func (c *wsConnection) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return c.Send(ctx, payload)
}

// Close sends a normal close frame carrying reason and closes the socket.
func (c *wsConnection) Close(reason string) error {
	return c.closeWith(websocket.CloseNormalClosure, reason)
}

func (c *wsConnection) closeWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// WriteControl is safe alongside a concurrent WriteMessage.
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}

// keepalive pings the peer until the connection closes or the server stops.
func (s *Server) keepalive(c *wsConnection) {
	ticker := time.NewTicker(s.config.WSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-s.done:
			c.Close("server shutting down")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				c.Close("ping failed")
				return
			}
		}
	}
}

// errorFrame reports a rejected request to the connection that sent it.
type errorFrame struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func newErrorFrame(err error) errorFrame {
	kind := errs.KindOf(err)
	msg := errs.MessageOf(err)
	if kind == errs.Internal {
		msg = "internal error"
	}
	return errorFrame{Type: "error", Error: string(kind), Message: msg}
}

// chatRequest is one client frame on the chat socket.
type chatRequest struct {
	Content string `json:"content"`
}

// handleChatWS attaches a client to a session and relays each message it
// sends. Responses are broadcast to every connection of the session; a
// rejected request is reported only to its sender.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorizeSession(w, r, id) {
		return
	}
	if _, err := s.orch.Get(r.Context(), id); err != nil {
		s.writeKindError(w, r, err)
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "sessionID", id, "error", err)
		return
	}
	c := newWSConnection(conn)
	log := s.logger.With("sessionID", id, "connectionID", c.id)

	if err := s.orch.Attach(r.Context(), id, c); err != nil {
		_ = c.sendJSON(newErrorFrame(err))
		c.closeWith(websocket.ClosePolicyViolation, string(errs.KindOf(err)))
		log.Info("Chat connection rejected", "error", err)
		return
	}
	log.Info("Chat connection attached")
	defer func() {
		s.orch.Detach(id, c)
		c.Close("client disconnected")
		log.Info("Chat connection detached")
	}()

	pongTimeout := s.config.WSPongTimeout
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go s.keepalive(c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Chat read ended", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var req chatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.sendJSON(errorFrame{Type: "error", Error: errBadRequest, Message: "invalid message format"})
			continue
		}

		// Relays are bound to the session, not this connection; the read
		// loop keeps running so keepalives and Busy rejections are handled.
		go func() {
			res, err := s.orch.Relay(context.Background(), id, req.Content)
			if err != nil {
				_ = c.sendJSON(newErrorFrame(err))
				return
			}
			log.Debug("Relay finished", "fragments", res.Fragments, "truncated", res.Truncated, "failed", res.Err != nil)
		}()
	}
}

// vncInfo tells a client where the session's desktop viewer is.
type vncInfo struct {
	Type     string `json:"type"`
	NoVNCURL string `json:"novnc_url"`
	VNCPort  int    `json:"vnc_port"`
}

// handleVNCWS sends the session's viewer endpoint and then keeps the socket
// alive with application pings until the session ends.
func (s *Server) handleVNCWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorizeSession(w, r, id) {
		return
	}
	sess, err := s.orch.Get(r.Context(), id)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	if sess.State.Terminal() {
		writeError(w, http.StatusConflict, string(errs.InvalidState), "session is "+string(sess.State))
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("VNC WebSocket upgrade failed", "sessionID", id, "error", err)
		return
	}
	c := newWSConnection(conn)
	defer c.Close("closed")

	if err := c.sendJSON(vncInfo{
		Type:     "vnc_info",
		NoVNCURL: sess.Endpoint.NoVNCURL(),
		VNCPort:  sess.Endpoint.VNCPort,
	}); err != nil {
		return
	}

	// Read pump: detect client disconnect.
	go func() {
		defer c.Close("client disconnected")
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.config.VNCPingInterval)
	defer ticker.Stop()
	ping := map[string]string{"type": "ping"}
	for {
		select {
		case <-c.done:
			return
		case <-s.done:
			return
		case <-ticker.C:
			cur, err := s.orch.Get(context.Background(), id)
			if err != nil || cur.State.Terminal() {
				c.Close("session ended")
				return
			}
			if err := c.sendJSON(ping); err != nil {
				return
			}
		}
	}
}
