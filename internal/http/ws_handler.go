package httpapi

import (
	"errors"
	"net/http"
	"time"

	"classpulse-engagement/internal/domain"
	"classpulse-engagement/internal/repository"
	"classpulse-engagement/internal/ws"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSHandler upgrades observer connections and hands them to the fan-out hub.
type WSHandler struct {
	hub      *ws.Hub
	identity IdentityVerifier
	classes  repository.ClassRepository
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewWSHandler(hub *ws.Hub, identity IdentityVerifier, classes repository.ClassRepository, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:      hub,
		identity: identity,
		classes:  classes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from the classroom frontend origin;
			// token verification is the real gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve handles GET /api/v1/engagement/ws/{class_id}?token=...
//
// The upgrade is accepted first, then the token and class scope are checked;
// a failed check closes the socket with a policy violation close code so the
// client sees the reason instead of a bare handshake rejection.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request, classID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	principal, err := h.identity.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.closeWith(conn, websocket.ClosePolicyViolation, "authentication failed")
		return
	}
	if !principal.Teacher() {
		h.closeWith(conn, websocket.ClosePolicyViolation, "observer access requires a teacher role")
		return
	}

	class, err := h.classes.GetClass(r.Context(), classID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.closeWith(conn, websocket.ClosePolicyViolation, "class not found")
		} else {
			h.closeWith(conn, websocket.CloseInternalServerErr, "class lookup failed")
		}
		return
	}
	if err := h.identity.AuthorizeClass(principal, class); err != nil {
		h.closeWith(conn, websocket.ClosePolicyViolation, "class outside your scope")
		return
	}

	sub := h.hub.Subscribe(conn, classID, principal.UserID, principal.Role)
	h.readLoop(conn, sub)
}

// readLoop drains client frames until disconnect. The only client -> server
// message is a liveness ping, answered with a pong event on this
// subscriber's own queue.
func (h *WSHandler) readLoop(conn *websocket.Conn, sub *ws.Subscriber) {
	defer h.hub.Unsubscribe(sub)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket read error",
					zap.Error(err),
					zap.String("user_id", sub.UserID),
				)
			}
			return
		}
		if string(msg) == "ping" {
			sub.SendDirect(ws.PongEvent())
		}
	}
}

func (h *WSHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
