package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collabd/internal/document"
	"collabd/internal/session"
)

// Options tunes connection behavior.
type Options struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferFrames int
}

// Handler is the connection multiplexer: it authenticates upgrade
// requests against the session registry and routes accepted connections
// to the document-sync or chat handler by declared purpose.
type Handler struct {
	registry *session.Registry
	opts     Options
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewHandler(registry *session.Registry, opts Options) *Handler {
	return &Handler{
		registry: registry,
		opts:     opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		log: logrus.WithField("component", "ws"),
	}
}

// HandleUpgrade serves GET /:sessionId?userid=&purpose=. An unknown
// session and a wrong participant are rejected identically with 401
// before any upgrade side effect, so session existence never leaks and a
// rejected request appears in no tracking set.
func (h *Handler) HandleUpgrade(c *gin.Context) {
	sessionID := c.Param("sessionId")
	userID := c.Query("userid")
	purpose := Purpose(c.Query("purpose"))

	sess, ok := h.registry.Get(sessionID)
	if !ok || !sess.IsValidUser(userID) {
		c.String(http.StatusUnauthorized, "Unauthorized")
		return
	}
	if purpose != PurposeDocument && purpose != PurposeChat {
		c.String(http.StatusBadRequest, "unknown purpose")
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn := NewConnection(wsConn, sessionID, userID, purpose, h.opts.BufferFrames, h.opts.WriteTimeout)

	log := h.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    userID,
		"purpose":    purpose,
		"conn_id":    conn.ID(),
	})
	log.Info("connection attached")

	switch purpose {
	case PurposeDocument:
		h.documentLoop(sess, conn, log)
	case PurposeChat:
		h.chatLoop(sess, conn, log)
	}
}

// startHeartbeat arms read-deadline liveness for one connection: pings on
// an interval, deadline refreshed by pongs. This is per-connection
// liveness, independent of the session inactivity timer.
func (h *Handler) startHeartbeat(conn *Connection) error {
	if err := conn.RefreshReadDeadline(h.opts.ReadTimeout); err != nil {
		return err
	}
	conn.OnPong(func(string) error {
		return conn.RefreshReadDeadline(h.opts.ReadTimeout)
	})
	go func() {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.Ping(h.opts.WriteTimeout); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()
	return nil
}

// documentLoop runs the sync/awareness exchange for one connection. The
// attach sends the initial full-state sync step; every inbound sync frame
// is applied to the shared document and resulting updates fan out to the
// session's other document connections.
func (h *Handler) documentLoop(sess *session.Session, conn *Connection, log *logrus.Entry) {
	if err := sess.AttachDocument(conn); err != nil {
		log.WithError(err).Warn("document attach refused")
		_ = conn.CloseWithReason(websocket.CloseNormalClosure, "Session has ended")
		return
	}
	defer func() {
		sess.DetachDocument(conn)
		_ = conn.Close()
		log.Info("document connection detached")
	}()

	if err := h.startHeartbeat(conn); err != nil {
		return
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("document read failed")
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		tag, payload, err := document.DecodeFrame(data)
		if err != nil {
			log.WithError(err).Warn("dropping malformed document frame")
			continue
		}
		switch tag {
		case document.FrameSync:
			if err := sess.ApplySync(conn, payload); err != nil {
				log.WithError(err).Warn("sync frame rejected")
			}
		case document.FrameAwareness:
			sess.RelayAwareness(conn, payload)
		default:
			log.WithField("tag", tag).Warn("dropping frame with unknown tag")
		}
	}
}

// chatLoop relays chat messages and presence notices. Presence notices go
// to the other participant only: a join notice when this is the
// participant's first chat connection, a leave notice when the last one
// closes.
func (h *Handler) chatLoop(sess *session.Session, conn *Connection, log *logrus.Entry) {
	userID := conn.UserID()
	first, err := sess.AttachChat(userID, conn)
	if err != nil {
		log.WithError(err).Warn("chat attach refused")
		_ = conn.CloseWithReason(websocket.CloseNormalClosure, "Session has ended")
		return
	}
	if first {
		notice := fmt.Sprintf("%s has joined the chat", sess.DisplayName(userID))
		sess.SendChatToUser(sess.OtherParticipant(userID), session.ChatNotif(notice))
	}
	defer func() {
		disconnected := sess.DetachChat(userID, conn)
		_ = conn.Close()
		if disconnected && sess.Status() == session.StatusActive {
			notice := fmt.Sprintf("%s has left the chat", sess.DisplayName(userID))
			sess.SendChatToUser(sess.OtherParticipant(userID), session.ChatNotif(notice))
		}
		log.Info("chat connection detached")
	}()

	if err := h.startHeartbeat(conn); err != nil {
		return
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("chat read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame session.ChatFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.WithError(err).Warn("dropping malformed chat frame")
			continue
		}
		switch frame.Type {
		case session.ChatTypeJoin:
			if err := conn.Send(websocket.TextMessage, session.JoinAck()); err != nil {
				log.WithError(err).Warn("failed to send join ack")
			}
		case session.ChatTypeSend:
			sess.BroadcastChat(session.ChatMessage(sess.DisplayName(userID), frame.Content))
		default:
			log.WithField("type", frame.Type).Warn("dropping chat frame with unknown type")
		}
	}
}
