package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lectern-live/lectern/internal/crdt"
	"github.com/lectern-live/lectern/internal/document"
)

const (
	sessionSendBuffer  = 64
	sessionWriteWait   = 10 * time.Second
	sessionPongWait    = 60 * time.Second
	sessionPingPeriod  = (sessionPongWait * 9) / 10
	sessionMaxFrameLen = 1 << 20
)

// SessionConfig describes one accepted client connection.
type SessionConfig struct {
	Conn       *websocket.Conn
	Registry   *Registry
	DocumentID document.DocumentID
	UserID     string
	Access     document.AccessLevel
	Logger     *zap.Logger
}

// Session is the per-connection protocol front end. It deframes inbound wire
// messages, gates them by the session's resolved permission, forwards them to
// the document actor, and reframes actor broadcasts back onto the socket.
type Session struct {
	id         string
	userID     string
	access     document.AccessLevel
	conn       *websocket.Conn
	registry   *Registry
	documentID document.DocumentID
	actor      *Actor
	logger     *zap.Logger

	outbound  chan []byte
	done      chan struct{}
	closeOnce stdsync.Once
}

// NewSession wraps an upgraded connection whose access level has already been
// resolved.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = actorNoOpLogger
	}
	sessionID := uuid.NewString()
	return &Session{
		id:         sessionID,
		userID:     cfg.UserID,
		access:     cfg.Access,
		conn:       cfg.Conn,
		registry:   cfg.Registry,
		documentID: cfg.DocumentID,
		logger: logger.With(
			zap.String("session_id", sessionID),
			zap.String("document_id", cfg.DocumentID.String())),
		outbound: make(chan []byte, sessionSendBuffer),
		done:     make(chan struct{}),
	}
}

// SessionID returns the unique id assigned to this connection.
func (session *Session) SessionID() string {
	return session.id
}

// Close tears the connection down. The actor calls it when it evicts the
// session for lagging; both pumps exit through the closed done channel and
// the client reconnects to catch up.
func (session *Session) Close() {
	session.close()
}

// Send queues a framed message for delivery. It never blocks; a full buffer
// or a closed session reports false.
func (session *Session) Send(frame []byte) bool {
	select {
	case <-session.done:
		return false
	default:
	}
	select {
	case session.outbound <- frame:
		return true
	default:
		return false
	}
}

// Run joins the document and pumps the connection until it drops. Join
// failures are answered with a protocol-level ERROR frame; the session never
// registers as an observer in that case.
func (session *Session) Run(ctx context.Context) error {
	actor, err := session.registry.Attach(ctx, session.documentID, session, session.userID, session.access)
	if err != nil {
		session.refuseJoin(err)
		return err
	}
	session.actor = actor

	go session.writePump()
	session.readPump(ctx)
	return nil
}

func (session *Session) refuseJoin(joinErr error) {
	defer session.close()
	switch {
	case errors.Is(joinErr, document.ErrDocumentNotFound):
		session.writeFrame(EncodeError(ErrorCodeNotFound, "document not found"))
	case errors.Is(joinErr, ErrCorruptUpdateLog), errors.Is(joinErr, document.ErrInheritanceCycle):
		session.writeFrame(EncodeError(ErrorCodeCorruptState, "document state could not be loaded"))
	default:
		session.logger.Error("join failed", zap.Error(joinErr))
	}
}

func (session *Session) readPump(ctx context.Context) {
	defer func() {
		if session.actor != nil {
			session.actor.Leave(session.id)
		}
		session.close()
	}()

	session.conn.SetReadLimit(sessionMaxFrameLen)
	_ = session.conn.SetReadDeadline(time.Now().Add(sessionPongWait))
	session.conn.SetPongHandler(func(string) error {
		return session.conn.SetReadDeadline(time.Now().Add(sessionPongWait))
	})

	for {
		_, rawFrame, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				session.logger.Warn("connection read failed", zap.Error(err))
			}
			return
		}
		message, decodeErr := DecodeMessage(rawFrame)
		if decodeErr != nil {
			session.logger.Warn("dropping malformed frame", zap.Error(decodeErr))
			continue
		}
		if stopped := session.dispatch(ctx, message); stopped {
			return
		}
	}
}

// dispatch forwards one decoded message to the actor, enforcing at the
// handler boundary that a read-only session may send only SYNC_STEP1 and
// AWARENESS. It reports true when the actor is gone and the pump should end.
func (session *Session) dispatch(ctx context.Context, message Message) bool {
	switch message.Type {
	case MessageSync:
		if message.Sync == SyncStep1 {
			return session.reportActorGone(session.actor.RequestSync(ctx, session.id, message.Payload))
		}
		// SYNC_STEP2 and UPDATE both merge a diff and are write-gated.
		if !session.access.CanWrite() {
			session.Send(EncodeError(ErrorCodeForbidden, "session is read-only"))
			return false
		}
		err := session.actor.Merge(ctx, session.id, message.Payload)
		switch {
		case err == nil:
			return false
		case errors.Is(err, ErrWriteForbidden):
			session.Send(EncodeError(ErrorCodeForbidden, "session is read-only"))
			return false
		case errors.Is(err, crdt.ErrCorruptUpdate):
			session.Send(EncodeError(ErrorCodeCorruptState, "update payload could not be merged"))
			return false
		default:
			return session.reportActorGone(err)
		}
	case MessageAwareness:
		return session.reportActorGone(session.actor.ShareAwareness(ctx, session.id, message.Payload))
	default:
		session.logger.Debug("ignoring unexpected client frame", zap.Uint64("message_type", uint64(message.Type)))
		return false
	}
}

func (session *Session) reportActorGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrActorStopped) {
		session.logger.Debug("document actor stopped underneath session")
		return true
	}
	session.logger.Warn("actor request failed", zap.Error(err))
	return false
}

func (session *Session) writePump() {
	pingTicker := time.NewTicker(sessionPingPeriod)
	defer pingTicker.Stop()
	defer session.close()

	for {
		select {
		case frame := <-session.outbound:
			if !session.writeFrame(frame) {
				return
			}
		case <-pingTicker.C:
			_ = session.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := session.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-session.done:
			return
		}
	}
}

func (session *Session) writeFrame(frame []byte) bool {
	_ = session.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
	if err := session.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return false
	}
	return true
}

func (session *Session) close() {
	session.closeOnce.Do(func() {
		close(session.done)
		_ = session.conn.Close()
	})
}
