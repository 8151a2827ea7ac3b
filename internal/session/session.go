package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collabd/internal/document"
)

// Status of a session. Inactive is terminal.
type Status string

const (
	StatusActive   Status = "Active"
	StatusInactive Status = "Inactive"
)

// Conn is the slice of a duplex connection the session needs: ordered
// sends and a close with a distinguishing code and reason. Implemented by
// ws.Connection; tests substitute fakes.
type Conn interface {
	ID() string
	UserID() string
	Send(messageType int, data []byte) error
	CloseWithReason(code int, reason string) error
}

type docAttachment struct {
	conn Conn
	peer *document.Peer
}

// Session holds the state of one paired collaborative session: exactly two
// participants, one shared document, the attached document and chat
// connections, and the persistence-dirty flag. All mutation goes through
// the session mutex; websocket I/O happens on each connection's own writer
// goroutine, so sends from under the mutex do not block.
type Session struct {
	ID         string
	UserA      string
	UserB      string
	Language   string
	QuestionID string
	StartTime  time.Time

	mu        sync.Mutex
	status    Status
	names     map[string]string
	doc       *document.Handle
	docConns  map[string]docAttachment
	chatConns map[string]map[string]Conn
	dirty     bool
	dirtyGen  uint64
	done      chan struct{}
	log       *logrus.Entry
}

// New builds an Active session owning doc. The caller registers it and
// arms its timers.
func New(id, userA, userB, language, questionID string, start time.Time, doc *document.Handle) *Session {
	return &Session{
		ID:         id,
		UserA:      userA,
		UserB:      userB,
		Language:   language,
		QuestionID: questionID,
		StartTime:  start,
		status:     StatusActive,
		names:      make(map[string]string, 2),
		doc:        doc,
		docConns:   make(map[string]docAttachment),
		chatConns:  make(map[string]map[string]Conn, 2),
		done:       make(chan struct{}),
		log:        logrus.WithFields(logrus.Fields{"component": "session", "session_id": id}),
	}
}

// IsValidUser reports whether id is one of the two participants.
func (s *Session) IsValidUser(id string) bool {
	return id != "" && (id == s.UserA || id == s.UserB)
}

// OtherParticipant returns the participant that is not id.
func (s *Session) OtherParticipant(id string) string {
	if id == s.UserA {
		return s.UserB
	}
	return s.UserA
}

// SetDisplayName caches a participant's display name.
func (s *Session) SetDisplayName(userID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name != "" {
		s.names[userID] = name
	}
}

// DisplayName returns the cached display name, falling back to the id.
func (s *Session) DisplayName(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.names[userID]; ok {
		return name
	}
	return userID
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// AttachDocument adds conn to the document fan-out and immediately sends
// it the initial full-state sync step.
func (s *Session) AttachDocument(conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return ErrSessionInactive
	}
	peer, err := s.doc.NewPeer()
	if err != nil {
		return err
	}
	s.docConns[conn.ID()] = docAttachment{conn: conn, peer: peer}

	if msg, ok := peer.Produce(); ok {
		if err := conn.Send(websocket.BinaryMessage, document.EncodeFrame(document.FrameSync, msg)); err != nil {
			s.log.WithError(err).Warn("failed to send initial sync step")
		}
	}
	return nil
}

// DetachDocument removes conn from the document fan-out. Idempotent: a
// second detach for the same connection is a no-op.
func (s *Session) DetachDocument(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docConns, conn.ID())
}

// DocumentConnCount returns the size of the document fan-out set.
func (s *Session) DocumentConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docConns)
}

// ApplySync feeds one inbound sync frame from origin into the shared
// document, replies to origin when the protocol produces a response, and
// broadcasts resulting changes to every other attached document
// connection. Changes mark the session dirty.
func (s *Session) ApplySync(origin Conn, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return ErrSessionInactive
	}
	att, ok := s.docConns[origin.ID()]
	if !ok {
		return ErrNotAttached
	}

	reply, changed, err := att.peer.Apply(payload)
	if err != nil {
		return fmt.Errorf("sync apply failed: %w", err)
	}
	if reply != nil {
		if err := origin.Send(websocket.BinaryMessage, document.EncodeFrame(document.FrameSync, reply)); err != nil {
			s.log.WithError(err).Warn("failed to send sync reply")
		}
	}
	if !changed {
		return nil
	}

	s.markDirtyLocked()
	for id, other := range s.docConns {
		if id == origin.ID() {
			continue
		}
		msg, ok := other.peer.Produce()
		if !ok {
			continue
		}
		if err := other.conn.Send(websocket.BinaryMessage, document.EncodeFrame(document.FrameSync, msg)); err != nil {
			s.log.WithError(err).WithField("conn_id", id).Warn("failed to broadcast document update")
		}
	}
	return nil
}

// RelayAwareness forwards an awareness frame to every document connection
// except the origin. Awareness state is ephemeral and opaque to the
// server.
func (s *Session) RelayAwareness(origin Conn, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := document.EncodeFrame(document.FrameAwareness, payload)
	for id, other := range s.docConns {
		if id == origin.ID() {
			continue
		}
		if err := other.conn.Send(websocket.BinaryMessage, frame); err != nil {
			s.log.WithError(err).WithField("conn_id", id).Warn("failed to relay awareness")
		}
	}
}

// AttachChat adds conn to userID's chat connection set and reports
// whether it is that participant's first chat connection.
func (s *Session) AttachChat(userID string, conn Conn) (first bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return false, ErrSessionInactive
	}
	set, ok := s.chatConns[userID]
	if !ok {
		set = make(map[string]Conn)
		s.chatConns[userID] = set
	}
	first = len(set) == 0
	set[conn.ID()] = conn
	return first, nil
}

// DetachChat removes conn from userID's chat set. An empty or unknown
// userID removes the connection from both participants' sets, covering
// closes where the owner cannot be determined. It reports whether the
// owning participant now has zero chat connections.
func (s *Session) DetachChat(userID string, conn Conn) (disconnected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.chatConns[userID]; ok {
		if _, had := set[conn.ID()]; had {
			delete(set, conn.ID())
			return len(set) == 0
		}
		return false
	}
	for _, set := range s.chatConns {
		if _, had := set[conn.ID()]; had {
			delete(set, conn.ID())
			if len(set) == 0 {
				disconnected = true
			}
		}
	}
	return disconnected
}

// ChatDisconnected reports whether userID has no chat connections.
func (s *Session) ChatDisconnected(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chatConns[userID]) == 0
}

// BroadcastChat sends data to every chat connection of both participants,
// including the sender's other open tabs.
func (s *Session) BroadcastChat(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range s.chatConns {
		for id, conn := range set {
			if err := conn.Send(websocket.TextMessage, data); err != nil {
				s.log.WithError(err).WithField("conn_id", id).Warn("failed to send chat frame")
			}
		}
	}
}

// SendChatToUser sends data to every chat connection of one participant.
func (s *Session) SendChatToUser(userID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.chatConns[userID] {
		if err := conn.Send(websocket.TextMessage, data); err != nil {
			s.log.WithError(err).WithField("conn_id", id).Warn("failed to send chat frame")
		}
	}
}

// MarkDirty records unpersisted document changes. Idempotent; activity
// recorded here keeps the session alive past the next inactivity check.
func (s *Session) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markDirtyLocked()
}

func (s *Session) markDirtyLocked() {
	s.dirty = true
	s.dirtyGen++
}

// Dirty reports whether the document changed since the last successful
// checkpoint.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Checkpoint returns the current plain-text snapshot for persistence
// together with a generation token. Fails with ErrClean when there is
// nothing to persist. The dirty flag stays set until the caller confirms
// the write with CheckpointDone, so a failed write is retried on the next
// tick.
func (s *Session) Checkpoint() (snapshot string, gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return "", 0, ErrClean
	}
	snapshot, err = s.doc.Snapshot()
	if err != nil {
		return "", 0, fmt.Errorf("checkpoint snapshot failed: %w", err)
	}
	return snapshot, s.dirtyGen, nil
}

// CheckpointDone clears the dirty flag after a successful write, unless
// the document changed again since the snapshot was taken.
func (s *Session) CheckpointDone(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirtyGen == gen {
		s.dirty = false
	}
}

// Snapshot returns the current plain text without touching the dirty
// flag. Used for the final write at termination and shutdown.
func (s *Session) Snapshot() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return "", ErrSessionInactive
	}
	return s.doc.Snapshot()
}

// End transitions the session to Inactive: every attached connection is
// told why and closed, the document handle is destroyed, and the done
// channel wakes the timer loop. Returns false if the session already
// ended, making a racing second termination a no-op.
func (s *Session) End(reason string) bool {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return false
	}
	s.status = StatusInactive

	var docConns []Conn
	for _, att := range s.docConns {
		docConns = append(docConns, att.conn)
	}
	var chatConns []Conn
	for _, set := range s.chatConns {
		for _, conn := range set {
			chatConns = append(chatConns, conn)
		}
	}
	s.docConns = make(map[string]docAttachment)
	s.chatConns = make(map[string]map[string]Conn)
	s.doc.Close()
	close(s.done)
	s.mu.Unlock()

	notif := ChatNotif(reason)
	for _, conn := range chatConns {
		if err := conn.Send(websocket.TextMessage, notif); err != nil {
			s.log.WithError(err).Debug("failed to send end notice")
		}
	}
	for _, conn := range append(docConns, chatConns...) {
		if err := conn.CloseWithReason(websocket.CloseNormalClosure, reason); err != nil {
			s.log.WithError(err).Debug("failed to close connection")
		}
	}

	s.log.WithField("reason", reason).Info("session ended")
	return true
}
