package document

import (
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// contentKey is the single root property holding the shared text buffer.
const contentKey = "content"

var ErrHandleClosed = errors.New("document handle is closed")

// Handle wraps one collaboratively edited text buffer. The underlying
// CRDT is treated as an opaque capability: callers apply remote sync
// messages, collect pending messages for each peer, read a plain-text
// snapshot, and eventually close it. All operations on one Handle are
// serialized by its mutex; handles for different sessions are independent.
type Handle struct {
	mu     sync.Mutex
	doc    *automerge.Doc
	closed bool
}

// NewSeeded creates a document whose text buffer starts as seed.
func NewSeeded(seed string) (*Handle, error) {
	doc := automerge.New()
	if err := doc.RootMap().Set(contentKey, automerge.NewText(seed)); err != nil {
		return nil, fmt.Errorf("failed to seed document: %w", err)
	}
	if _, err := doc.Commit("seed"); err != nil {
		return nil, fmt.Errorf("failed to commit seed: %w", err)
	}
	return &Handle{doc: doc}, nil
}

// Peer tracks the sync conversation with one attached connection.
// A Peer is only valid while its Handle is open.
type Peer struct {
	handle *Handle
	state  *automerge.SyncState
}

// NewPeer starts a sync conversation for a newly attached connection.
func (h *Handle) NewPeer() (*Peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}
	return &Peer{handle: h, state: automerge.NewSyncState(h.doc)}, nil
}

// Apply feeds one inbound sync message from this peer into the document.
// It returns the direct reply for the sender (nil when the protocol has
// nothing to say back) and whether the document content changed, in which
// case the other peers have pending messages to collect via Produce.
func (p *Peer) Apply(msg []byte) (reply []byte, changed bool, err error) {
	h := p.handle
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false, ErrHandleClosed
	}

	before := h.doc.Heads()
	if _, err := p.state.ReceiveMessage(msg); err != nil {
		return nil, false, fmt.Errorf("failed to apply sync message: %w", err)
	}
	changed = !headsEqual(before, h.doc.Heads())

	if m, valid := p.state.GenerateMessage(); valid {
		reply = m.Bytes()
	}
	return reply, changed, nil
}

// Produce returns the pending sync message for this peer, if any.
// Called for every other peer after one peer's Apply changed the document,
// and once on attach to send the initial full-state sync step.
func (p *Peer) Produce() ([]byte, bool) {
	h := p.handle
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	m, valid := p.state.GenerateMessage()
	if !valid {
		return nil, false
	}
	return m.Bytes(), true
}

// Snapshot returns the current plain text of the buffer.
func (h *Handle) Snapshot() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", ErrHandleClosed
	}
	v, err := h.doc.RootMap().Get(contentKey)
	if err != nil {
		return "", fmt.Errorf("failed to read document content: %w", err)
	}
	if v.Kind() != automerge.KindText {
		return "", fmt.Errorf("document content is %s, expected text", v.Kind())
	}
	return v.Text().Get()
}

// Close destroys the handle. Peers created from it stop producing and
// any later operation fails with ErrHandleClosed. Safe to call twice.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.doc = nil
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func headsEqual(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
