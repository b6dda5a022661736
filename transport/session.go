package transport

import (
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
)

// notificationBuffer is how many server notifications may queue for a
// session without an open stream before new ones are dropped
const notificationBuffer = 64

// session is the in-process side of a connection session: the mcp-go
// client session plus the open SSE streams that must end when the session
// is terminated.
type session struct {
	id        string
	principal string
	clientID  string

	notifications chan mcp.JSONRPCNotification
	initialized   atomic.Bool

	mu         sync.Mutex
	streams    map[int]chan struct{}
	nextStream int
	closed     bool
}

func newSession(id, principal, clientID string) *session {
	return &session{
		id:            id,
		principal:     principal,
		clientID:      clientID,
		notifications: make(chan mcp.JSONRPCNotification, notificationBuffer),
		streams:       make(map[int]chan struct{}),
	}
}

// SessionID implements server.ClientSession.
func (s *session) SessionID() string {
	return s.id
}

// NotificationChannel implements server.ClientSession.
func (s *session) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return s.notifications
}

// Initialize implements server.ClientSession.
func (s *session) Initialize() {
	s.initialized.Store(true)
}

// Initialized implements server.ClientSession.
func (s *session) Initialized() bool {
	return s.initialized.Load()
}

// subscribe registers a stream. done is closed when the session ends.
// ok is false if the session is already closed.
func (s *session) subscribe() (id int, done <-chan struct{}, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, false
	}
	s.nextStream++
	ch := make(chan struct{})
	s.streams[s.nextStream] = ch
	return s.nextStream, ch, true
}

func (s *session) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, id)
}

// close ends every open stream. It is idempotent.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.streams {
		close(ch)
		delete(s.streams, id)
	}
}

func (s *session) streamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}
