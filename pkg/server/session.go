package server

import (
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/chatdrop/pkg/protocol"
)

// ErrServerClosed is returned when a connection arrives during shutdown
var ErrServerClosed = errors.New("server closed")

// SessionState is the login state of a session
type SessionState int32

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session represents an active client connection
type Session struct {
	ID         uint64
	Conn       *protocol.Channel // write-locked framing over the connection
	RemoteAddr string
	Transport  string // "tcp" or "websocket"
	CreatedAt  time.Time

	mu       sync.RWMutex // protects username, state and joined
	username string
	state    SessionState
	joined   bool // the others were told this user joined
}

// Username returns the logged-in name, or "" before login
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// State returns the current login state
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsAuthenticated reports whether the session completed login and is not closed
func (s *Session) IsAuthenticated() bool {
	return s.State() == StateAuthenticated
}

// Authenticate moves an unauthenticated session to authenticated. It
// returns false if the session already logged in or is closed.
func (s *Session) Authenticate(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnauthenticated {
		return false
	}
	s.username = username
	s.state = StateAuthenticated
	return true
}

// MarkJoined records that the join notice went out
func (s *Session) MarkJoined() {
	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()
}

// Joined reports whether the others were told this user joined
func (s *Session) Joined() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joined
}

// markClosed moves the session to closed and returns the previous state
func (s *Session) markClosed() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	s.state = StateClosed
	return prev
}

// Send writes one envelope to the session
func (s *Session) Send(env *protocol.Envelope) error {
	return s.Conn.WriteEnvelope(env)
}

// SessionManager manages all active sessions
type SessionManager struct {
	sessions     map[uint64]*Session
	nextID       uint64
	closed       bool
	mu           sync.RWMutex
	metrics      *Metrics
	writeTimeout time.Duration
	maxPayload   uint64
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions:   make(map[uint64]*Session),
		maxPayload: protocol.DefaultMaxPayload,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// SetLimits configures the write timeout and upload cap applied to new sessions
func (sm *SessionManager) SetLimits(writeTimeout time.Duration, maxPayload uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.writeTimeout = writeTimeout
	sm.maxPayload = maxPayload
}

// CreateSession registers a new unauthenticated session for conn
func (sm *SessionManager) CreateSession(conn io.ReadWriteCloser, remoteAddr, transport string) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil, ErrServerClosed
	}

	ch := protocol.NewChannel(conn)
	ch.SetWriteTimeout(sm.writeTimeout)
	ch.SetMaxPayload(sm.maxPayload)

	sess := &Session{
		ID:         atomic.AddUint64(&sm.nextID, 1),
		Conn:       ch,
		RemoteAddr: remoteAddr,
		Transport:  transport,
		CreatedAt:  time.Now(),
	}
	sm.sessions[sess.ID] = sess

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(len(sm.sessions))
		sm.metrics.RecordSessionCreated()
	}

	return sess, nil
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// Snapshot returns the registered sessions ordered by ID. The slice is a
// copy; callers iterate it without holding the registry lock.
func (sm *SessionManager) Snapshot() []*Session {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

// RemoveSession unregisters a session and closes its connection. Only the
// first call for an ID does anything; it returns the session state prior to
// removal and true.
func (sm *SessionManager) RemoveSession(sessionID uint64) (SessionState, bool) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return StateClosed, false
	}
	delete(sm.sessions, sessionID)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionDisconnected()
	}

	prev := sess.markClosed()
	sess.Conn.Close()
	return prev, true
}

// Count returns the number of registered sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CountAuthenticated returns the number of logged-in sessions
func (sm *SessionManager) CountAuthenticated() int {
	n := 0
	for _, sess := range sm.Snapshot() {
		if sess.IsAuthenticated() {
			n++
		}
	}
	return n
}

// Broadcast sends env to every authenticated session except the one with ID
// except (0 excludes nobody). Each recipient is written from its own
// goroutine so one slow peer cannot hold up the rest; Broadcast returns once
// every write has finished. Sessions whose write failed are returned so the
// caller can tear them down. An envelope that cannot be encoded reaches
// nobody and costs no session.
func (sm *SessionManager) Broadcast(env *protocol.Envelope, except uint64) (delivered int, dead []*Session) {
	frame, err := env.Encode()
	if err != nil {
		errorLog.Printf("Dropping %s broadcast: %v", env.Kind, err)
		return 0, nil
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, sess := range sm.Snapshot() {
		if sess.ID == except || !sess.IsAuthenticated() {
			continue
		}

		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()

			err := sess.Conn.WriteFrame(frame)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				debugLog.Printf("Session %d: broadcast %s failed: %v", sess.ID, env.Kind, err)
				dead = append(dead, sess)
				return
			}
			delivered++
		}(sess)
	}
	wg.Wait()

	if sm.metrics != nil {
		sm.metrics.RecordEnvelopesSent(env.Kind, delivered)
	}

	return delivered, dead
}

// CloseAll refuses new sessions, tells every session the server is going
// away and closes them
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sm.closed = true
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := sess.Send(&protocol.Envelope{Kind: protocol.KindLogout, Sender: protocol.ServerSender}); err != nil {
				debugLog.Printf("Session %d: shutdown notice failed: %v", sess.ID, err)
			}
			sm.RemoveSession(sess.ID)
		}(sess)
	}
	wg.Wait()
}
