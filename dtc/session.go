package dtc

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// SessionMode is the diagnostic access level gating tool operations.
type SessionMode int

const (
	ModeDefault SessionMode = iota
	ModeExtended
	ModeProgramming
)

func (m SessionMode) String() string {
	switch m {
	case ModeExtended:
		return "extended"
	case ModeProgramming:
		return "programming"
	default:
		return "default"
	}
}

// ParseSessionMode maps the wire name of a session mode.
func ParseSessionMode(s string) (SessionMode, bool) {
	switch s {
	case "default":
		return ModeDefault, true
	case "extended":
		return ModeExtended, true
	case "programming":
		return ModeProgramming, true
	}
	return ModeDefault, false
}

// Operation names a dispatcher action for permission checks.
type Operation int

const (
	OpList Operation = iota
	OpReadOne
	OpClear
	OpSession
)

// SessionManager tracks the active diagnostic session mode and its
// keep-alive timer. Elevated modes fall back to DEFAULT on inactivity.
type SessionManager struct {
	mu           sync.Mutex
	log          Logger
	mode         SessionMode
	token        string
	lastActivity time.Time
	timeout      time.Duration
	now          func() time.Time
}

func NewSessionManager(logger Logger, timeout time.Duration) *SessionManager {
	return &SessionManager{
		log:     logger,
		mode:    ModeDefault,
		timeout: timeout,
		now:     time.Now,
	}
}

// Mode returns the current session mode, applying the inactivity rule first.
func (m *SessionManager) Mode() SessionMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	return m.mode
}

// Touch resets the inactivity timer. Called only for well-formed requests;
// malformed traffic must not keep a session alive.
func (m *SessionManager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	m.lastActivity = m.now()
}

// IsAllowed reports whether the operation is permitted in the current mode.
func (m *SessionManager) IsAllowed(op Operation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	switch op {
	case OpList, OpReadOne, OpSession:
		return true
	case OpClear:
		return m.mode == ModeExtended || m.mode == ModeProgramming
	}
	return false
}

// ValidateToken checks a request's session token against the active session.
// DEFAULT mode requires no token.
func (m *SessionManager) ValidateToken(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	if m.mode == ModeDefault {
		return true
	}
	return token != "" && token == m.token
}

// ChangeMode performs a session-control transition and returns the token for
// the new session. Elevation is stepwise: DEFAULT -> EXTENDED ->
// PROGRAMMING; any mode may end back to DEFAULT.
func (m *SessionManager) ChangeMode(target SessionMode) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	switch {
	case target == ModeDefault:
		// Explicit session end.
	case target == ModeExtended && m.mode == ModeDefault:
	case target == ModeExtended && m.mode == ModeExtended:
	case target == ModeProgramming && m.mode >= ModeExtended:
	default:
		return "", ErrSessionNotAllowed
	}

	m.mode = target
	m.lastActivity = m.now()
	if target == ModeDefault {
		m.token = ""
	} else {
		m.token = newSessionToken()
	}
	m.log.Info("Session mode changed to %s", target)
	return m.token, nil
}

// Sweep applies the inactivity rule; called from a periodic context so an
// idle elevated session drops even with no inbound traffic.
func (m *SessionManager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
}

func (m *SessionManager) expireLocked() {
	if m.mode == ModeDefault {
		return
	}
	if m.now().Sub(m.lastActivity) > m.timeout {
		m.log.Info("Session timed out, reverting %s -> default", m.mode)
		m.mode = ModeDefault
		m.token = ""
	}
}

func newSessionToken() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// rand.Read does not fail on supported platforms
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}
