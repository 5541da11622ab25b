package server

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/loadless/loadless-proxy/mcproto"
)

type PlayerInfo struct {
	Name string    `json:"name"`
	Uuid uuid.UUID `json:"uuid"`
}

func (p *PlayerInfo) String() string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("%s/%s", p.Name, p.Uuid)
}

// Session is a logged-in player whose connection is being tunneled to the backend.
type Session struct {
	Name            string
	Uuid            uuid.UUID
	HasUuid         bool
	UuidText        string
	ClientAddr      net.Addr
	ServerAddress   string
	ProtocolVersion mcproto.ProtocolVersion
	ConnectedAt     time.Time

	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
}

func NewSession(loginStart *mcproto.LoginStart, handshake *mcproto.Handshake, conn net.Conn) *Session {
	return &Session{
		Name:            loginStart.Name,
		Uuid:            loginStart.PlayerUuid,
		HasUuid:         loginStart.HasUuid,
		UuidText:        loginStart.UuidHex(),
		ClientAddr:      conn.RemoteAddr(),
		ServerAddress:   handshake.ServerAddress,
		ProtocolVersion: handshake.ProtocolVersion,
		ConnectedAt:     time.Now(),
		conn:            conn,
	}
}

func (s *Session) PlayerInfo() *PlayerInfo {
	return &PlayerInfo{Name: s.Name, Uuid: s.Uuid}
}

// Close closes the client connection. Only the first call has an effect, so kicks and tunnel
// teardown may race freely.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Session) String() string {
	return fmt.Sprintf("%s[%s]@%s", s.Name, s.UuidText, s.ClientAddr)
}

// matches reports whether target names this session, either by a case-insensitive player name or
// by its UUID written with or without dashes.
func (s *Session) matches(target string) bool {
	if strings.EqualFold(s.Name, target) {
		return true
	}
	if !s.HasUuid {
		return false
	}
	return strings.EqualFold(s.UuidText, strings.ReplaceAll(target, "-", ""))
}

// SessionRegistry maps player names to their live sessions.
type SessionRegistry struct {
	sync.RWMutex
	sessions map[string]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
	}
}

// Put registers session under its player name and returns the session it replaced, if any.
// The caller is responsible for closing a replaced session.
func (r *SessionRegistry) Put(session *Session) *Session {
	r.Lock()
	defer r.Unlock()
	replaced := r.sessions[session.Name]
	r.sessions[session.Name] = session
	return replaced
}

func (r *SessionRegistry) Get(name string) (*Session, bool) {
	r.RLock()
	defer r.RUnlock()
	session, ok := r.sessions[name]
	return session, ok
}

func (r *SessionRegistry) Remove(name string) bool {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.sessions[name]; !ok {
		return false
	}
	delete(r.sessions, name)
	return true
}

// RemoveSession removes session only while the registry still maps its name to it, so that
// a departing session never evicts a newer login of the same player.
func (r *SessionRegistry) RemoveSession(session *Session) bool {
	r.Lock()
	defer r.Unlock()
	if r.sessions[session.Name] != session {
		return false
	}
	delete(r.sessions, session.Name)
	return true
}

func (r *SessionRegistry) Snapshot() map[string]*Session {
	r.RLock()
	defer r.RUnlock()
	result := make(map[string]*Session, len(r.sessions))
	for name, session := range r.sessions {
		result[name] = session
	}
	return result
}

// Sorted returns the sessions ordered by connection time.
func (r *SessionRegistry) Sorted() []*Session {
	snapshot := r.Snapshot()
	result := make([]*Session, 0, len(snapshot))
	for _, session := range snapshot {
		result = append(result, session)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ConnectedAt.Equal(result[j].ConnectedAt) {
			return result[i].Name < result[j].Name
		}
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

func (r *SessionRegistry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.sessions)
}

// CloseAndRemove finds the session named by nameOrUuid, removes it and closes its connection.
// An exact name match wins over a case-insensitive or UUID match.
func (r *SessionRegistry) CloseAndRemove(nameOrUuid string) (*Session, bool) {
	r.Lock()
	session, ok := r.sessions[nameOrUuid]
	if !ok {
		for _, candidate := range r.sessions {
			if candidate.matches(nameOrUuid) {
				session, ok = candidate, true
				break
			}
		}
	}
	if ok {
		delete(r.sessions, session.Name)
	}
	r.Unlock()

	if !ok {
		return nil, false
	}
	if err := session.Close(); err != nil {
		logrus.WithError(err).WithField("player", session.Name).Debug("Error while closing session")
	}
	return session, true
}

// CloseAll removes every session and closes its connection, returning how many were closed.
func (r *SessionRegistry) CloseAll() int {
	r.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.Unlock()

	for _, session := range sessions {
		_ = session.Close()
	}
	return len(sessions)
}
