package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State tracks where a user session is in its lifecycle.
type State string

const (
	StateLoggedIn   State = "LOGGED_IN"
	StateLoggingOut State = "LOGGING_OUT"
)

// Action tracks what a client session is waiting for.
type Action string

const (
	ActionAuthenticate Action = "AUTHENTICATE"
	ActionLoggedOut    Action = "LOGGED_OUT"
)

// UserSession is a user's SSO session with the realm. Client sessions
// hang off it, one per service provider the user logged in to.
type UserSession struct {
	ID        string
	Realm     string
	UserID    string
	Username  string
	IPAddress string
	Started   time.Time

	mu             sync.Mutex
	state          State
	notes          map[string]string
	clientSessions []string
}

func (us *UserSession) State() State {
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.state
}

func (us *UserSession) SetState(state State) {
	us.mu.Lock()
	defer us.mu.Unlock()
	us.state = state
}

func (us *UserSession) Note(key string) string {
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.notes[key]
}

func (us *UserSession) SetNote(key, value string) {
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.notes == nil {
		us.notes = make(map[string]string)
	}
	us.notes[key] = value
}

// ClientSession is one service provider's slice of a user session. Its
// ID doubles as the SessionIndex reported in assertions.
type ClientSession struct {
	ID            string
	Realm         string
	ClientID      string
	UserSessionID string
	AuthMethod    string
	RedirectURI   string
	Started       time.Time

	mu     sync.Mutex
	action Action
	notes  map[string]string
}

func (cs *ClientSession) Action() Action {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.action
}

func (cs *ClientSession) SetAction(action Action) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.action = action
}

func (cs *ClientSession) Note(key string) string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.notes[key]
}

func (cs *ClientSession) SetNote(key, value string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.notes == nil {
		cs.notes = make(map[string]string)
	}
	cs.notes[key] = value
}

// Store keeps sessions in memory, keyed per realm.
type Store struct {
	mu             sync.RWMutex
	userSessions   map[string]*UserSession
	clientSessions map[string]*ClientSession
}

func NewStore() *Store {
	return &Store{
		userSessions:   make(map[string]*UserSession),
		clientSessions: make(map[string]*ClientSession),
	}
}

func key(realmName, id string) string {
	return realmName + "/" + id
}

// CreateUserSession starts a new SSO session for a user.
func (s *Store) CreateUserSession(realmName, userID, username, ipAddress string) *UserSession {
	us := &UserSession{
		ID:        uuid.New().String(),
		Realm:     realmName,
		UserID:    userID,
		Username:  username,
		IPAddress: ipAddress,
		Started:   time.Now(),
		state:     StateLoggedIn,
	}
	s.mu.Lock()
	s.userSessions[key(realmName, us.ID)] = us
	s.mu.Unlock()
	return us
}

// UserSession looks up a user session, nil when absent.
func (s *Store) UserSession(realmName, id string) *UserSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userSessions[key(realmName, id)]
}

// CreateClientSession starts a client session not yet bound to a user
// session. Binding happens after authentication.
func (s *Store) CreateClientSession(realmName, clientID string) *ClientSession {
	cs := &ClientSession{
		ID:       uuid.New().String(),
		Realm:    realmName,
		ClientID: clientID,
		Started:  time.Now(),
		action:   ActionAuthenticate,
	}
	s.mu.Lock()
	s.clientSessions[key(realmName, cs.ID)] = cs
	s.mu.Unlock()
	return cs
}

// ClientSession looks up a client session, nil when absent.
func (s *Store) ClientSession(realmName, id string) *ClientSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientSessions[key(realmName, id)]
}

// Attach binds a client session to a user session.
func (s *Store) Attach(us *UserSession, cs *ClientSession) {
	cs.mu.Lock()
	cs.UserSessionID = us.ID
	cs.mu.Unlock()

	us.mu.Lock()
	us.clientSessions = append(us.clientSessions, cs.ID)
	us.mu.Unlock()
}

// ClientSessionsOf returns the client sessions attached to a user
// session, in attach order.
func (s *Store) ClientSessionsOf(us *UserSession) []*ClientSession {
	us.mu.Lock()
	ids := make([]string, len(us.clientSessions))
	copy(ids, us.clientSessions)
	us.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ClientSession, 0, len(ids))
	for _, id := range ids {
		if cs := s.clientSessions[key(us.Realm, id)]; cs != nil {
			out = append(out, cs)
		}
	}
	return out
}

// UserSessionOf resolves the user session a client session belongs to,
// nil for unbound sessions.
func (s *Store) UserSessionOf(cs *ClientSession) *UserSession {
	cs.mu.Lock()
	usID := cs.UserSessionID
	cs.mu.Unlock()
	if usID == "" {
		return nil
	}
	return s.UserSession(cs.Realm, usID)
}

// RemoveUserSession drops a user session and everything attached to it.
func (s *Store) RemoveUserSession(us *UserSession) {
	us.mu.Lock()
	ids := make([]string, len(us.clientSessions))
	copy(ids, us.clientSessions)
	us.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.clientSessions, key(us.Realm, id))
	}
	delete(s.userSessions, key(us.Realm, us.ID))
}
