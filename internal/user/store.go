package user

import (
	"errors"
	"sync"
	"time"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// User is an account in a realm's user federation.
type User struct {
	ID         string
	Realm      string
	Username   string
	Email      string
	Name       string
	Password   string
	Attributes map[string][]string
	CreatedAt  time.Time
}

// Store keeps user accounts in memory, keyed per realm.
type Store struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewStore() *Store {
	return &Store{users: make(map[string]*User)}
}

// Add registers a user. Existing users with the same name are replaced.
func (s *Store) Add(u *User) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.users[u.Realm+"/"+u.Username] = u
	s.mu.Unlock()
}

// ByUsername looks up a user by username or email, nil when absent.
func (s *Store) ByUsername(realmName, username string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u := s.users[realmName+"/"+username]; u != nil {
		return u
	}
	for _, u := range s.users {
		if u.Realm == realmName && u.Email == username {
			return u
		}
	}
	return nil
}

// ByID looks up a user by ID, nil when absent.
func (s *Store) ByID(realmName, id string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Realm == realmName && u.ID == id {
			return u
		}
	}
	return nil
}

// ValidateCredentials checks a username (or email) and password pair.
func (s *Store) ValidateCredentials(realmName, username, password string) (*User, error) {
	u := s.ByUsername(realmName, username)
	if u == nil || u.Password != password {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// SeedDemoUsers loads the demo accounts used by the quickstart realm.
func (s *Store) SeedDemoUsers(realmName string) {
	s.Add(&User{
		ID:       "alice",
		Realm:    realmName,
		Username: "alice",
		Email:    "alice@example.com",
		Name:     "Alice Johnson",
		Password: "password123",
		Attributes: map[string][]string{
			"department": {"Engineering"},
		},
	})
	s.Add(&User{
		ID:       "bob",
		Realm:    realmName,
		Username: "bob",
		Email:    "bob@example.com",
		Name:     "Bob Smith",
		Password: "password123",
		Attributes: map[string][]string{
			"department": {"Marketing"},
		},
	})
	s.Add(&User{
		ID:       "admin",
		Realm:    realmName,
		Username: "admin",
		Email:    "admin@example.com",
		Name:     "Admin User",
		Password: "admin123",
		Attributes: map[string][]string{
			"department": {"IT"},
		},
	})
}
