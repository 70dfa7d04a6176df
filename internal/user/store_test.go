package user

import (
	"errors"
	"testing"
)

func TestLookupByUsernameAndEmail(t *testing.T) {
	store := NewStore()
	store.Add(&User{ID: "u1", Realm: "demo", Username: "alice", Email: "alice@example.com", Password: "pw"})

	if store.ByUsername("demo", "alice") == nil {
		t.Error("lookup by username failed")
	}
	if store.ByUsername("demo", "alice@example.com") == nil {
		t.Error("lookup by email failed")
	}
	if store.ByUsername("other", "alice") != nil {
		t.Error("user leaked across realms")
	}
	if store.ByUsername("demo", "ghost") != nil {
		t.Error("unknown user resolved")
	}

	if u := store.ByID("demo", "u1"); u == nil || u.Username != "alice" {
		t.Error("lookup by ID failed")
	}
	if store.ByID("demo", "u2") != nil {
		t.Error("unknown ID resolved")
	}
}

func TestValidateCredentials(t *testing.T) {
	store := NewStore()
	store.Add(&User{ID: "u1", Realm: "demo", Username: "alice", Email: "alice@example.com", Password: "pw"})

	if _, err := store.ValidateCredentials("demo", "alice", "pw"); err != nil {
		t.Errorf("valid credentials rejected: %v", err)
	}
	if _, err := store.ValidateCredentials("demo", "alice@example.com", "pw"); err != nil {
		t.Errorf("email login rejected: %v", err)
	}
	if _, err := store.ValidateCredentials("demo", "alice", "bad"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("bad password err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := store.ValidateCredentials("demo", "ghost", "pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user err = %v, want ErrInvalidCredentials", err)
	}
}

func TestSeedDemoUsers(t *testing.T) {
	store := NewStore()
	store.SeedDemoUsers("demo")

	for _, username := range []string{"alice", "bob", "admin"} {
		if store.ByUsername("demo", username) == nil {
			t.Errorf("demo user %q missing", username)
		}
	}
	if u := store.ByUsername("demo", "alice"); len(u.Attributes["department"]) == 0 {
		t.Error("demo user has no attributes")
	}
}
