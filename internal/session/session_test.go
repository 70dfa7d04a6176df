package session

import "testing"

func TestUserSessionLifecycle(t *testing.T) {
	store := NewStore()

	us := store.CreateUserSession("demo", "u1", "alice", "127.0.0.1")
	if us.ID == "" {
		t.Fatal("empty session ID")
	}
	if us.State() != StateLoggedIn {
		t.Errorf("state = %q, want LOGGED_IN", us.State())
	}

	if got := store.UserSession("demo", us.ID); got != us {
		t.Error("lookup returned a different session")
	}
	if got := store.UserSession("other", us.ID); got != nil {
		t.Error("session leaked across realms")
	}

	us.SetState(StateLoggingOut)
	if us.State() != StateLoggingOut {
		t.Errorf("state = %q after SetState", us.State())
	}
}

func TestClientSessionAttach(t *testing.T) {
	store := NewStore()
	us := store.CreateUserSession("demo", "u1", "alice", "127.0.0.1")

	first := store.CreateClientSession("demo", "app1")
	second := store.CreateClientSession("demo", "app2")
	if first.Action() != ActionAuthenticate {
		t.Errorf("action = %q, want AUTHENTICATE", first.Action())
	}
	if store.UserSessionOf(first) != nil {
		t.Error("unbound client session resolved a user session")
	}

	store.Attach(us, first)
	store.Attach(us, second)

	attached := store.ClientSessionsOf(us)
	if len(attached) != 2 {
		t.Fatalf("attached = %d, want 2", len(attached))
	}
	if attached[0] != first || attached[1] != second {
		t.Error("attach order not preserved")
	}
	if store.UserSessionOf(second) != us {
		t.Error("UserSessionOf did not resolve")
	}
}

func TestNotes(t *testing.T) {
	store := NewStore()
	us := store.CreateUserSession("demo", "u1", "alice", "127.0.0.1")
	cs := store.CreateClientSession("demo", "app")

	if us.Note("missing") != "" {
		t.Error("missing note not empty")
	}
	us.SetNote("k", "v")
	cs.SetNote("k", "w")
	if us.Note("k") != "v" || cs.Note("k") != "w" {
		t.Error("notes not stored independently")
	}
}

func TestRemoveUserSessionCascades(t *testing.T) {
	store := NewStore()
	us := store.CreateUserSession("demo", "u1", "alice", "127.0.0.1")
	cs := store.CreateClientSession("demo", "app")
	store.Attach(us, cs)

	store.RemoveUserSession(us)

	if store.UserSession("demo", us.ID) != nil {
		t.Error("user session survived removal")
	}
	if store.ClientSession("demo", cs.ID) != nil {
		t.Error("client session survived removal")
	}
}
