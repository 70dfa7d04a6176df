package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chrisflatley/keycloak/internal/events"
	"github.com/chrisflatley/keycloak/internal/forms"
	"github.com/chrisflatley/keycloak/internal/session"
)

func (m *Manager) ID() string { return "login-actions" }

// RegisterRoutes mounts the login form handler under /realms.
func (m *Manager) RegisterRoutes(r chi.Router) {
	r.Get("/{realm}/login-actions/authenticate", m.handleLoginPage)
	r.Post("/{realm}/login-actions/authenticate", m.handleLoginSubmit)
}

// handleLoginPage re-renders the login form for a pending session, for
// example after the browser navigates back to the form URL.
func (m *Manager) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	realmName := chi.URLParam(r, "realm")

	rlm, err := m.realms.Realm(r.Context(), realmName)
	if err != nil || !rlm.Enabled {
		m.forms.RenderError(w, http.StatusNotFound, forms.ErrorPage{RealmName: realmName, Message: forms.MessageRealmNotEnabled})
		return
	}

	code := r.URL.Query().Get("code")
	cs := m.clientSessionFromCode(rlm.Name, code)
	if cs == nil || cs.Action() != session.ActionAuthenticate {
		m.forms.RenderError(w, http.StatusBadRequest, forms.ErrorPage{RealmName: realmName, Message: forms.MessageExpiredActionCode})
		return
	}

	client, err := m.realms.ClientByClientID(r.Context(), rlm.Name, cs.ClientID)
	if err != nil {
		m.forms.RenderError(w, http.StatusBadRequest, forms.ErrorPage{RealmName: realmName, Message: forms.MessageUnknownLoginRequester})
		return
	}

	username := m.RememberMeUsername(r, rlm)
	m.forms.RenderLogin(w, forms.LoginPage{
		RealmName:  rlm.Name,
		ClientName: clientDisplayName(client.Name, client.ClientID),
		ActionURL:  m.issuer(rlm) + "/login-actions/authenticate?code=" + code,
		Username:   username,
		RememberMe: username != "",
	}, "")
}

// handleLoginSubmit consumes the hosted login form: it resolves the
// pending client session from the action code, checks credentials, and
// on success mints the SSO session and hands back to the protocol.
func (m *Manager) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	realmName := chi.URLParam(r, "realm")
	event := m.events.Builder(realmName, clientIP(r)).Event(events.TypeLogin)

	rlm, err := m.realms.Realm(r.Context(), realmName)
	if err != nil || !rlm.Enabled {
		event.Error("realm_disabled")
		m.forms.RenderError(w, http.StatusNotFound, forms.ErrorPage{RealmName: realmName, Message: forms.MessageRealmNotEnabled})
		return
	}
	if err := r.ParseForm(); err != nil {
		event.Error("invalid_request")
		m.forms.RenderError(w, http.StatusBadRequest, forms.ErrorPage{RealmName: realmName, Message: forms.MessageInvalidRequest})
		return
	}

	cs := m.clientSessionFromCode(rlm.Name, r.PostFormValue("code"))
	if cs == nil || cs.Action() != session.ActionAuthenticate {
		event.Error("expired_code")
		m.forms.RenderError(w, http.StatusBadRequest, forms.ErrorPage{RealmName: realmName, Message: forms.MessageExpiredActionCode})
		return
	}
	event.Client(cs.ClientID)

	client, err := m.realms.ClientByClientID(r.Context(), rlm.Name, cs.ClientID)
	if err != nil {
		event.Error("client_not_found")
		m.forms.RenderError(w, http.StatusBadRequest, forms.ErrorPage{RealmName: realmName, Message: forms.MessageUnknownLoginRequester})
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	rememberMe := r.PostFormValue("rememberMe") == "on"

	account, err := m.users.ValidateCredentials(rlm.Name, username, password)
	if err != nil {
		event.Detail("username", username).Error("invalid_user_credentials")
		m.forms.RenderLogin(w, forms.LoginPage{
			RealmName:  rlm.Name,
			ClientName: clientDisplayName(client.Name, client.ClientID),
			ActionURL:  m.issuer(rlm) + "/login-actions/authenticate?code=" + r.PostFormValue("code"),
			Username:   username,
			RememberMe: rememberMe,
			Error:      forms.MessageText(forms.MessageInvalidUserCredentials),
		}, "")
		return
	}

	us := m.sessions.CreateUserSession(rlm.Name, account.ID, account.Username, clientIP(r))
	m.sessions.Attach(us, cs)

	token, err := EncodeIdentityToken(rlm, m.issuer(rlm), account.ID, us.ID)
	if err != nil {
		m.log.Error("identity token", zap.String("realm", rlm.Name), zap.Error(err))
		event.Error("internal_error")
		m.forms.RenderError(w, http.StatusInternalServerError, forms.ErrorPage{RealmName: realmName, Message: forms.MessageIdentityProviderUnexpected})
		return
	}
	m.setIdentityCookie(w, rlm, token)
	if rememberMe {
		m.setRememberMeCookie(w, rlm, account.Username)
	} else {
		m.expireCookie(w, rlm, RememberMeCookieName)
	}

	event.User(account.ID).
		Session(us.ID).
		Detail("username", account.Username).
		Detail("auth_method", "form").
		Detail("remember_me", boolString(rememberMe)).
		Success()

	if err := m.protocol.AuthenticatedResponse(w, r, rlm, client, cs, us, account); err != nil {
		m.log.Error("authenticated response failed", zap.String("realm", rlm.Name), zap.Error(err))
		m.forms.RenderError(w, http.StatusInternalServerError, forms.ErrorPage{RealmName: realmName, Message: forms.MessageIdentityProviderUnexpected})
	}
}

// clientSessionFromCode parses "<sessionID>.<actionKey>" and checks the
// key against the session's stored note.
func (m *Manager) clientSessionFromCode(realmName, code string) *session.ClientSession {
	sessionID, actionKey, ok := strings.Cut(code, ".")
	if !ok || actionKey == "" {
		return nil
	}
	cs := m.sessions.ClientSession(realmName, sessionID)
	if cs == nil {
		return nil
	}
	stored := cs.Note(actionKeyNote)
	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(actionKey)) != 1 {
		return nil
	}
	return cs
}

// actionKeyNote mirrors the note the protocol layer stamps on pending
// client sessions.
const actionKeyNote = "ACTION_KEY"

func clientDisplayName(name, clientID string) string {
	if name != "" {
		return name
	}
	return clientID
}
