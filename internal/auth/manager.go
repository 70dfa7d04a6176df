package auth

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chrisflatley/keycloak/internal/events"
	"github.com/chrisflatley/keycloak/internal/forms"
	"github.com/chrisflatley/keycloak/internal/realm"
	"github.com/chrisflatley/keycloak/internal/session"
	"github.com/chrisflatley/keycloak/internal/user"
)

// LoginProtocol is the protocol-layer collaborator. The SAML service
// implements it; the manager stays protocol-agnostic.
type LoginProtocol interface {
	// AuthenticatedResponse sends the protocol's login response for a
	// freshly authenticated client session.
	AuthenticatedResponse(w http.ResponseWriter, r *http.Request, rlm *realm.Realm, client *realm.Client, cs *session.ClientSession, us *session.UserSession, account *user.User) error

	// PassiveNotAllowed answers a passive login request that cannot be
	// satisfied without user interaction.
	PassiveNotAllowed(w http.ResponseWriter, r *http.Request, rlm *realm.Realm, client *realm.Client, cs *session.ClientSession) error

	// FrontchannelLogout sends a logout request to one client session
	// through the user's browser.
	FrontchannelLogout(w http.ResponseWriter, r *http.Request, rlm *realm.Realm, us *session.UserSession, cs *session.ClientSession, client *realm.Client) error

	// FinishBrowserLogout closes the browser logout round-trip.
	FinishBrowserLogout(w http.ResponseWriter, r *http.Request, rlm *realm.Realm, us *session.UserSession) error

	// BackchannelLogoutRequest logs one client session out with a
	// direct server-to-server call.
	BackchannelLogoutRequest(ctx context.Context, rlm *realm.Realm, client *realm.Client, cs *session.ClientSession, us *session.UserSession) error
}

// Config carries the manager wiring.
type Config struct {
	BaseURL   string
	Realms    *realm.Store
	Sessions  *session.Store
	Users     *user.Store
	Forms     *forms.Renderer
	Events    *events.Recorder
	Logger    *zap.Logger
	Negotiate bool
}

// Manager owns browser authentication state: identity cookies, the
// hosted login form, and logout fan-out across client sessions.
type Manager struct {
	baseURL   string
	realms    *realm.Store
	sessions  *session.Store
	users     *user.Store
	forms     *forms.Renderer
	events    *events.Recorder
	log       *zap.Logger
	negotiate bool
	protocol  LoginProtocol
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		baseURL:   cfg.BaseURL,
		realms:    cfg.Realms,
		sessions:  cfg.Sessions,
		users:     cfg.Users,
		forms:     cfg.Forms,
		events:    cfg.Events,
		log:       cfg.Logger,
		negotiate: cfg.Negotiate,
	}
}

// SetProtocol wires the login protocol in after construction; the
// protocol service needs the manager first.
func (m *Manager) SetProtocol(p LoginProtocol) {
	m.protocol = p
}

func (m *Manager) issuer(rlm *realm.Realm) string {
	return m.baseURL + "/realms/" + rlm.Name
}

func (m *Manager) cookiePath(rlm *realm.Realm) string {
	return "/realms/" + rlm.Name
}

// AuthenticateIdentityCookie resolves the SSO session behind the
// request's identity cookie, nil when the cookie is absent, invalid,
// or points at a session that no longer exists.
func (m *Manager) AuthenticateIdentityCookie(r *http.Request, rlm *realm.Realm) *session.UserSession {
	cookie, err := r.Cookie(IdentityCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	claims, err := DecodeIdentityToken(rlm, m.issuer(rlm), cookie.Value)
	if err != nil {
		m.log.Debug("identity cookie rejected", zap.String("realm", rlm.Name), zap.Error(err))
		return nil
	}
	return m.sessions.UserSession(rlm.Name, claims.SessionID)
}

// CheckNonFormAuthentication finishes login without the form when the
// browser already holds a live SSO session. Passive requests that
// cannot be satisfied are answered with a protocol error instead of a
// form. Reports whether a response was written.
func (m *Manager) CheckNonFormAuthentication(w http.ResponseWriter, r *http.Request, rlm *realm.Realm, client *realm.Client, cs *session.ClientSession, isPassive bool) bool {
	us := m.AuthenticateIdentityCookie(r, rlm)
	if us != nil && us.State() == session.StateLoggedIn {
		account := m.users.ByID(rlm.Name, us.UserID)
		if account != nil {
			m.sessions.Attach(us, cs)
			m.events.Builder(rlm.Name, clientIP(r)).
				Event(events.TypeLogin).
				Client(client.ClientID).
				User(us.UserID).
				Session(us.ID).
				Detail("auth_method", "sso").
				Success()
			if err := m.protocol.AuthenticatedResponse(w, r, rlm, client, cs, us, account); err != nil {
				m.log.Error("authenticated response failed", zap.String("realm", rlm.Name), zap.Error(err))
				m.forms.RenderError(w, http.StatusInternalServerError, forms.ErrorPage{RealmName: rlm.Name, Message: forms.MessageIdentityProviderUnexpected})
			}
			return true
		}
	}

	if isPassive {
		if err := m.protocol.PassiveNotAllowed(w, r, rlm, client, cs); err != nil {
			m.log.Error("passive response failed", zap.String("realm", rlm.Name), zap.Error(err))
			m.forms.RenderError(w, http.StatusInternalServerError, forms.ErrorPage{RealmName: rlm.Name, Message: forms.MessageIdentityProviderUnexpected})
		}
		return true
	}
	return false
}

// RememberMeUsername returns the username a previous remember-me login
// stored for this realm.
func (m *Manager) RememberMeUsername(r *http.Request, rlm *realm.Realm) string {
	cookie, err := r.Cookie(RememberMeCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// ChallengeHeader returns the SPNEGO challenge attached to login forms
// when negotiation is enabled.
func (m *Manager) ChallengeHeader(r *http.Request, rlm *realm.Realm) string {
	if !m.negotiate {
		return ""
	}
	return "Negotiate"
}

// BrowserLogout advances a browser logout: each client session that can
// take a front-channel logout gets one round-trip through the browser,
// back-channel-only clients are called directly, and once every client
// session is done the initiating client gets its final response.
func (m *Manager) BrowserLogout(w http.ResponseWriter, r *http.Request, rlm *realm.Realm, us *session.UserSession) {
	us.SetState(session.StateLoggingOut)

	for _, cs := range m.sessions.ClientSessionsOf(us) {
		if cs.Action() == session.ActionLoggedOut {
			continue
		}
		client, err := m.realms.ClientByClientID(r.Context(), rlm.Name, cs.ClientID)
		if err != nil {
			cs.SetAction(session.ActionLoggedOut)
			continue
		}

		if clientTakesFrontchannel(client) {
			// Marked before the redirect: the logout response re-enters
			// BrowserLogout and must move on to the next session.
			cs.SetAction(session.ActionLoggedOut)
			if err := m.protocol.FrontchannelLogout(w, r, rlm, us, cs, client); err != nil {
				m.log.Warn("frontchannel logout failed",
					zap.String("realm", rlm.Name),
					zap.String("client", client.ClientID),
					zap.Error(err))
				continue
			}
			return
		}

		if err := m.protocol.BackchannelLogoutRequest(r.Context(), rlm, client, cs, us); err != nil {
			m.log.Warn("backchannel logout failed",
				zap.String("realm", rlm.Name),
				zap.String("client", client.ClientID),
				zap.Error(err))
		}
		cs.SetAction(session.ActionLoggedOut)
	}

	m.expireCookie(w, rlm, IdentityCookieName)
	if err := m.protocol.FinishBrowserLogout(w, r, rlm, us); err != nil {
		m.log.Error("finish browser logout failed", zap.String("realm", rlm.Name), zap.Error(err))
		m.forms.RenderError(w, http.StatusInternalServerError, forms.ErrorPage{RealmName: rlm.Name, Message: forms.MessageFailedLogout})
	}
	m.sessions.RemoveUserSession(us)
}

// BackchannelLogout logs a session out entirely server-side. Client
// failures are logged and skipped so one dead client cannot pin the
// session alive.
func (m *Manager) BackchannelLogout(rlm *realm.Realm, us *session.UserSession, initiatedByClient bool) error {
	us.SetState(session.StateLoggingOut)

	ctx := context.Background()
	for _, cs := range m.sessions.ClientSessionsOf(us) {
		if cs.Action() == session.ActionLoggedOut {
			continue
		}
		client, err := m.realms.ClientByClientID(ctx, rlm.Name, cs.ClientID)
		if err != nil {
			cs.SetAction(session.ActionLoggedOut)
			continue
		}
		if err := m.protocol.BackchannelLogoutRequest(ctx, rlm, client, cs, us); err != nil {
			m.log.Warn("backchannel logout failed",
				zap.String("realm", rlm.Name),
				zap.String("client", client.ClientID),
				zap.Error(err))
		}
		cs.SetAction(session.ActionLoggedOut)
	}

	m.events.Builder(rlm.Name, us.IPAddress).
		Event(events.TypeLogout).
		User(us.UserID).
		Session(us.ID).
		Detail("initiated_by_client", boolString(initiatedByClient)).
		Success()

	m.sessions.RemoveUserSession(us)
	return nil
}

// clientTakesFrontchannel reports whether a client registered a
// browser-facing logout endpoint.
func clientTakesFrontchannel(client *realm.Client) bool {
	return client.Attribute(realm.AttrLogoutPost) != "" || client.Attribute(realm.AttrLogoutRedirect) != ""
}

func (m *Manager) setIdentityCookie(w http.ResponseWriter, rlm *realm.Realm, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     IdentityCookieName,
		Value:    token,
		Path:     m.cookiePath(rlm),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) setRememberMeCookie(w http.ResponseWriter, rlm *realm.Realm, username string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RememberMeCookieName,
		Value:    username,
		Path:     m.cookiePath(rlm),
		Expires:  time.Now().Add(30 * 24 * time.Hour),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) expireCookie(w http.ResponseWriter, rlm *realm.Realm, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     m.cookiePath(rlm),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
