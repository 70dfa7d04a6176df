package saml

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chrisflatley/keycloak/internal/events"
	"github.com/chrisflatley/keycloak/internal/forms"
	"github.com/chrisflatley/keycloak/internal/realm"
	"github.com/chrisflatley/keycloak/internal/session"
)

// LoginProtocolName is the auth method stamped on client sessions
// created by this protocol.
const LoginProtocolName = "saml"

// Notes stored on client sessions between the protocol endpoint and
// the login form round-trip.
const (
	NoteRequestID    = "SAML_REQUEST_ID"
	NoteBinding      = "SAML_BINDING"
	NoteRelayState   = "RELAY_STATE"
	NoteNameIDFormat = "SAML_NAME_ID_FORMAT"
	NoteActionKey    = "ACTION_KEY"
)

// Notes stored on user sessions while a logout is in flight.
const (
	NoteLogoutRequestID  = "SAML_LOGOUT_REQUEST_ID"
	NoteLogoutBinding    = "SAML_LOGOUT_BINDING"
	NoteLogoutBindingURI = "SAML_LOGOUT_BINDING_URI"
	NoteLogoutRelayState = "SAML_LOGOUT_RELAY_STATE"
	NoteLogoutSignature  = "SAML_LOGOUT_SIGNATURE_ALG"
	NoteLogoutInitiator  = "SAML_LOGOUT_INITIATING_CLIENT"
)

// Authenticator is the session-layer collaborator: identity cookie
// checks, non-interactive authentication, and logout fan-out.
type Authenticator interface {
	// AuthenticateIdentityCookie resolves the SSO session behind the
	// request's identity cookie, nil when there is none.
	AuthenticateIdentityCookie(r *http.Request, rlm *realm.Realm) *session.UserSession

	// CheckNonFormAuthentication tries to finish login without showing
	// the form (existing SSO session, passive requests). It reports
	// whether it wrote a response.
	CheckNonFormAuthentication(w http.ResponseWriter, r *http.Request, rlm *realm.Realm, client *realm.Client, cs *session.ClientSession, isPassive bool) bool

	// BrowserLogout walks the user session's client sessions through
	// front-channel logout and finishes with the stored logout notes.
	BrowserLogout(w http.ResponseWriter, r *http.Request, rlm *realm.Realm, us *session.UserSession)

	// BackchannelLogout logs the session out by calling each client
	// directly, without a browser.
	BackchannelLogout(rlm *realm.Realm, us *session.UserSession, initiatedByClient bool) error

	// RememberMeUsername returns the username stored by a previous
	// remember-me login, "" when absent.
	RememberMeUsername(r *http.Request, rlm *realm.Realm) string

	// ChallengeHeader returns the WWW-Authenticate challenge to attach
	// to the login form, "" when negotiation is disabled.
	ChallengeHeader(r *http.Request, rlm *realm.Realm) string
}

// Config carries the service wiring.
type Config struct {
	BaseURL  string
	Realms   *realm.Store
	Sessions *session.Store
	Forms    *forms.Renderer
	Events   *events.Recorder
	Logger   *zap.Logger
}

// Service is the SAML 2.0 Web Browser SSO endpoint of a realm.
type Service struct {
	baseURL  string
	realms   *realm.Store
	sessions *session.Store
	forms    *forms.Renderer
	events   *events.Recorder
	log      *zap.Logger
	auth     Authenticator
}

func NewService(cfg Config) *Service {
	return &Service{
		baseURL:  cfg.BaseURL,
		realms:   cfg.Realms,
		sessions: cfg.Sessions,
		forms:    cfg.Forms,
		events:   cfg.Events,
		log:      cfg.Logger,
	}
}

// SetAuthenticator wires the session layer in. Done after construction
// because the authenticator needs the service as its login protocol.
func (s *Service) SetAuthenticator(a Authenticator) {
	s.auth = a
}

func (s *Service) ID() string { return LoginProtocolName }

// RegisterRoutes mounts the protocol endpoints under /realms.
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Get("/{realm}/protocol/saml", s.handleRedirectBinding)
	r.Post("/{realm}/protocol/saml", s.handlePostBinding)
	r.Get("/{realm}/protocol/saml/descriptor", s.handleDescriptor)
}

// call carries the per-request state every handler needs.
type call struct {
	w          http.ResponseWriter
	r          *http.Request
	realm      *realm.Realm
	event      *events.Builder
	relayState string
	endpoint   string
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RealmBaseURL is the issuer value for everything a realm signs.
func RealmBaseURL(baseURL, realmName string) string {
	return baseURL + "/realms/" + realmName
}

func (s *Service) newCall(w http.ResponseWriter, r *http.Request, relayState string) (*call, bool) {
	realmName := chi.URLParam(r, "realm")
	event := s.events.Builder(realmName, clientIP(r))

	rlm, err := s.realms.Realm(r.Context(), realmName)
	if err != nil {
		event.Event(events.TypeLogin).Error(ErrorRealmDisabled)
		s.forms.RenderError(w, http.StatusNotFound, forms.ErrorPage{RealmName: realmName, Message: forms.MessageRealmNotEnabled})
		return nil, false
	}

	return &call{
		w:          w,
		r:          r,
		realm:      rlm,
		event:      event,
		relayState: relayState,
		endpoint:   RealmBaseURL(s.baseURL, rlm.Name) + "/protocol/saml",
	}, true
}

func (s *Service) errorPage(c *call, status int, message string) {
	s.forms.RenderError(c.w, status, forms.ErrorPage{RealmName: c.realm.Name, Message: message})
}

func (s *Service) handleRedirectBinding(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	c, ok := s.newCall(w, r, query.Get("RelayState"))
	if !ok {
		return
	}
	s.execute(c, redirectProfile(), query.Get("SAMLRequest"), query.Get("SAMLResponse"))
}

func (s *Service) handlePostBinding(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	c, ok := s.newCall(w, r, r.PostFormValue("RelayState"))
	if !ok {
		return
	}
	s.execute(c, postProfile(), r.PostFormValue("SAMLRequest"), r.PostFormValue("SAMLResponse"))
}
