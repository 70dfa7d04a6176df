package saml

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/chrisflatley/keycloak/internal/events"
	"github.com/chrisflatley/keycloak/internal/forms"
	"github.com/chrisflatley/keycloak/internal/realm"
	"github.com/chrisflatley/keycloak/internal/session"
)

// bindingProfile is the capability set that varies between the two
// transport bindings. Everything else about request handling is shared.
type bindingProfile struct {
	kind            BindingKind
	extractDocument func(encoded string) (*DocumentHolder, error)
	verifySignature func(c *call, doc *DocumentHolder, client *realm.Client) error
}

func postProfile() bindingProfile {
	return bindingProfile{
		kind:            BindingPost,
		extractDocument: DecodePost,
		verifySignature: verifyPostSignature,
	}
}

func redirectProfile() bindingProfile {
	return bindingProfile{
		kind:            BindingRedirect,
		extractDocument: DecodeRedirect,
		verifySignature: verifyRedirectSignature,
	}
}

// verifyPostSignature requires an enveloped document signature whenever
// the client registered a signing certificate or demands signatures
// through its attributes. A signature requirement without a resolvable
// certificate is a missing signature, not a pass.
func verifyPostSignature(c *call, doc *DocumentHolder, client *realm.Client) error {
	cert, err := client.SigningCertificate()
	if err != nil {
		return err
	}
	if cert == nil {
		if client.AttributeBool(realm.AttrClientSignature) {
			return ErrMissingSignature
		}
		return nil
	}
	return VerifyDocumentSignature(doc.Raw, cert)
}

// verifyRedirectSignature checks the detached query signature, but only
// for clients that opted in. Unlike the POST binding the redirect
// binding cannot carry an enveloped signature, so the default is off.
func verifyRedirectSignature(c *call, doc *DocumentHolder, client *realm.Client) error {
	if !client.AttributeBool(realm.AttrClientSignature) {
		return nil
	}
	cert, err := client.SigningCertificate()
	if err != nil {
		return err
	}
	if cert == nil {
		return ErrMissingSignature
	}
	return VerifyRedirectSignature(c.r.URL.RawQuery, publicKeyOf(cert))
}

// execute is the shared handling pipeline both bindings feed into.
func (s *Service) execute(c *call, profile bindingProfile, samlRequest, samlResponse string) {
	if !s.basicChecks(c, samlRequest, samlResponse) {
		return
	}
	if samlRequest != "" {
		s.handleRequest(c, profile, samlRequest)
		return
	}
	s.handleResponse(c, profile, samlResponse)
}

// basicChecks gates every call: TLS policy, realm state, and the
// presence of exactly one protocol message.
func (s *Service) basicChecks(c *call, samlRequest, samlResponse string) bool {
	if c.r.TLS == nil && c.r.Header.Get("X-Forwarded-Proto") != "https" &&
		c.realm.SSLRequired.IsRequired(c.r.RemoteAddr) {
		c.event.Event(events.TypeLogin).Error(ErrorSSLRequired)
		s.errorPage(c, http.StatusForbidden, forms.MessageHTTPSRequired)
		return false
	}
	if !c.realm.Enabled {
		c.event.Event(events.TypeLogin).Error(ErrorRealmDisabled)
		s.errorPage(c, http.StatusForbidden, forms.MessageRealmNotEnabled)
		return false
	}
	if samlRequest == "" && samlResponse == "" {
		c.event.Event(events.TypeLogin).Error(ErrorInvalidToken)
		s.errorPage(c, http.StatusBadRequest, forms.MessageInvalidRequest)
		return false
	}
	return true
}

// handleRequest decodes an inbound SAMLRequest, resolves and screens
// the issuing client, verifies signatures per the binding, and
// dispatches on the message type.
func (s *Service) handleRequest(c *call, profile bindingProfile, samlRequest string) {
	doc, err := profile.extractDocument(samlRequest)
	if err != nil {
		s.log.Debug("request decode failed", zap.String("realm", c.realm.Name), zap.Error(err))
		c.event.Event(events.TypeLogin).Error(ErrorInvalidToken)
		s.errorPage(c, http.StatusBadRequest, forms.MessageInvalidRequest)
		return
	}

	issuer := doc.Message.MessageIssuer()
	client, err := s.realms.ClientByClientID(c.r.Context(), c.realm.Name, issuer)
	if err != nil {
		if errors.Is(err, realm.ErrNotFound) {
			c.event.Event(events.TypeLogin).Client(issuer).Error(ErrorClientNotFound)
			s.errorPage(c, http.StatusBadRequest, forms.MessageUnknownLoginRequester)
			return
		}
		s.log.Error("client lookup failed", zap.String("realm", c.realm.Name), zap.Error(err))
		s.errorPage(c, http.StatusInternalServerError, forms.MessageIdentityProviderUnexpected)
		return
	}
	c.event.Client(client.ClientID)

	if !client.Enabled {
		c.event.Event(events.TypeLogin).Error(ErrorClientDisabled)
		s.errorPage(c, http.StatusBadRequest, forms.MessageLoginRequesterNotEnabled)
		return
	}
	if client.BearerOnly {
		c.event.Event(events.TypeLogin).Error(ErrorNotAllowed)
		s.errorPage(c, http.StatusBadRequest, forms.MessageBearerOnly)
		return
	}
	if client.DirectGrantsOnly {
		c.event.Event(events.TypeLogin).Error(ErrorNotAllowed)
		s.errorPage(c, http.StatusBadRequest, forms.MessageStandardFlowDisabled)
		return
	}

	if err := profile.verifySignature(c, doc, client); err != nil {
		s.log.Debug("request signature rejected",
			zap.String("realm", c.realm.Name),
			zap.String("client", client.ClientID),
			zap.Error(err))
		c.event.Event(events.TypeLogin).Error(ErrorInvalidSignature)
		s.errorPage(c, http.StatusBadRequest, forms.MessageInvalidRequester)
		return
	}

	switch message := doc.Message.(type) {
	case *AuthnRequest:
		c.event.Event(events.TypeLogin)
		s.loginRequest(c, profile, message, client)
	case *LogoutRequest:
		c.event.Event(events.TypeLogout)
		s.logoutRequest(c, profile, message, client)
	default:
		c.event.Event(events.TypeLogin).Error(ErrorInvalidToken)
		s.errorPage(c, http.StatusBadRequest, forms.MessageInvalidRequest)
	}
}

// handleResponse accepts exactly one inbound response type: a
// LogoutResponse for a logout this provider started.
func (s *Service) handleResponse(c *call, profile bindingProfile, samlResponse string) {
	c.event.Event(events.TypeLogout)

	doc, err := profile.extractDocument(samlResponse)
	if err != nil {
		s.log.Debug("response decode failed", zap.String("realm", c.realm.Name), zap.Error(err))
		c.event.Error(ErrorInvalidToken)
		s.errorPage(c, http.StatusBadRequest, forms.MessageInvalidRequest)
		return
	}
	response, ok := doc.Message.(*LogoutResponse)
	if !ok {
		c.event.Error(ErrorInvalidToken)
		s.errorPage(c, http.StatusBadRequest, forms.MessageInvalidRequest)
		return
	}

	if response.Destination != "" && response.Destination != c.endpoint {
		c.event.Detail(DetailReason, ReasonInvalidDestination).Error(ErrorInvalidLogoutResponse)
		s.errorPage(c, http.StatusBadRequest, forms.MessageInvalidRequest)
		return
	}

	us := s.auth.AuthenticateIdentityCookie(c.r, c.realm)
	if us == nil {
		c.event.Error(ErrorInvalidToken)
		s.errorPage(c, http.StatusBadRequest, forms.MessageSessionNotActive)
		return
	}
	c.event.Session(us.ID).User(us.UserID)

	// Unsolicited logout responses are rejected: only a session this
	// provider is actively logging out may be advanced by one.
	if us.State() != session.StateLoggingOut {
		c.event.Error(ErrorInvalidLogoutResponse)
		s.errorPage(c, http.StatusBadRequest, forms.MessageInvalidRequest)
		return
	}

	s.auth.BrowserLogout(c.w, c.r, c.realm, us)
	c.event.Success()
}
