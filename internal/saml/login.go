package saml

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chrisflatley/keycloak/internal/forms"
	"github.com/chrisflatley/keycloak/internal/realm"
	"github.com/chrisflatley/keycloak/internal/session"
	"github.com/chrisflatley/keycloak/internal/user"
)

// loginRequest handles an AuthnRequest that already passed client
// screening and signature checks.
func (s *Service) loginRequest(c *call, profile bindingProfile, request *AuthnRequest, client *realm.Client) {
	if request.Destination != "" && request.Destination != c.endpoint {
		c.event.Detail(DetailReason, ReasonInvalidDestination).Error(ErrorInvalidRequest)
		s.errorPage(c, http.StatusBadRequest, forms.MessageInvalidRequest)
		return
	}

	responseBinding := resolveResponseBinding(profile.kind, request, client)
	redirectURI := s.resolveLoginRedirect(request, client, responseBinding)
	if redirectURI == "" {
		c.event.Error(ErrorInvalidRedirectURI)
		s.errorPage(c, http.StatusBadRequest, forms.MessageInvalidRedirectURI)
		return
	}

	cs := s.sessions.CreateClientSession(c.realm.Name, client.ClientID)
	cs.AuthMethod = LoginProtocolName
	cs.RedirectURI = redirectURI
	cs.SetNote(NoteRequestID, request.ID)
	cs.SetNote(NoteBinding, string(responseBinding))
	if c.relayState != "" {
		cs.SetNote(NoteRelayState, c.relayState)
	}
	c.event.Detail(DetailRedirectURI, redirectURI)

	// A requested NameID format only matters when the client does not
	// pin its own. Unsupported formats are a hard error.
	if request.NameIDPolicy != nil && request.NameIDPolicy.Format != "" &&
		!client.AttributeBool(realm.AttrForceNameIDFormat) {
		format := request.NameIDPolicy.Format
		if !SupportedNameIDFormat(format) {
			c.event.Detail(DetailReason, ReasonUnsupportedNameIDFormat).Error(ErrorInvalidRequest)
			s.errorPage(c, http.StatusBadRequest, forms.MessageUnsupportedNameIDFormat)
			return
		}
		cs.SetNote(NoteNameIDFormat, format)
	}

	if s.auth.CheckNonFormAuthentication(c.w, c.r, c.realm, client, cs, request.IsPassive) {
		return
	}

	actionKey := uuid.New().String()
	cs.SetNote(NoteActionKey, actionKey)

	username := s.auth.RememberMeUsername(c.r, c.realm)
	s.forms.RenderLogin(c.w, forms.LoginPage{
		RealmName:  c.realm.Name,
		ClientName: clientDisplayName(client),
		ActionURL:  RealmBaseURL(s.baseURL, c.realm.Name) + "/login-actions/authenticate?code=" + cs.ID + "." + actionKey,
		Username:   username,
		RememberMe: username != "",
	}, s.auth.ChallengeHeader(c.r, c.realm))
}

func clientDisplayName(client *realm.Client) string {
	if client.Name != "" {
		return client.Name
	}
	return client.ClientID
}

// resolveResponseBinding picks the binding the response will use: the
// request's ProtocolBinding wins, then the client's force-POST flag,
// then the binding the request arrived on.
func resolveResponseBinding(arrived BindingKind, request *AuthnRequest, client *realm.Client) BindingKind {
	if client.AttributeBool(realm.AttrForcePostBinding) {
		return BindingPost
	}
	switch request.ProtocolBinding {
	case BindingURIHTTPPost:
		return BindingPost
	case BindingURIHTTPRedirect:
		return BindingRedirect
	}
	return arrived
}

// resolveLoginRedirect picks and validates the assertion consumer URL.
// An explicit URL in the request must match the client's registered
// redirect URIs; otherwise the client's per-binding registration or its
// management URL is used.
func (s *Service) resolveLoginRedirect(request *AuthnRequest, client *realm.Client, binding BindingKind) string {
	acs := request.AssertionConsumerServiceURL
	if acs != "" && acs != UnsetACSURL {
		return ValidateRedirectURI(acs, client)
	}

	attr := realm.AttrACSPost
	if binding == BindingRedirect {
		attr = realm.AttrACSRedirect
	}
	if registered := client.Attribute(attr); registered != "" {
		return registered
	}
	return client.ManagementURL
}

// AuthenticatedResponse issues the signed login response once the user
// has authenticated, delivering it over the binding captured at
// request time.
func (s *Service) AuthenticatedResponse(w http.ResponseWriter, r *http.Request, rlm *realm.Realm, client *realm.Client, cs *session.ClientSession, us *session.UserSession, account *user.User) error {
	binding := BindingKind(cs.Note(NoteBinding))
	if binding == "" {
		binding = BindingPost
	}
	issuer := RealmBaseURL(s.baseURL, rlm.Name)
	inResponseTo := cs.Note(NoteRequestID)

	nameIDFormat, nameID := nameIDFor(cs, client, account)

	response := NewResponse(issuer, cs.RedirectURI, inResponseTo, true)
	attributes := map[string][]string{
		"email": {account.Email},
		"name":  {account.Name},
	}
	for k, v := range account.Attributes {
		attributes[k] = v
	}
	response.Assertions = []*Assertion{
		NewAssertion(issuer, client.ClientID, cs.RedirectURI, inResponseTo, nameID, nameIDFormat, cs.ID, attributes),
	}

	var signer *Signer
	if client.AttributeBool(realm.AttrServerSignature) {
		var err error
		signer, err = s.signerFor(rlm, client)
		if err != nil {
			return err
		}
	}

	s.log.Info("issuing login response",
		zap.String("realm", rlm.Name),
		zap.String("client", client.ClientID),
		zap.String("binding", string(binding)))

	return Deliver(w, r, binding, cs.RedirectURI, cs.Note(NoteRelayState), response, signer)
}

// PassiveNotAllowed answers a passive AuthnRequest that would need
// user interaction with a NoPassive status response.
func (s *Service) PassiveNotAllowed(w http.ResponseWriter, r *http.Request, rlm *realm.Realm, client *realm.Client, cs *session.ClientSession) error {
	binding := BindingKind(cs.Note(NoteBinding))
	if binding == "" {
		binding = BindingPost
	}
	response := NewResponse(RealmBaseURL(s.baseURL, rlm.Name), cs.RedirectURI, cs.Note(NoteRequestID), false)
	response.Status.StatusCode.StatusCode = &StatusCode{Value: StatusNoPassive}
	return Deliver(w, r, binding, cs.RedirectURI, cs.Note(NoteRelayState), response, nil)
}

// nameIDFor resolves the NameID format precedence: the client's forced
// format, then the request's stored policy, then unspecified.
func nameIDFor(cs *session.ClientSession, client *realm.Client, account *user.User) (format, value string) {
	format = NameIDFormatUnspecified
	if client.AttributeBool(realm.AttrForceNameIDFormat) {
		if forced := client.Attribute(realm.AttrNameIDFormat); forced != "" {
			format = mappedNameIDFormat(forced)
		}
	} else if noted := cs.Note(NoteNameIDFormat); noted != "" {
		format = noted
	}

	switch format {
	case NameIDFormatEmail:
		return format, account.Email
	case NameIDFormatTransient:
		return format, GenerateID()
	case NameIDFormatPersistent:
		return format, account.ID
	default:
		return format, account.Username
	}
}

// mappedNameIDFormat translates the short attribute values ("email",
// "transient", ...) to format URIs.
func mappedNameIDFormat(short string) string {
	switch short {
	case "email":
		return NameIDFormatEmail
	case "transient":
		return NameIDFormatTransient
	case "persistent":
		return NameIDFormatPersistent
	default:
		return NameIDFormatUnspecified
	}
}

func (s *Service) signerFor(rlm *realm.Realm, client *realm.Client) (*Signer, error) {
	keys, err := rlm.Keys()
	if err != nil {
		return nil, err
	}
	alg := SigAlgRSASHA256
	if client != nil {
		switch client.Attribute(realm.AttrSignatureAlg) {
		case "RSA_SHA1":
			alg = SigAlgRSASHA1
		case "RSA_SHA512":
			alg = SigAlgRSASHA512
		}
	}
	return &Signer{
		Key:         keys.PrivateKey(),
		Certificate: keys.Certificate(),
		Algorithm:   alg,
	}, nil
}
