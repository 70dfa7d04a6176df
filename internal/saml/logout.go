package saml

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/chrisflatley/keycloak/internal/forms"
	"github.com/chrisflatley/keycloak/internal/realm"
	"github.com/chrisflatley/keycloak/internal/session"
)

// backchannelTimeout bounds each server-to-server logout call.
const backchannelTimeout = 10 * time.Second

// logoutRequest handles an inbound LogoutRequest after client
// screening and signature checks.
func (s *Service) logoutRequest(c *call, profile bindingProfile, request *LogoutRequest, client *realm.Client) {
	if request.Destination != "" && request.Destination != c.endpoint {
		c.event.Detail(DetailReason, ReasonInvalidDestination).Error(ErrorInvalidLogoutRequest)
		s.errorPage(c, http.StatusBadRequest, forms.MessageInvalidRequest)
		return
	}

	logoutBinding := logoutResponseBinding(profile.kind, client)
	bindingURI := logoutServiceURL(client, logoutBinding)

	// Browser path: an identity cookie means the user is here, so walk
	// every client session through front-channel logout.
	if us := s.auth.AuthenticateIdentityCookie(c.r, c.realm); us != nil {
		c.event.Session(us.ID).User(us.UserID)

		us.SetNote(NoteLogoutRequestID, request.ID)
		us.SetNote(NoteLogoutBinding, string(logoutBinding))
		us.SetNote(NoteLogoutBindingURI, bindingURI)
		us.SetNote(NoteLogoutInitiator, client.ClientID)
		if c.relayState != "" {
			us.SetNote(NoteLogoutRelayState, c.relayState)
		}
		if client.AttributeBool(realm.AttrServerSignature) {
			us.SetNote(NoteLogoutSignature, client.Attribute(realm.AttrSignatureAlg))
		}

		// The initiating client is already logging itself out; it must
		// not get its own front-channel request.
		for _, cs := range s.sessions.ClientSessionsOf(us) {
			if cs.ClientID == client.ClientID {
				cs.SetAction(session.ActionLoggedOut)
			}
		}

		s.auth.BrowserLogout(c.w, c.r, c.realm, us)
		c.event.Success()
		return
	}

	// Back-channel path: no cookie, but the request names sessions.
	// Each index is logged out independently; one bad index must not
	// abort the rest.
	for _, index := range request.SessionIndex {
		cs := s.sessions.ClientSession(c.realm.Name, index)
		if cs == nil {
			continue
		}
		if cs.ClientID == client.ClientID {
			cs.SetAction(session.ActionLoggedOut)
		}
		us := s.sessions.UserSessionOf(cs)
		if us == nil {
			continue
		}
		c.event.Session(us.ID).User(us.UserID)
		if err := s.auth.BackchannelLogout(c.realm, us, true); err != nil {
			s.log.Warn("backchannel logout failed",
				zap.String("realm", c.realm.Name),
				zap.String("session", us.ID),
				zap.Error(err))
		}
	}

	// Default path: answer the requester with a LogoutResponse no
	// matter what the indexes resolved to.
	response := NewLogoutResponse(RealmBaseURL(s.baseURL, c.realm.Name), bindingURI, request.ID, true)

	var signer *Signer
	if client.AttributeBool(realm.AttrServerSignature) {
		var err error
		signer, err = s.signerFor(c.realm, client)
		if err != nil {
			s.log.Error("logout response signer", zap.String("realm", c.realm.Name), zap.Error(err))
			c.event.Error(ErrorLogoutFailed)
			s.errorPage(c, http.StatusInternalServerError, forms.MessageFailedLogout)
			return
		}
	}

	if err := Deliver(c.w, c.r, logoutBinding, bindingURI, c.relayState, response, signer); err != nil {
		s.log.Error("deliver logout response", zap.String("realm", c.realm.Name), zap.Error(err))
		c.event.Error(ErrorLogoutFailed)
		s.errorPage(c, http.StatusInternalServerError, forms.MessageFailedLogout)
		return
	}
	c.event.Success()
}

// logoutResponseBinding picks the binding for the logout response:
// force-POST wins, otherwise answer on the binding the request used.
func logoutResponseBinding(arrived BindingKind, client *realm.Client) BindingKind {
	if client.AttributeBool(realm.AttrForcePostBinding) {
		return BindingPost
	}
	return arrived
}

// logoutServiceURL resolves where a client receives logout messages for
// a binding, falling back to the management URL.
func logoutServiceURL(client *realm.Client, binding BindingKind) string {
	attr := realm.AttrLogoutPost
	if binding == BindingRedirect {
		attr = realm.AttrLogoutRedirect
	}
	if uri := client.Attribute(attr); uri != "" {
		return uri
	}
	return client.ManagementURL
}

// FrontchannelLogout sends a LogoutRequest to one client session
// through the user's browser.
func (s *Service) FrontchannelLogout(w http.ResponseWriter, r *http.Request, rlm *realm.Realm, us *session.UserSession, cs *session.ClientSession, client *realm.Client) error {
	binding := BindingPost
	if !client.AttributeBool(realm.AttrForcePostBinding) && client.Attribute(realm.AttrLogoutRedirect) != "" && client.Attribute(realm.AttrLogoutPost) == "" {
		binding = BindingRedirect
	}
	destination := logoutServiceURL(client, binding)
	if destination == "" {
		return fmt.Errorf("client %s has no logout endpoint", client.ClientID)
	}

	request := NewLogoutRequest(RealmBaseURL(s.baseURL, rlm.Name), destination, us.Username, NameIDFormatUnspecified, []string{cs.ID})

	var signer *Signer
	if client.AttributeBool(realm.AttrServerSignature) {
		var err error
		signer, err = s.signerFor(rlm, client)
		if err != nil {
			return err
		}
	}

	s.log.Info("frontchannel logout",
		zap.String("realm", rlm.Name),
		zap.String("client", client.ClientID),
		zap.String("session", us.ID))

	return Deliver(w, r, binding, destination, "", request, signer)
}

// FinishBrowserLogout sends the final LogoutResponse to the client that
// initiated logout, using the notes captured when its request arrived.
// When no initiator is recorded (an admin or direct logout), the
// browser is sent back to the realm page.
func (s *Service) FinishBrowserLogout(w http.ResponseWriter, r *http.Request, rlm *realm.Realm, us *session.UserSession) error {
	bindingURI := us.Note(NoteLogoutBindingURI)
	if bindingURI == "" {
		http.Redirect(w, r, RealmBaseURL(s.baseURL, rlm.Name), http.StatusFound)
		return nil
	}

	binding := BindingKind(us.Note(NoteLogoutBinding))
	if binding == "" {
		binding = BindingPost
	}
	response := NewLogoutResponse(RealmBaseURL(s.baseURL, rlm.Name), bindingURI, us.Note(NoteLogoutRequestID), true)

	var signer *Signer
	if alg := us.Note(NoteLogoutSignature); alg != "" || us.Note(NoteLogoutInitiator) != "" {
		initiator, err := s.realms.ClientByClientID(r.Context(), rlm.Name, us.Note(NoteLogoutInitiator))
		if err == nil && initiator.AttributeBool(realm.AttrServerSignature) {
			signer, err = s.signerFor(rlm, initiator)
			if err != nil {
				return err
			}
		}
	}

	return Deliver(w, r, binding, bindingURI, us.Note(NoteLogoutRelayState), response, signer)
}

// BackchannelLogoutRequest pushes a LogoutRequest directly to a
// client's logout endpoint, bypassing the browser.
func (s *Service) BackchannelLogoutRequest(ctx context.Context, rlm *realm.Realm, client *realm.Client, cs *session.ClientSession, us *session.UserSession) error {
	destination := logoutServiceURL(client, BindingPost)
	if destination == "" {
		return fmt.Errorf("client %s has no logout endpoint", client.ClientID)
	}

	request := NewLogoutRequest(RealmBaseURL(s.baseURL, rlm.Name), destination, us.Username, NameIDFormatUnspecified, []string{cs.ID})

	var signer *Signer
	if client.AttributeBool(realm.AttrServerSignature) {
		var err error
		signer, err = s.signerFor(rlm, client)
		if err != nil {
			return err
		}
	}

	form, err := buildPostValues(request, signer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, backchannelTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return fmt.Errorf("build backchannel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("backchannel logout %s: %w", client.ClientID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("backchannel logout %s: status %d", client.ClientID, resp.StatusCode)
	}
	return nil
}

func buildPostValues(message any, signer *Signer) (url.Values, error) {
	raw, err := MarshalDocument(message)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		raw, err = signer.SignDocument(raw)
		if err != nil {
			return nil, err
		}
	}
	values := url.Values{}
	values.Set(paramName(message), EncodePostRaw(raw))
	return values, nil
}
