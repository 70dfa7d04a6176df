package saml

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chrisflatley/keycloak/internal/crypto"
	"github.com/chrisflatley/keycloak/internal/events"
	"github.com/chrisflatley/keycloak/internal/forms"
	"github.com/chrisflatley/keycloak/internal/realm"
	"github.com/chrisflatley/keycloak/internal/session"
)

var (
	keysOnce       sync.Once
	realmTestKeys  *crypto.KeySet
	clientTestKeys *crypto.KeySet
)

func testKeys(t *testing.T) (*crypto.KeySet, *crypto.KeySet) {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		if realmTestKeys, err = crypto.NewKeySet("realm"); err != nil {
			t.Fatalf("NewKeySet() error: %v", err)
		}
		if clientTestKeys, err = crypto.NewKeySet("client"); err != nil {
			t.Fatalf("NewKeySet() error: %v", err)
		}
	})
	return realmTestKeys, clientTestKeys
}

type backchannelCall struct {
	sessionID string
	initiated bool
}

// fakeAuthenticator stands in for the session layer so the protocol
// endpoint can be exercised in isolation.
type fakeAuthenticator struct {
	session        *session.UserSession
	nonFormHandled bool

	nonFormCalls   int
	browserLogout  int
	backchannel    []backchannelCall
	backchannelErr map[string]error
}

func (f *fakeAuthenticator) AuthenticateIdentityCookie(r *http.Request, rlm *realm.Realm) *session.UserSession {
	return f.session
}

func (f *fakeAuthenticator) CheckNonFormAuthentication(w http.ResponseWriter, r *http.Request, rlm *realm.Realm, client *realm.Client, cs *session.ClientSession, isPassive bool) bool {
	f.nonFormCalls++
	if f.nonFormHandled {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("sso"))
		return true
	}
	return false
}

func (f *fakeAuthenticator) BrowserLogout(w http.ResponseWriter, r *http.Request, rlm *realm.Realm, us *session.UserSession) {
	f.browserLogout++
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("logged out"))
}

func (f *fakeAuthenticator) BackchannelLogout(rlm *realm.Realm, us *session.UserSession, initiatedByClient bool) error {
	f.backchannel = append(f.backchannel, backchannelCall{sessionID: us.ID, initiated: initiatedByClient})
	return f.backchannelErr[us.ID]
}

func (f *fakeAuthenticator) RememberMeUsername(r *http.Request, rlm *realm.Realm) string {
	return ""
}

func (f *fakeAuthenticator) ChallengeHeader(r *http.Request, rlm *realm.Realm) string {
	return ""
}

type harness struct {
	svc      *Service
	auth     *fakeAuthenticator
	realms   *realm.Store
	sessions *session.Store
	handler  http.Handler
	endpoint string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop()

	realmKeys, _ := testKeys(t)
	realms, err := realm.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	t.Cleanup(func() { realms.Close() })

	err = realms.CreateRealm(context.Background(), &realm.Realm{
		Name:           "demo",
		Enabled:        true,
		SSLRequired:    realm.SSLRequiredNone,
		PrivateKeyPEM:  realmKeys.PrivateKeyPEM(),
		CertificatePEM: realmKeys.CertificatePEM(),
	})
	if err != nil {
		t.Fatalf("CreateRealm() error: %v", err)
	}

	sessions := session.NewStore()
	svc := NewService(Config{
		BaseURL:  "http://localhost:8080",
		Realms:   realms,
		Sessions: sessions,
		Forms:    forms.NewRenderer(log),
		Events:   events.NewRecorder(log, nil, nil),
		Logger:   log,
	})
	auth := &fakeAuthenticator{}
	svc.SetAuthenticator(auth)

	router := chi.NewRouter()
	router.Route("/realms", func(r chi.Router) {
		svc.RegisterRoutes(r)
	})

	return &harness{
		svc:      svc,
		auth:     auth,
		realms:   realms,
		sessions: sessions,
		handler:  router,
		endpoint: "http://localhost:8080/realms/demo/protocol/saml",
	}
}

func (h *harness) createClient(t *testing.T, clientID string, attributes map[string]string, mutate func(*realm.Client)) *realm.Client {
	t.Helper()
	client := &realm.Client{
		Realm:        "demo",
		ClientID:     clientID,
		Enabled:      true,
		RootURL:      "https://sp.example.com",
		RedirectURIs: []string{"https://sp.example.com/acs"},
		Attributes:   attributes,
	}
	if mutate != nil {
		mutate(client)
	}
	if err := h.realms.CreateClient(context.Background(), client); err != nil {
		t.Fatalf("CreateClient() error: %v", err)
	}
	return client
}

func (h *harness) get(t *testing.T, query url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/realms/demo/protocol/saml?"+query.Encode(), nil)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func (h *harness) getRawQuery(t *testing.T, rawQuery string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/realms/demo/protocol/saml?"+rawQuery, nil)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func (h *harness) post(t *testing.T, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/realms/demo/protocol/saml", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func encodeRedirectRequest(t *testing.T, message any) string {
	t.Helper()
	encoded, err := EncodeRedirect(message)
	if err != nil {
		t.Fatalf("EncodeRedirect() error: %v", err)
	}
	return encoded
}

func encodePostRequest(t *testing.T, message any) string {
	t.Helper()
	raw, err := MarshalDocument(message)
	if err != nil {
		t.Fatalf("MarshalDocument() error: %v", err)
	}
	return EncodePostRaw(raw)
}

func TestUnknownRealm(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/realms/nope/protocol/saml", nil)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Realm not enabled") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestMissingMessage(t *testing.T) {
	h := newHarness(t)
	w := h.get(t, url.Values{})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Invalid Request") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestSSLRequired(t *testing.T) {
	h := newHarness(t)
	realmKeys, _ := testKeys(t)
	err := h.realms.CreateRealm(context.Background(), &realm.Realm{
		Name:           "secure",
		Enabled:        true,
		SSLRequired:    realm.SSLRequiredAll,
		PrivateKeyPEM:  realmKeys.PrivateKeyPEM(),
		CertificatePEM: realmKeys.CertificatePEM(),
	})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/realms/secure/protocol/saml", nil)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "HTTPS required") {
		t.Errorf("body = %q", w.Body.String())
	}

	// A forwarded HTTPS request passes the TLS gate.
	req = httptest.NewRequest(http.MethodGet, "/realms/secure/protocol/saml", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	w = httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("forwarded status = %d, want 400", w.Code)
	}
}

func TestRealmDisabled(t *testing.T) {
	h := newHarness(t)
	realmKeys, _ := testKeys(t)
	err := h.realms.CreateRealm(context.Background(), &realm.Realm{
		Name:           "off",
		Enabled:        false,
		SSLRequired:    realm.SSLRequiredNone,
		PrivateKeyPEM:  realmKeys.PrivateKeyPEM(),
		CertificatePEM: realmKeys.CertificatePEM(),
	})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/realms/off/protocol/saml", nil)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Realm not enabled") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestUnknownIssuer(t *testing.T) {
	h := newHarness(t)
	encoded := encodeRedirectRequest(t, newAuthnRequest("_x", "ghost", ""))

	w := h.get(t, url.Values{"SAMLRequest": {encoded}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Unknown login requester") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestClientScreening(t *testing.T) {
	h := newHarness(t)
	h.createClient(t, "disabled", nil, func(c *realm.Client) { c.Enabled = false })
	h.createClient(t, "bearer", nil, func(c *realm.Client) { c.BearerOnly = true })
	h.createClient(t, "direct", nil, func(c *realm.Client) { c.DirectGrantsOnly = true })

	tests := []struct {
		issuer string
		want   string
	}{
		{"disabled", "Login requester not enabled"},
		{"bearer", "Bearer-only applications are not allowed to initiate browser login"},
		{"direct", "Client is not allowed to initiate browser login"},
	}

	for _, tt := range tests {
		t.Run(tt.issuer, func(t *testing.T) {
			encoded := encodeRedirectRequest(t, newAuthnRequest("_x", tt.issuer, ""))
			w := h.get(t, url.Values{"SAMLRequest": {encoded}})
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.want) {
				t.Errorf("body = %q, want substring %q", w.Body.String(), tt.want)
			}
		})
	}
}

var actionCodeRe = regexp.MustCompile(`code=([0-9a-f-]+)\.([0-9a-f-]+)`)

func TestLoginRendersForm(t *testing.T) {
	h := newHarness(t)
	h.createClient(t, "app", map[string]string{
		realm.AttrACSRedirect: "https://sp.example.com/acs",
	}, nil)

	request := newAuthnRequest("_login1", "app", h.endpoint)
	request.NameIDPolicy = &NameIDPolicy{Format: NameIDFormatEmail}

	w := h.get(t, url.Values{
		"SAMLRequest": {encodeRedirectRequest(t, request)},
		"RelayState":  {"keep-me"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", w.Code, w.Body.String())
	}
	if h.auth.nonFormCalls != 1 {
		t.Errorf("nonFormCalls = %d, want 1", h.auth.nonFormCalls)
	}

	match := actionCodeRe.FindStringSubmatch(w.Body.String())
	if match == nil {
		t.Fatalf("no action code in form: %q", w.Body.String())
	}
	cs := h.sessions.ClientSession("demo", match[1])
	if cs == nil {
		t.Fatal("client session not created")
	}
	if cs.AuthMethod != LoginProtocolName {
		t.Errorf("AuthMethod = %q", cs.AuthMethod)
	}
	if cs.RedirectURI != "https://sp.example.com/acs" {
		t.Errorf("RedirectURI = %q", cs.RedirectURI)
	}
	if cs.Note(NoteRequestID) != "_login1" {
		t.Errorf("request ID note = %q", cs.Note(NoteRequestID))
	}
	if cs.Note(NoteBinding) != string(BindingRedirect) {
		t.Errorf("binding note = %q", cs.Note(NoteBinding))
	}
	if cs.Note(NoteRelayState) != "keep-me" {
		t.Errorf("relay state note = %q", cs.Note(NoteRelayState))
	}
	if cs.Note(NoteNameIDFormat) != NameIDFormatEmail {
		t.Errorf("name ID format note = %q", cs.Note(NoteNameIDFormat))
	}
	if cs.Note(NoteActionKey) != match[2] {
		t.Errorf("action key note = %q, form = %q", cs.Note(NoteActionKey), match[2])
	}
}

func TestLoginSSOShortCircuit(t *testing.T) {
	h := newHarness(t)
	h.auth.nonFormHandled = true
	h.createClient(t, "app", map[string]string{
		realm.AttrACSRedirect: "https://sp.example.com/acs",
	}, nil)

	w := h.get(t, url.Values{
		"SAMLRequest": {encodeRedirectRequest(t, newAuthnRequest("_sso", "app", ""))},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "login-actions") {
		t.Error("login form rendered despite SSO")
	}
}

func TestLoginDestinationMismatch(t *testing.T) {
	h := newHarness(t)
	h.createClient(t, "app", nil, nil)

	request := newAuthnRequest("_dest", "app", "https://other.example.com/saml")
	w := h.get(t, url.Values{"SAMLRequest": {encodeRedirectRequest(t, request)}})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Invalid Request") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestLoginUnsupportedNameIDFormat(t *testing.T) {
	h := newHarness(t)
	h.createClient(t, "app", map[string]string{
		realm.AttrACSRedirect: "https://sp.example.com/acs",
	}, nil)

	request := newAuthnRequest("_fmt", "app", "")
	request.NameIDPolicy = &NameIDPolicy{Format: "urn:oasis:names:tc:SAML:2.0:nameid-format:kerberos"}

	w := h.get(t, url.Values{"SAMLRequest": {encodeRedirectRequest(t, request)}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Unsupported NameID format") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestLoginForcedNameIDFormatSkipsPolicyCheck(t *testing.T) {
	h := newHarness(t)
	h.createClient(t, "app", map[string]string{
		realm.AttrACSRedirect:       "https://sp.example.com/acs",
		realm.AttrForceNameIDFormat: "true",
		realm.AttrNameIDFormat:      "email",
	}, nil)

	request := newAuthnRequest("_forced", "app", "")
	request.NameIDPolicy = &NameIDPolicy{Format: "urn:oasis:names:tc:SAML:2.0:nameid-format:kerberos"}

	w := h.get(t, url.Values{"SAMLRequest": {encodeRedirectRequest(t, request)}})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, body = %q", w.Code, w.Body.String())
	}
}

func TestLoginInvalidRedirectURI(t *testing.T) {
	h := newHarness(t)
	h.createClient(t, "app", nil, nil)

	request := newAuthnRequest("_redir", "app", "")
	request.AssertionConsumerServiceURL = "https://evil.example.com/steal"

	w := h.get(t, url.Values{"SAMLRequest": {encodeRedirectRequest(t, request)}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Invalid redirect uri") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestLoginNullACSFallsBackToRegistered(t *testing.T) {
	h := newHarness(t)
	h.createClient(t, "app", map[string]string{
		realm.AttrACSRedirect: "https://sp.example.com/acs",
	}, nil)

	request := newAuthnRequest("_null", "app", "")
	request.AssertionConsumerServiceURL = UnsetACSURL

	w := h.get(t, url.Values{"SAMLRequest": {encodeRedirectRequest(t, request)}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", w.Code, w.Body.String())
	}

	match := actionCodeRe.FindStringSubmatch(w.Body.String())
	if match == nil {
		t.Fatal("no action code in form")
	}
	cs := h.sessions.ClientSession("demo", match[1])
	if cs == nil || cs.RedirectURI != "https://sp.example.com/acs" {
		t.Errorf("RedirectURI not resolved from registration: %+v", cs)
	}
}

func TestPostLoginRequiresSignature(t *testing.T) {
	h := newHarness(t)
	_, clientKeys := testKeys(t)
	h.createClient(t, "app", map[string]string{
		realm.AttrACSPost:     "https://sp.example.com/acs",
		realm.AttrSigningCert: clientKeys.CertificateBase64(),
	}, nil)

	w := h.post(t, url.Values{
		"SAMLRequest": {encodePostRequest(t, newAuthnRequest("_unsigned", "app", ""))},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Invalid requester") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestPostLoginSignatureRequiredWithoutCert(t *testing.T) {
	h := newHarness(t)
	h.createClient(t, "app", map[string]string{
		realm.AttrACSPost:         "https://sp.example.com/acs",
		realm.AttrClientSignature: "true",
	}, nil)

	w := h.post(t, url.Values{
		"SAMLRequest": {encodePostRequest(t, newAuthnRequest("_unsigned", "app", ""))},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Invalid requester") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestPostLoginSigned(t *testing.T) {
	h := newHarness(t)
	_, clientKeys := testKeys(t)
	h.createClient(t, "app", map[string]string{
		realm.AttrACSPost:     "https://sp.example.com/acs",
		realm.AttrSigningCert: clientKeys.CertificateBase64(),
	}, nil)

	signer := &Signer{Key: clientKeys.PrivateKey(), Certificate: clientKeys.Certificate()}
	raw, err := MarshalDocument(newAuthnRequest("_signed", "app", ""))
	if err != nil {
		t.Fatal(err)
	}
	signed, err := signer.SignDocument(raw)
	if err != nil {
		t.Fatal(err)
	}

	w := h.post(t, url.Values{"SAMLRequest": {EncodePostRaw(signed)}})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, body = %q", w.Code, w.Body.String())
	}
}

func TestRedirectClientSignature(t *testing.T) {
	h := newHarness(t)
	_, clientKeys := testKeys(t)
	h.createClient(t, "app", map[string]string{
		realm.AttrACSRedirect:     "https://sp.example.com/acs",
		realm.AttrClientSignature: "true",
		realm.AttrSigningCert:     clientKeys.CertificateBase64(),
	}, nil)

	request := newAuthnRequest("_qsig", "app", "")

	// Unsigned query must be rejected.
	w := h.get(t, url.Values{"SAMLRequest": {encodeRedirectRequest(t, request)}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unsigned status = %d, want 400", w.Code)
	}

	// A properly signed query goes through to the login form.
	signer := &Signer{Key: clientKeys.PrivateKey(), Certificate: clientKeys.Certificate()}
	redirectURL, err := BuildRedirectURL(h.endpoint, "rs", request, signer)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := url.Parse(redirectURL)
	if err != nil {
		t.Fatal(err)
	}

	w = h.getRawQuery(t, parsed.RawQuery)
	if w.Code != http.StatusOK {
		t.Errorf("signed status = %d, body = %q", w.Code, w.Body.String())
	}
}

func TestRedirectClientSignatureWithoutCert(t *testing.T) {
	h := newHarness(t)
	h.createClient(t, "app", map[string]string{
		realm.AttrACSRedirect:     "https://sp.example.com/acs",
		realm.AttrClientSignature: "true",
	}, nil)

	w := h.get(t, url.Values{"SAMLRequest": {encodeRedirectRequest(t, newAuthnRequest("_nocert", "app", ""))}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestLogoutWithCookieWalksBrowser(t *testing.T) {
	h := newHarness(t)
	client := h.createClient(t, "app", map[string]string{
		realm.AttrLogoutRedirect: "https://sp.example.com/slo",
	}, nil)
	other := h.createClient(t, "other", map[string]string{
		realm.AttrLogoutPost: "https://other.example.com/slo",
	}, nil)

	us := h.sessions.CreateUserSession("demo", "u1", "alice", "127.0.0.1")
	initiatorCS := h.sessions.CreateClientSession("demo", client.ClientID)
	otherCS := h.sessions.CreateClientSession("demo", other.ClientID)
	h.sessions.Attach(us, initiatorCS)
	h.sessions.Attach(us, otherCS)
	h.auth.session = us

	request := NewLogoutRequest("app", h.endpoint, "alice", NameIDFormatUnspecified, nil)
	w := h.get(t, url.Values{
		"SAMLRequest": {encodeRedirectRequest(t, request)},
		"RelayState":  {"logout-rs"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", w.Code, w.Body.String())
	}

	if h.auth.browserLogout != 1 {
		t.Errorf("browserLogout = %d, want 1", h.auth.browserLogout)
	}
	if us.Note(NoteLogoutRequestID) != request.ID {
		t.Errorf("logout request ID note = %q", us.Note(NoteLogoutRequestID))
	}
	if us.Note(NoteLogoutBindingURI) != "https://sp.example.com/slo" {
		t.Errorf("logout binding URI note = %q", us.Note(NoteLogoutBindingURI))
	}
	if us.Note(NoteLogoutRelayState) != "logout-rs" {
		t.Errorf("logout relay state note = %q", us.Note(NoteLogoutRelayState))
	}
	if us.Note(NoteLogoutInitiator) != "app" {
		t.Errorf("logout initiator note = %q", us.Note(NoteLogoutInitiator))
	}
	if initiatorCS.Action() != session.ActionLoggedOut {
		t.Errorf("initiator action = %q, want LOGGED_OUT", initiatorCS.Action())
	}
	if otherCS.Action() != session.ActionAuthenticate {
		t.Errorf("other client action = %q, want AUTHENTICATE", otherCS.Action())
	}
}

func TestLogoutBackchannelBySessionIndex(t *testing.T) {
	h := newHarness(t)
	client := h.createClient(t, "app", map[string]string{
		realm.AttrLogoutPost: "https://sp.example.com/slo",
	}, nil)

	us := h.sessions.CreateUserSession("demo", "u1", "alice", "127.0.0.1")
	cs := h.sessions.CreateClientSession("demo", client.ClientID)
	h.sessions.Attach(us, cs)

	request := NewLogoutRequest("app", h.endpoint, "alice", NameIDFormatUnspecified,
		[]string{cs.ID, "unknown-index"})

	w := h.post(t, url.Values{"SAMLRequest": {encodePostRequest(t, request)}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", w.Code, w.Body.String())
	}

	if cs.Action() != session.ActionLoggedOut {
		t.Errorf("client session action = %q, want LOGGED_OUT", cs.Action())
	}
	if len(h.auth.backchannel) != 1 {
		t.Fatalf("backchannel calls = %d, want 1", len(h.auth.backchannel))
	}
	if h.auth.backchannel[0].sessionID != us.ID || !h.auth.backchannel[0].initiated {
		t.Errorf("backchannel call = %+v", h.auth.backchannel[0])
	}

	// The requester gets a LogoutResponse back over the POST binding.
	body := w.Body.String()
	if !strings.Contains(body, `name="SAMLResponse"`) {
		t.Errorf("no SAMLResponse in body: %q", body)
	}
	if !strings.Contains(body, `action="https://sp.example.com/slo"`) {
		t.Errorf("response not addressed to the logout endpoint: %q", body)
	}
}

func TestLogoutBackchannelContinuesPastFailure(t *testing.T) {
	h := newHarness(t)
	client := h.createClient(t, "app", map[string]string{
		realm.AttrLogoutPost: "https://sp.example.com/slo",
	}, nil)

	us1 := h.sessions.CreateUserSession("demo", "u1", "alice", "127.0.0.1")
	cs1 := h.sessions.CreateClientSession("demo", client.ClientID)
	h.sessions.Attach(us1, cs1)
	us2 := h.sessions.CreateUserSession("demo", "u2", "bob", "127.0.0.1")
	cs2 := h.sessions.CreateClientSession("demo", client.ClientID)
	h.sessions.Attach(us2, cs2)

	h.auth.backchannelErr = map[string]error{us1.ID: errors.New("endpoint unreachable")}

	request := NewLogoutRequest("app", h.endpoint, "alice", NameIDFormatUnspecified,
		[]string{cs1.ID, cs2.ID})

	w := h.post(t, url.Values{"SAMLRequest": {encodePostRequest(t, request)}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", w.Code, w.Body.String())
	}

	// The failed first index does not stop the second from being
	// processed, and both sessions still end up logged out.
	if len(h.auth.backchannel) != 2 {
		t.Fatalf("backchannel calls = %d, want 2", len(h.auth.backchannel))
	}
	if h.auth.backchannel[0].sessionID != us1.ID || h.auth.backchannel[1].sessionID != us2.ID {
		t.Errorf("backchannel calls = %+v", h.auth.backchannel)
	}
	if cs1.Action() != session.ActionLoggedOut || cs2.Action() != session.ActionLoggedOut {
		t.Errorf("client session actions = %q, %q, want LOGGED_OUT", cs1.Action(), cs2.Action())
	}

	if !strings.Contains(w.Body.String(), `name="SAMLResponse"`) {
		t.Errorf("no SAMLResponse in body: %q", w.Body.String())
	}
}

func TestLogoutResponseRequiresActiveLogout(t *testing.T) {
	h := newHarness(t)
	h.createClient(t, "app", nil, nil)

	response := NewLogoutResponse("app", h.endpoint, "_req", true)
	encoded := encodeRedirectRequest(t, response)

	// No identity cookie: rejected.
	w := h.get(t, url.Values{"SAMLResponse": {encoded}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("no-session status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Session not active") {
		t.Errorf("body = %q", w.Body.String())
	}

	// Session present but not logging out: rejected.
	us := h.sessions.CreateUserSession("demo", "u1", "alice", "127.0.0.1")
	h.auth.session = us
	w = h.get(t, url.Values{"SAMLResponse": {encoded}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("logged-in status = %d, want 400", w.Code)
	}

	// Session logging out: the logout advances.
	us.SetState(session.StateLoggingOut)
	w = h.get(t, url.Values{"SAMLResponse": {encoded}})
	if w.Code != http.StatusOK {
		t.Errorf("logging-out status = %d, body = %q", w.Code, w.Body.String())
	}
	if h.auth.browserLogout != 1 {
		t.Errorf("browserLogout = %d, want 1", h.auth.browserLogout)
	}
}

func TestLogoutResponseDestinationMismatch(t *testing.T) {
	h := newHarness(t)
	h.createClient(t, "app", nil, nil)
	us := h.sessions.CreateUserSession("demo", "u1", "alice", "127.0.0.1")
	us.SetState(session.StateLoggingOut)
	h.auth.session = us

	response := NewLogoutResponse("app", "https://wrong.example.com/saml", "_req", true)
	w := h.get(t, url.Values{"SAMLResponse": {encodeRedirectRequest(t, response)}})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if h.auth.browserLogout != 0 {
		t.Error("browser logout ran despite destination mismatch")
	}
}

func TestDescriptor(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/realms/demo/protocol/saml/descriptor", nil)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `entityID="http://localhost:8080/realms/demo"`) {
		t.Errorf("descriptor missing entity ID: %q", body)
	}
	if !strings.Contains(body, h.endpoint) {
		t.Error("descriptor missing protocol endpoint")
	}
	realmKeys, _ := testKeys(t)
	if !strings.Contains(body, realmKeys.CertificateBase64()) {
		t.Error("descriptor missing signing certificate")
	}
}
