package saml

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chrisflatley/keycloak/internal/forms"
)

// descriptorTemplate is the IdP metadata document. Placeholders are
// substituted with the realm's values; nothing in it is request data,
// so plain string replacement is safe and keeps the XML readable.
const descriptorTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<EntityDescriptor entityID="${idp.entityID}" xmlns="urn:oasis:names:tc:SAML:2.0:metadata" xmlns:dsig="http://www.w3.org/2000/09/xmldsig#">
    <IDPSSODescriptor WantAuthnRequestsSigned="false" protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
        <SingleLogoutService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST" Location="${idp.sso.sls}"/>
        <SingleLogoutService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="${idp.sso.sls}"/>
        <NameIDFormat>urn:oasis:names:tc:SAML:2.0:nameid-format:persistent</NameIDFormat>
        <NameIDFormat>urn:oasis:names:tc:SAML:2.0:nameid-format:transient</NameIDFormat>
        <NameIDFormat>urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified</NameIDFormat>
        <NameIDFormat>urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress</NameIDFormat>
        <SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST" Location="${idp.sso.HTTP-POST}"/>
        <SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="${idp.sso.HTTP-Redirect}"/>
        <KeyDescriptor use="signing">
            <dsig:KeyInfo>
                <dsig:X509Data>
                    <dsig:X509Certificate>${idp.signing.certificate}</dsig:X509Certificate>
                </dsig:X509Data>
            </dsig:KeyInfo>
        </KeyDescriptor>
    </IDPSSODescriptor>
</EntityDescriptor>
`

// handleDescriptor serves the realm's IdP metadata.
func (s *Service) handleDescriptor(w http.ResponseWriter, r *http.Request) {
	realmName := chi.URLParam(r, "realm")
	rlm, err := s.realms.Realm(r.Context(), realmName)
	if err != nil {
		s.forms.RenderError(w, http.StatusNotFound, forms.ErrorPage{RealmName: realmName, Message: forms.MessageRealmNotEnabled})
		return
	}
	keys, err := rlm.Keys()
	if err != nil {
		s.log.Error("realm keys", zap.String("realm", realmName), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	endpoint := RealmBaseURL(s.baseURL, rlm.Name) + "/protocol/saml"
	descriptor := strings.NewReplacer(
		"${idp.entityID}", RealmBaseURL(s.baseURL, rlm.Name),
		"${idp.sso.HTTP-POST}", endpoint,
		"${idp.sso.HTTP-Redirect}", endpoint,
		"${idp.sso.sls}", endpoint,
		"${idp.signing.certificate}", keys.CertificateBase64(),
	).Replace(descriptorTemplate)

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Write([]byte(descriptor))
}
