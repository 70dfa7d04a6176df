package saml

// Machine-readable error codes recorded on audit events.
const (
	ErrorSSLRequired           = "ssl_required"
	ErrorRealmDisabled         = "realm_disabled"
	ErrorInvalidToken          = "invalid_token"
	ErrorClientNotFound        = "client_not_found"
	ErrorClientDisabled        = "client_disabled"
	ErrorNotAllowed            = "not_allowed"
	ErrorInvalidSignature      = "invalid_signature"
	ErrorInvalidRequest        = "invalid_saml_authn_request"
	ErrorInvalidLogoutRequest  = "invalid_saml_logout_request"
	ErrorInvalidLogoutResponse = "invalid_saml_logout_response"
	ErrorInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorUserSessionNotFound   = "user_session_not_found"
	ErrorInvalidUserCredential = "invalid_user_credentials"
	ErrorExpiredCode           = "expired_code"
	ErrorLogoutFailed          = "logout_failed"
)

// Detail keys and reason values attached to events.
const (
	DetailReason      = "reason"
	DetailRedirectURI = "redirect_uri"

	ReasonInvalidDestination      = "invalid_destination"
	ReasonUnsupportedNameIDFormat = "unsupported_nameid_format"
)
