package realm

import (
	"crypto/x509"
	"net"

	"github.com/chrisflatley/keycloak/internal/crypto"
)

// SSLRequired controls whether a realm rejects plain HTTP access.
type SSLRequired string

const (
	SSLRequiredAll      SSLRequired = "all"
	SSLRequiredExternal SSLRequired = "external"
	SSLRequiredNone     SSLRequired = "none"
)

// IsRequired reports whether TLS is mandatory for a request from the
// given remote address. "external" exempts loopback and private ranges.
func (s SSLRequired) IsRequired(remoteAddr string) bool {
	switch s {
	case SSLRequiredNone:
		return false
	case SSLRequiredExternal:
		host, _, err := net.SplitHostPort(remoteAddr)
		if err != nil {
			host = remoteAddr
		}
		ip := net.ParseIP(host)
		if ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
			return false
		}
		return true
	default:
		return true
	}
}

// Realm is a tenant: its own clients, users, sessions, and signing key.
type Realm struct {
	Name           string      `json:"name"`
	Enabled        bool        `json:"enabled"`
	SSLRequired    SSLRequired `json:"sslRequired"`
	PrivateKeyPEM  string      `json:"privateKey"`
	CertificatePEM string      `json:"certificate"`
}

// Keys parses the realm's signing material.
func (r *Realm) Keys() (*crypto.KeySet, error) {
	return crypto.ParseKeySet(r.PrivateKeyPEM, r.CertificatePEM)
}

// Client attribute keys. The saml.* keys mirror the protocol options a
// service provider registration can toggle.
const (
	AttrClientSignature   = "saml.client.signature"
	AttrServerSignature   = "saml.server.signature"
	AttrSignatureAlg      = "saml.signature.algorithm"
	AttrForcePostBinding  = "saml.force.post.binding"
	AttrForceNameIDFormat = "saml.force.name.id.format"
	AttrNameIDFormat      = "saml_name_id_format"
	AttrSigningCert       = "saml.signing.certificate"
	AttrACSPost           = "saml_assertion_consumer_url_post"
	AttrACSRedirect       = "saml_assertion_consumer_url_redirect"
	AttrLogoutPost        = "saml_single_logout_service_url_post"
	AttrLogoutRedirect    = "saml_single_logout_service_url_redirect"
)

// Client is a registered service provider.
type Client struct {
	Realm            string            `json:"-"`
	ClientID         string            `json:"clientId"`
	Name             string            `json:"name,omitempty"`
	Enabled          bool              `json:"enabled"`
	BearerOnly       bool              `json:"bearerOnly,omitempty"`
	DirectGrantsOnly bool              `json:"directGrantsOnly,omitempty"`
	RootURL          string            `json:"rootUrl,omitempty"`
	ManagementURL    string            `json:"managementUrl,omitempty"`
	RedirectURIs     []string          `json:"redirectUris,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

// Attribute returns a client attribute, "" when unset.
func (c *Client) Attribute(key string) string {
	if c.Attributes == nil {
		return ""
	}
	return c.Attributes[key]
}

// AttributeBool reports whether a client attribute is the string "true".
func (c *Client) AttributeBool(key string) bool {
	return c.Attribute(key) == "true"
}

// SigningCertificate parses the certificate the client signs its
// requests with, nil when none is registered.
func (c *Client) SigningCertificate() (*x509.Certificate, error) {
	value := c.Attribute(AttrSigningCert)
	if value == "" {
		return nil, nil
	}
	return crypto.ParseCertificateBase64(value)
}
