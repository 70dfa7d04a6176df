package saml

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/xml"
	"time"
)

// SAML 2.0 XML namespaces
const (
	NamespaceAssertion = "urn:oasis:names:tc:SAML:2.0:assertion"
	NamespaceProtocol  = "urn:oasis:names:tc:SAML:2.0:protocol"
	NamespaceMetadata  = "urn:oasis:names:tc:SAML:2.0:metadata"
	NamespaceDSig      = "http://www.w3.org/2000/09/xmldsig#"
)

// NameID formats. Kerberos and X509 subject formats exist in the
// standard but are not supported by this provider.
const (
	NameIDFormatUnspecified = "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified"
	NameIDFormatEmail       = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	NameIDFormatPersistent  = "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent"
	NameIDFormatTransient   = "urn:oasis:names:tc:SAML:2.0:nameid-format:transient"
)

// SupportedNameIDFormat reports whether this provider can issue
// assertions with the given NameID format.
func SupportedNameIDFormat(format string) bool {
	switch format {
	case NameIDFormatUnspecified, NameIDFormatEmail, NameIDFormatPersistent, NameIDFormatTransient:
		return true
	}
	return false
}

// SAML 2.0 binding URIs
const (
	BindingURIHTTPPost     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	BindingURIHTTPRedirect = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
)

// SAML 2.0 status codes
const (
	StatusSuccess       = "urn:oasis:names:tc:SAML:2.0:status:Success"
	StatusRequester     = "urn:oasis:names:tc:SAML:2.0:status:Requester"
	StatusResponder     = "urn:oasis:names:tc:SAML:2.0:status:Responder"
	StatusNoPassive     = "urn:oasis:names:tc:SAML:2.0:status:NoPassive"
	StatusPartialLogout = "urn:oasis:names:tc:SAML:2.0:status:PartialLogout"
)

const AuthnContextPasswordProtectedTransport = "urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport"

// UnsetACSURL is the literal string some service providers send in
// AssertionConsumerServiceURL when they have no value configured. It is
// treated the same as an absent attribute.
const UnsetACSURL = "null"

// Issuer is the SAML Issuer element.
type Issuer struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer"`
	Format  string   `xml:"Format,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

// NameID is the SAML NameID element.
type NameID struct {
	XMLName         xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion NameID"`
	Format          string   `xml:"Format,attr,omitempty"`
	NameQualifier   string   `xml:"NameQualifier,attr,omitempty"`
	SPNameQualifier string   `xml:"SPNameQualifier,attr,omitempty"`
	Value           string   `xml:",chardata"`
}

// NameIDPolicy is the SAML NameIDPolicy element. AllowCreate is parsed
// but carries no meaning here: identities always exist ahead of login.
type NameIDPolicy struct {
	XMLName         xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol NameIDPolicy"`
	Format          string   `xml:"Format,attr,omitempty"`
	SPNameQualifier string   `xml:"SPNameQualifier,attr,omitempty"`
	AllowCreate     bool     `xml:"AllowCreate,attr,omitempty"`
}

// AuthnRequest is a service provider's login request.
type AuthnRequest struct {
	XMLName                     xml.Name      `xml:"urn:oasis:names:tc:SAML:2.0:protocol AuthnRequest"`
	SAMLP                       string        `xml:"xmlns:samlp,attr"`
	SAML                        string        `xml:"xmlns:saml,attr"`
	ID                          string        `xml:"ID,attr"`
	Version                     string        `xml:"Version,attr"`
	IssueInstant                string        `xml:"IssueInstant,attr"`
	Destination                 string        `xml:"Destination,attr,omitempty"`
	ProtocolBinding             string        `xml:"ProtocolBinding,attr,omitempty"`
	AssertionConsumerServiceURL string        `xml:"AssertionConsumerServiceURL,attr,omitempty"`
	ForceAuthn                  bool          `xml:"ForceAuthn,attr,omitempty"`
	IsPassive                   bool          `xml:"IsPassive,attr,omitempty"`
	Issuer                      *Issuer       `xml:"Issuer,omitempty"`
	NameIDPolicy                *NameIDPolicy `xml:"NameIDPolicy,omitempty"`
}

// LogoutRequest is a single-logout request, front or back channel.
type LogoutRequest struct {
	XMLName      xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol LogoutRequest"`
	SAMLP        string   `xml:"xmlns:samlp,attr"`
	SAML         string   `xml:"xmlns:saml,attr"`
	ID           string   `xml:"ID,attr"`
	Version      string   `xml:"Version,attr"`
	IssueInstant string   `xml:"IssueInstant,attr"`
	Destination  string   `xml:"Destination,attr,omitempty"`
	NotOnOrAfter string   `xml:"NotOnOrAfter,attr,omitempty"`
	Reason       string   `xml:"Reason,attr,omitempty"`
	Issuer       *Issuer  `xml:"Issuer,omitempty"`
	NameID       *NameID  `xml:"NameID,omitempty"`
	SessionIndex []string `xml:"SessionIndex,omitempty"`
}

// LogoutResponse closes a logout round-trip in either direction.
type LogoutResponse struct {
	XMLName      xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol LogoutResponse"`
	SAMLP        string   `xml:"xmlns:samlp,attr"`
	SAML         string   `xml:"xmlns:saml,attr"`
	ID           string   `xml:"ID,attr"`
	Version      string   `xml:"Version,attr"`
	IssueInstant string   `xml:"IssueInstant,attr"`
	Destination  string   `xml:"Destination,attr,omitempty"`
	InResponseTo string   `xml:"InResponseTo,attr,omitempty"`
	Issuer       *Issuer  `xml:"Issuer,omitempty"`
	Status       *Status  `xml:"Status"`
}

// Response is a login response carrying an assertion.
type Response struct {
	XMLName      xml.Name     `xml:"urn:oasis:names:tc:SAML:2.0:protocol Response"`
	SAMLP        string       `xml:"xmlns:samlp,attr"`
	SAML         string       `xml:"xmlns:saml,attr"`
	ID           string       `xml:"ID,attr"`
	Version      string       `xml:"Version,attr"`
	IssueInstant string       `xml:"IssueInstant,attr"`
	Destination  string       `xml:"Destination,attr,omitempty"`
	InResponseTo string       `xml:"InResponseTo,attr,omitempty"`
	Issuer       *Issuer      `xml:"Issuer,omitempty"`
	Status       *Status      `xml:"Status"`
	Assertions   []*Assertion `xml:"Assertion,omitempty"`
}

// Status is the SAML Status element.
type Status struct {
	XMLName       xml.Name   `xml:"urn:oasis:names:tc:SAML:2.0:protocol Status"`
	StatusCode    StatusCode `xml:"StatusCode"`
	StatusMessage string     `xml:"StatusMessage,omitempty"`
}

// StatusCode is the SAML StatusCode element.
type StatusCode struct {
	XMLName    xml.Name    `xml:"urn:oasis:names:tc:SAML:2.0:protocol StatusCode"`
	Value      string      `xml:"Value,attr"`
	StatusCode *StatusCode `xml:"StatusCode,omitempty"`
}

// Assertion is a SAML Assertion issued after authentication.
type Assertion struct {
	XMLName            xml.Name            `xml:"urn:oasis:names:tc:SAML:2.0:assertion Assertion"`
	SAML               string              `xml:"xmlns:saml,attr,omitempty"`
	ID                 string              `xml:"ID,attr"`
	Version            string              `xml:"Version,attr"`
	IssueInstant       string              `xml:"IssueInstant,attr"`
	Issuer             *Issuer             `xml:"Issuer"`
	Subject            *Subject            `xml:"Subject,omitempty"`
	Conditions         *Conditions         `xml:"Conditions,omitempty"`
	AuthnStatement     *AuthnStatement     `xml:"AuthnStatement,omitempty"`
	AttributeStatement *AttributeStatement `xml:"AttributeStatement,omitempty"`
}

type Subject struct {
	XMLName             xml.Name             `xml:"urn:oasis:names:tc:SAML:2.0:assertion Subject"`
	NameID              *NameID              `xml:"NameID,omitempty"`
	SubjectConfirmation *SubjectConfirmation `xml:"SubjectConfirmation,omitempty"`
}

type SubjectConfirmation struct {
	XMLName                 xml.Name                 `xml:"urn:oasis:names:tc:SAML:2.0:assertion SubjectConfirmation"`
	Method                  string                   `xml:"Method,attr"`
	SubjectConfirmationData *SubjectConfirmationData `xml:"SubjectConfirmationData,omitempty"`
}

type SubjectConfirmationData struct {
	XMLName      xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion SubjectConfirmationData"`
	NotOnOrAfter string   `xml:"NotOnOrAfter,attr,omitempty"`
	Recipient    string   `xml:"Recipient,attr,omitempty"`
	InResponseTo string   `xml:"InResponseTo,attr,omitempty"`
}

type Conditions struct {
	XMLName             xml.Name             `xml:"urn:oasis:names:tc:SAML:2.0:assertion Conditions"`
	NotBefore           string               `xml:"NotBefore,attr,omitempty"`
	NotOnOrAfter        string               `xml:"NotOnOrAfter,attr,omitempty"`
	AudienceRestriction *AudienceRestriction `xml:"AudienceRestriction,omitempty"`
}

type AudienceRestriction struct {
	XMLName  xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AudienceRestriction"`
	Audience []string `xml:"Audience"`
}

type AuthnStatement struct {
	XMLName             xml.Name      `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnStatement"`
	AuthnInstant        string        `xml:"AuthnInstant,attr"`
	SessionIndex        string        `xml:"SessionIndex,attr,omitempty"`
	SessionNotOnOrAfter string        `xml:"SessionNotOnOrAfter,attr,omitempty"`
	AuthnContext        *AuthnContext `xml:"AuthnContext"`
}

type AuthnContext struct {
	XMLName              xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AuthnContext"`
	AuthnContextClassRef string   `xml:"AuthnContextClassRef"`
}

type AttributeStatement struct {
	XMLName    xml.Name    `xml:"urn:oasis:names:tc:SAML:2.0:assertion AttributeStatement"`
	Attributes []Attribute `xml:"Attribute"`
}

type Attribute struct {
	XMLName         xml.Name         `xml:"urn:oasis:names:tc:SAML:2.0:assertion Attribute"`
	Name            string           `xml:"Name,attr"`
	NameFormat      string           `xml:"NameFormat,attr,omitempty"`
	FriendlyName    string           `xml:"FriendlyName,attr,omitempty"`
	AttributeValues []AttributeValue `xml:"AttributeValue"`
}

type AttributeValue struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:assertion AttributeValue"`
	Value   string   `xml:",chardata"`
}

// ProtocolMessage is implemented by the three inbound message types so
// the binding layer can dispatch without caring which one it decoded.
type ProtocolMessage interface {
	MessageID() string
	MessageIssuer() string
	MessageDestination() string
}

func (r *AuthnRequest) MessageID() string   { return r.ID }
func (r *LogoutRequest) MessageID() string  { return r.ID }
func (r *LogoutResponse) MessageID() string { return r.ID }

func issuerValue(i *Issuer) string {
	if i == nil {
		return ""
	}
	return i.Value
}

func (r *AuthnRequest) MessageIssuer() string   { return issuerValue(r.Issuer) }
func (r *LogoutRequest) MessageIssuer() string  { return issuerValue(r.Issuer) }
func (r *LogoutResponse) MessageIssuer() string { return issuerValue(r.Issuer) }

func (r *AuthnRequest) MessageDestination() string   { return r.Destination }
func (r *LogoutRequest) MessageDestination() string  { return r.Destination }
func (r *LogoutResponse) MessageDestination() string { return r.Destination }

// GenerateID generates a unique SAML message ID. The leading underscore
// keeps it a valid xs:ID.
func GenerateID() string {
	id := make([]byte, 16)
	rand.Read(id)
	return "_" + hex.EncodeToString(id)
}

// TimeFormat is the xs:dateTime layout SAML requires: UTC with a Z suffix.
const TimeFormat = "2006-01-02T15:04:05Z"

func TimeNow() string {
	return time.Now().UTC().Format(TimeFormat)
}

func TimeIn(d time.Duration) string {
	return time.Now().UTC().Add(d).Format(TimeFormat)
}

// NewLogoutRequest builds a provider-initiated LogoutRequest.
func NewLogoutRequest(issuer, destination, nameID, nameIDFormat string, sessionIndexes []string) *LogoutRequest {
	return &LogoutRequest{
		SAMLP:        NamespaceProtocol,
		SAML:         NamespaceAssertion,
		ID:           GenerateID(),
		Version:      "2.0",
		IssueInstant: TimeNow(),
		Destination:  destination,
		NotOnOrAfter: TimeIn(5 * time.Minute),
		Issuer:       &Issuer{Value: issuer},
		NameID: &NameID{
			Format: nameIDFormat,
			Value:  nameID,
		},
		SessionIndex: sessionIndexes,
	}
}

// NewLogoutResponse builds a LogoutResponse for a processed LogoutRequest.
func NewLogoutResponse(issuer, destination, inResponseTo string, success bool) *LogoutResponse {
	statusCode := StatusSuccess
	if !success {
		statusCode = StatusPartialLogout
	}
	return &LogoutResponse{
		SAMLP:        NamespaceProtocol,
		SAML:         NamespaceAssertion,
		ID:           GenerateID(),
		Version:      "2.0",
		IssueInstant: TimeNow(),
		Destination:  destination,
		InResponseTo: inResponseTo,
		Issuer:       &Issuer{Value: issuer},
		Status: &Status{
			StatusCode: StatusCode{Value: statusCode},
		},
	}
}

// NewResponse builds a login Response shell. Assertions are appended by
// the caller.
func NewResponse(issuer, destination, inResponseTo string, success bool) *Response {
	statusCode := StatusSuccess
	if !success {
		statusCode = StatusResponder
	}
	return &Response{
		SAMLP:        NamespaceProtocol,
		SAML:         NamespaceAssertion,
		ID:           GenerateID(),
		Version:      "2.0",
		IssueInstant: TimeNow(),
		Destination:  destination,
		InResponseTo: inResponseTo,
		Issuer:       &Issuer{Value: issuer},
		Status: &Status{
			StatusCode: StatusCode{Value: statusCode},
		},
	}
}

// NewAssertion builds an Assertion for an authenticated subject.
func NewAssertion(issuer, audience, recipient, inResponseTo, nameID, nameIDFormat, sessionIndex string, attributes map[string][]string) *Assertion {
	now := TimeNow()
	notOnOrAfter := TimeIn(5 * time.Minute)

	assertion := &Assertion{
		SAML:         NamespaceAssertion,
		ID:           GenerateID(),
		Version:      "2.0",
		IssueInstant: now,
		Issuer:       &Issuer{Value: issuer},
		Subject: &Subject{
			NameID: &NameID{
				Format: nameIDFormat,
				Value:  nameID,
			},
			SubjectConfirmation: &SubjectConfirmation{
				Method: "urn:oasis:names:tc:SAML:2.0:cm:bearer",
				SubjectConfirmationData: &SubjectConfirmationData{
					NotOnOrAfter: notOnOrAfter,
					Recipient:    recipient,
					InResponseTo: inResponseTo,
				},
			},
		},
		Conditions: &Conditions{
			NotBefore:    now,
			NotOnOrAfter: notOnOrAfter,
			AudienceRestriction: &AudienceRestriction{
				Audience: []string{audience},
			},
		},
		AuthnStatement: &AuthnStatement{
			AuthnInstant:        now,
			SessionIndex:        sessionIndex,
			SessionNotOnOrAfter: TimeIn(10 * time.Hour),
			AuthnContext: &AuthnContext{
				AuthnContextClassRef: AuthnContextPasswordProtectedTransport,
			},
		},
	}

	if len(attributes) > 0 {
		stmt := &AttributeStatement{Attributes: make([]Attribute, 0, len(attributes))}
		for name, values := range attributes {
			attr := Attribute{
				Name:            name,
				NameFormat:      "urn:oasis:names:tc:SAML:2.0:attrname-format:basic",
				AttributeValues: make([]AttributeValue, len(values)),
			}
			for i, v := range values {
				attr.AttributeValues[i] = AttributeValue{Value: v}
			}
			stmt.Attributes = append(stmt.Attributes, attr)
		}
		assertion.AttributeStatement = stmt
	}

	return assertion
}
