package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// KeySet holds a realm's RSA signing key and its self-signed
// certificate. Service providers fetch the certificate from the realm
// descriptor to verify issued documents.
type KeySet struct {
	key   *rsa.PrivateKey
	cert  *x509.Certificate
	keyID string
}

// NewKeySet generates a 2048-bit RSA key and a ten-year self-signed
// certificate with the given common name.
func NewKeySet(commonName string) (*KeySet, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &KeySet{
		key:   key,
		cert:  cert,
		keyID: generateKeyID(),
	}, nil
}

func generateKeyID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("rsa-%x", b)
}

func (ks *KeySet) PrivateKey() *rsa.PrivateKey { return ks.key }
func (ks *KeySet) PublicKey() *rsa.PublicKey   { return &ks.key.PublicKey }
func (ks *KeySet) Certificate() *x509.Certificate {
	return ks.cert
}
func (ks *KeySet) KeyID() string { return ks.keyID }

// PrivateKeyPEM serializes the private key for persistence.
func (ks *KeySet) PrivateKeyPEM() string {
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(ks.key),
	}
	return string(pem.EncodeToMemory(block))
}

// CertificatePEM serializes the certificate for persistence.
func (ks *KeySet) CertificatePEM() string {
	block := &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: ks.cert.Raw,
	}
	return string(pem.EncodeToMemory(block))
}

// CertificateBase64 returns the raw DER certificate as base64, the form
// embedded in SAML metadata descriptors.
func (ks *KeySet) CertificateBase64() string {
	return base64.StdEncoding.EncodeToString(ks.cert.Raw)
}

// ParseKeySet restores a key set from PEM-encoded material.
func ParseKeySet(privateKeyPEM, certificatePEM string) (*KeySet, error) {
	key, err := ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	cert, err := ParseCertificatePEM(certificatePEM)
	if err != nil {
		return nil, err
	}
	return &KeySet{key: key, cert: cert, keyID: generateKeyID()}, nil
}

// ParsePrivateKeyPEM parses a PKCS#1 or PKCS#8 RSA private key.
func ParsePrivateKeyPEM(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", parsed)
	}
	return key, nil
}

// ParseCertificatePEM parses a PEM-encoded X.509 certificate.
func ParseCertificatePEM(pemData string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// ParseCertificateBase64 parses a certificate stored as bare base64
// DER, with or without PEM armor and whitespace. Client registrations
// store their signing certificates in this form.
func ParseCertificateBase64(value string) (*x509.Certificate, error) {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "-----BEGIN") {
		return ParseCertificatePEM(value)
	}
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, value)
	der, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}
