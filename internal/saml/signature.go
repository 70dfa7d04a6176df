package saml

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// Signature algorithm URIs for the redirect binding's SigAlg parameter.
const (
	SigAlgRSASHA1   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	SigAlgRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	SigAlgRSASHA512 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
)

var ErrMissingSignature = errors.New("signature required but not present")

// publicKeyOf extracts the RSA public key from a certificate, nil when
// the key is some other type.
func publicKeyOf(cert *x509.Certificate) *rsa.PublicKey {
	key, _ := cert.PublicKey.(*rsa.PublicKey)
	return key
}

// Signer signs outbound documents and redirect query strings with a
// realm's key pair.
type Signer struct {
	Key         *rsa.PrivateKey
	Certificate *x509.Certificate
	Algorithm   string
}

func (s *Signer) algorithm() string {
	if s.Algorithm == "" {
		return SigAlgRSASHA256
	}
	return s.Algorithm
}

func hashForAlgorithm(alg string) (crypto.Hash, error) {
	switch alg {
	case SigAlgRSASHA1:
		return crypto.SHA1, nil
	case SigAlgRSASHA256:
		return crypto.SHA256, nil
	case SigAlgRSASHA512:
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("unsupported signature algorithm %q", alg)
}

// SignDocument adds an enveloped XML signature over the document's root
// element and returns the new serialization.
func (s *Signer) SignDocument(raw []byte) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("empty document")
	}

	keyStore := dsig.TLSCertKeyStore(tls.Certificate{
		Certificate: [][]byte{s.Certificate.Raw},
		PrivateKey:  s.Key,
		Leaf:        s.Certificate,
	})
	ctx := dsig.NewDefaultSigningContext(keyStore)
	hash, err := hashForAlgorithm(s.algorithm())
	if err != nil {
		return nil, err
	}
	ctx.Hash = hash

	signed, err := ctx.SignEnveloped(root)
	if err != nil {
		return nil, fmt.Errorf("sign document: %w", err)
	}

	out := etree.NewDocument()
	out.SetRoot(signed)
	return out.WriteToBytes()
}

// VerifyDocumentSignature validates an enveloped XML signature against
// a trusted certificate. It operates on the raw transported bytes; the
// document must never be re-serialized before verification.
func VerifyDocumentSignature(raw []byte, cert *x509.Certificate) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return errors.New("empty document")
	}
	if root.FindElement("./Signature") == nil {
		return ErrMissingSignature
	}

	ctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	if _, err := ctx.Validate(root); err != nil {
		return fmt.Errorf("validate signature: %w", err)
	}
	return nil
}

// SignRedirectQuery signs the canonical redirect query string and
// returns the SigAlg and Signature parameter values (unescaped).
func (s *Signer) SignRedirectQuery(paramName, encodedMessage, relayState string) (sigAlg, signature string, err error) {
	sigAlg = s.algorithm()
	hash, err := hashForAlgorithm(sigAlg)
	if err != nil {
		return "", "", err
	}

	input := redirectSignatureInput(paramName, url.QueryEscape(encodedMessage), url.QueryEscape(relayState), url.QueryEscape(sigAlg))
	hasher := hash.New()
	hasher.Write([]byte(input))

	sig, err := rsa.SignPKCS1v15(rand.Reader, s.Key, hash, hasher.Sum(nil))
	if err != nil {
		return "", "", fmt.Errorf("sign query: %w", err)
	}
	return sigAlg, base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyRedirectSignature checks the detached signature on a redirect
// binding query string. The signed payload is rebuilt from the raw,
// still-percent-encoded query so the bytes match what the sender signed.
func VerifyRedirectSignature(rawQuery string, key *rsa.PublicKey) error {
	if key == nil {
		return errors.New("no RSA verification key")
	}
	params := splitRawQuery(rawQuery)

	paramName := "SAMLRequest"
	if _, ok := params[paramName]; !ok {
		paramName = "SAMLResponse"
	}
	message, ok := params[paramName]
	if !ok {
		return errors.New("no protocol message in query")
	}
	sigAlgRaw, ok := params["SigAlg"]
	if !ok {
		return ErrMissingSignature
	}
	signatureRaw, ok := params["Signature"]
	if !ok {
		return ErrMissingSignature
	}

	sigAlg, err := url.QueryUnescape(sigAlgRaw)
	if err != nil {
		return fmt.Errorf("decode SigAlg: %w", err)
	}
	hash, err := hashForAlgorithm(sigAlg)
	if err != nil {
		return err
	}
	sigB64, err := url.QueryUnescape(signatureRaw)
	if err != nil {
		return fmt.Errorf("decode Signature: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("decode Signature: %w", err)
	}

	input := redirectSignatureInput(paramName, message, params["RelayState"], sigAlgRaw)
	hasher := hash.New()
	hasher.Write([]byte(input))

	if err := rsa.VerifyPKCS1v15(key, hash, hasher.Sum(nil), sig); err != nil {
		return fmt.Errorf("verify query signature: %w", err)
	}
	return nil
}

// redirectSignatureInput assembles the signed content in the canonical
// order: message, RelayState if present, SigAlg. All values are the raw
// percent-encoded forms.
func redirectSignatureInput(paramName, encodedMessage, relayState, sigAlg string) string {
	var b strings.Builder
	b.WriteString(paramName)
	b.WriteString("=")
	b.WriteString(encodedMessage)
	if relayState != "" {
		b.WriteString("&RelayState=")
		b.WriteString(relayState)
	}
	b.WriteString("&SigAlg=")
	b.WriteString(sigAlg)
	return b.String()
}

// splitRawQuery splits a query string without percent-decoding the
// values. First occurrence of a key wins.
func splitRawQuery(rawQuery string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(key)
		if err != nil {
			name = key
		}
		if _, seen := out[name]; !seen {
			out[name] = value
		}
	}
	return out
}
