package saml

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/chrisflatley/keycloak/internal/crypto"
)

func newTestSigner(t *testing.T, algorithm string) (*Signer, *crypto.KeySet) {
	t.Helper()
	keys, err := crypto.NewKeySet("test")
	if err != nil {
		t.Fatalf("NewKeySet() error: %v", err)
	}
	return &Signer{
		Key:         keys.PrivateKey(),
		Certificate: keys.Certificate(),
		Algorithm:   algorithm,
	}, keys
}

func TestSignDocumentRoundTrip(t *testing.T) {
	signer, keys := newTestSigner(t, SigAlgRSASHA256)

	raw, err := MarshalDocument(NewLogoutResponse("issuer", "https://sp.example.com/slo", "_req", true))
	if err != nil {
		t.Fatal(err)
	}

	signed, err := signer.SignDocument(raw)
	if err != nil {
		t.Fatalf("SignDocument() error: %v", err)
	}
	if !strings.Contains(string(signed), "SignatureValue") {
		t.Fatal("signed document carries no signature")
	}

	if err := VerifyDocumentSignature(signed, keys.Certificate()); err != nil {
		t.Errorf("VerifyDocumentSignature() error: %v", err)
	}
}

func TestVerifyDocumentSignatureWrongCert(t *testing.T) {
	signer, _ := newTestSigner(t, SigAlgRSASHA256)
	_, otherKeys := newTestSigner(t, SigAlgRSASHA256)

	raw, err := MarshalDocument(NewLogoutResponse("issuer", "https://sp.example.com/slo", "_req", true))
	if err != nil {
		t.Fatal(err)
	}
	signed, err := signer.SignDocument(raw)
	if err != nil {
		t.Fatal(err)
	}

	if err := VerifyDocumentSignature(signed, otherKeys.Certificate()); err == nil {
		t.Error("signature verified against the wrong certificate")
	}
}

func TestVerifyDocumentSignatureMissing(t *testing.T) {
	raw, err := MarshalDocument(NewLogoutResponse("issuer", "https://sp.example.com/slo", "_req", true))
	if err != nil {
		t.Fatal(err)
	}
	_, keys := newTestSigner(t, SigAlgRSASHA256)

	err = VerifyDocumentSignature(raw, keys.Certificate())
	if !errors.Is(err, ErrMissingSignature) {
		t.Errorf("err = %v, want ErrMissingSignature", err)
	}
}

func TestRedirectSignatureRoundTrip(t *testing.T) {
	signer, keys := newTestSigner(t, SigAlgRSASHA256)

	request := newAuthnRequest("_signed", "https://sp.example.com/metadata", "")
	redirectURL, err := BuildRedirectURL("https://sp.example.com/acs", "state-123", request, signer)
	if err != nil {
		t.Fatalf("BuildRedirectURL() error: %v", err)
	}

	parsed, err := url.Parse(redirectURL)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Query().Get("SigAlg") != SigAlgRSASHA256 {
		t.Errorf("SigAlg = %q", parsed.Query().Get("SigAlg"))
	}

	if err := VerifyRedirectSignature(parsed.RawQuery, publicKeyOf(keys.Certificate())); err != nil {
		t.Errorf("VerifyRedirectSignature() error: %v", err)
	}
}

func TestRedirectSignatureTampered(t *testing.T) {
	signer, keys := newTestSigner(t, SigAlgRSASHA512)

	request := newAuthnRequest("_tamper", "https://sp.example.com/metadata", "")
	redirectURL, err := BuildRedirectURL("https://sp.example.com/acs", "original", request, signer)
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := url.Parse(redirectURL)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(parsed.RawQuery, "RelayState=original", "RelayState=swapped", 1)

	if err := VerifyRedirectSignature(tampered, publicKeyOf(keys.Certificate())); err == nil {
		t.Error("tampered RelayState passed verification")
	}
}

func TestRedirectSignatureMissingParams(t *testing.T) {
	_, keys := newTestSigner(t, SigAlgRSASHA256)

	encoded, err := EncodeRedirect(newAuthnRequest("_nosig", "sp", ""))
	if err != nil {
		t.Fatal(err)
	}
	rawQuery := "SAMLRequest=" + url.QueryEscape(encoded)

	err = VerifyRedirectSignature(rawQuery, publicKeyOf(keys.Certificate()))
	if !errors.Is(err, ErrMissingSignature) {
		t.Errorf("err = %v, want ErrMissingSignature", err)
	}
}

func TestHashForAlgorithm(t *testing.T) {
	for _, alg := range []string{SigAlgRSASHA1, SigAlgRSASHA256, SigAlgRSASHA512} {
		if _, err := hashForAlgorithm(alg); err != nil {
			t.Errorf("hashForAlgorithm(%s) error: %v", alg, err)
		}
	}
	if _, err := hashForAlgorithm("http://www.w3.org/2001/04/xmldsig-more#rsa-md5"); err == nil {
		t.Error("md5 algorithm accepted")
	}
}

func TestSplitRawQueryFirstOccurrenceWins(t *testing.T) {
	params := splitRawQuery("SAMLRequest=first&SAMLRequest=second&SigAlg=alg")
	if params["SAMLRequest"] != "first" {
		t.Errorf("SAMLRequest = %q, want %q", params["SAMLRequest"], "first")
	}
	if params["SigAlg"] != "alg" {
		t.Errorf("SigAlg = %q", params["SigAlg"])
	}
}
