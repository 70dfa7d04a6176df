package saml

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// paramName returns the query/form field a message travels in.
func paramName(message any) string {
	switch message.(type) {
	case *AuthnRequest, *LogoutRequest:
		return "SAMLRequest"
	default:
		return "SAMLResponse"
	}
}

// Deliver sends an outbound message to a service provider through the
// user's browser: a self-submitting form for the POST binding, a 302
// for the redirect binding. A nil signer sends the message unsigned.
func Deliver(w http.ResponseWriter, r *http.Request, kind BindingKind, destination, relayState string, message any, signer *Signer) error {
	if err := validateDestinationURL(destination); err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}

	switch kind {
	case BindingRedirect:
		redirectURL, err := BuildRedirectURL(destination, relayState, message, signer)
		if err != nil {
			return err
		}
		http.Redirect(w, r, redirectURL, http.StatusFound)
		return nil
	default:
		form, err := BuildPostForm(destination, relayState, message, signer)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(form))
		return nil
	}
}

// BuildRedirectURL assembles the redirect binding URL. The detached
// signature, when requested, covers the raw encoded query values in
// canonical order.
func BuildRedirectURL(destination, relayState string, message any, signer *Signer) (string, error) {
	encoded, err := EncodeRedirect(message)
	if err != nil {
		return "", err
	}
	name := paramName(message)

	params := url.Values{}
	params.Set(name, encoded)
	if relayState != "" {
		params.Set("RelayState", relayState)
	}

	if signer != nil {
		sigAlg, signature, err := signer.SignRedirectQuery(name, encoded, relayState)
		if err != nil {
			return "", err
		}
		params.Set("SigAlg", sigAlg)
		params.Set("Signature", signature)
	}

	parsed, err := url.Parse(destination)
	if err != nil {
		return "", fmt.Errorf("invalid destination URL: %w", err)
	}
	parsed.RawQuery = params.Encode()
	return parsed.String(), nil
}

// BuildPostForm renders the self-submitting POST binding form. The
// document is signed before encoding when a signer is given.
func BuildPostForm(destination, relayState string, message any, signer *Signer) (string, error) {
	raw, err := MarshalDocument(message)
	if err != nil {
		return "", err
	}
	if signer != nil {
		raw, err = signer.SignDocument(raw)
		if err != nil {
			return "", err
		}
	}
	encoded := EncodePostRaw(raw)

	if len(relayState) > 1024 {
		relayState = relayState[:1024]
	}
	relayStateInput := ""
	if relayState != "" {
		relayStateInput = fmt.Sprintf(`<input type="hidden" name="RelayState" value="%s"/>`, escapeHTML(relayState))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Redirecting...</title>
</head>
<body onload="document.forms[0].submit()">
    <noscript>
        <p>JavaScript is required. Please click the button below to continue.</p>
    </noscript>
    <form method="POST" action="%s">
        <input type="hidden" name="%s" value="%s"/>
        %s
        <noscript>
            <input type="submit" value="Continue"/>
        </noscript>
    </form>
</body>
</html>`, escapeHTML(destination), paramName(message), encoded, relayStateInput), nil
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// validateDestinationURL rejects destinations unusable as a form action
// or redirect target.
func validateDestinationURL(dest string) error {
	if dest == "" {
		return fmt.Errorf("empty URL")
	}
	parsed, err := url.Parse(dest)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "" && scheme != "http" && scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %s", scheme)
	}
	if parsed.Host != "" && scheme == "" {
		return fmt.Errorf("absolute URL missing scheme")
	}
	return nil
}
