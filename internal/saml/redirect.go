package saml

import (
	"net/url"
	"strings"

	"github.com/chrisflatley/keycloak/internal/realm"
)

// ValidateRedirectURI checks a candidate redirect against a client's
// registered URIs and returns the resolved URI, or "" when nothing
// matches. Registered URIs may be relative to the client's root URL and
// may end in /* to allow a subtree.
func ValidateRedirectURI(candidate string, client *realm.Client) string {
	if candidate == "" {
		return ""
	}
	parsed, err := url.Parse(candidate)
	if err != nil {
		return ""
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "" && scheme != "http" && scheme != "https" {
		return ""
	}
	// Strip the fragment before matching; it never round-trips anyway.
	parsed.Fragment = ""
	normalized := parsed.String()

	for _, registered := range client.RedirectURIs {
		resolved := resolveRegisteredURI(registered, client.RootURL)
		if resolved == "" {
			continue
		}
		if matchesRedirectURI(normalized, resolved) {
			return normalized
		}
	}
	return ""
}

func resolveRegisteredURI(registered, rootURL string) string {
	if registered == "" {
		return ""
	}
	if strings.Contains(registered, "://") {
		return registered
	}
	if rootURL == "" {
		return registered
	}
	return strings.TrimSuffix(rootURL, "/") + "/" + strings.TrimPrefix(registered, "/")
}

func matchesRedirectURI(candidate, registered string) bool {
	if strings.HasSuffix(registered, "/*") {
		prefix := strings.TrimSuffix(registered, "/*")
		return candidate == prefix || strings.HasPrefix(candidate, prefix+"/")
	}
	if strings.HasSuffix(registered, "*") {
		return strings.HasPrefix(candidate, strings.TrimSuffix(registered, "*"))
	}
	return candidate == registered
}
