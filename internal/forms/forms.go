package forms

import (
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

// User-facing message keys. Pages render the mapped text; events carry
// the machine-readable error codes separately.
const (
	MessageInvalidRequest             = "invalidRequestMessage"
	MessageHTTPSRequired              = "httpsRequiredMessage"
	MessageRealmNotEnabled            = "realmNotEnabledMessage"
	MessageUnknownLoginRequester      = "unknownLoginRequesterMessage"
	MessageLoginRequesterNotEnabled   = "loginRequesterNotEnabledMessage"
	MessageBearerOnly                 = "bearerOnlyMessage"
	MessageStandardFlowDisabled       = "standardFlowDisabledMessage"
	MessageInvalidRequester           = "invalidRequesterMessage"
	MessageInvalidRedirectURI         = "invalidRedirectUriMessage"
	MessageUnsupportedNameIDFormat    = "unsupportedNameIdFormatMessage"
	MessageSessionNotActive           = "sessionNotActiveMessage"
	MessageFailedLogout               = "failedLogoutMessage"
	MessageInvalidUserCredentials     = "invalidUserCredentialsMessage"
	MessageExpiredActionCode          = "expiredCodeMessage"
	MessageIdentityProviderUnexpected = "identityProviderUnexpectedErrorMessage"
)

var messageTexts = map[string]string{
	MessageInvalidRequest:             "Invalid Request",
	MessageHTTPSRequired:              "HTTPS required",
	MessageRealmNotEnabled:            "Realm not enabled",
	MessageUnknownLoginRequester:      "Unknown login requester",
	MessageLoginRequesterNotEnabled:   "Login requester not enabled",
	MessageBearerOnly:                 "Bearer-only applications are not allowed to initiate browser login",
	MessageStandardFlowDisabled:       "Client is not allowed to initiate browser login",
	MessageInvalidRequester:           "Invalid requester",
	MessageInvalidRedirectURI:         "Invalid redirect uri",
	MessageUnsupportedNameIDFormat:    "Unsupported NameID format",
	MessageSessionNotActive:           "Session not active",
	MessageFailedLogout:               "Logout failed",
	MessageInvalidUserCredentials:     "Invalid username or password",
	MessageExpiredActionCode:          "Login timed out, please sign in again",
	MessageIdentityProviderUnexpected: "Unexpected error when authenticating",
}

// MessageText resolves a message key to its display text.
func MessageText(key string) string {
	if text, ok := messageTexts[key]; ok {
		return text
	}
	return messageTexts[MessageIdentityProviderUnexpected]
}

// LoginPage is the data behind the credentials form.
type LoginPage struct {
	RealmName  string
	ClientName string
	ActionURL  string
	Username   string
	RememberMe bool
	Error      string
}

// ErrorPage is the data behind the protocol error page.
type ErrorPage struct {
	RealmName string
	Message   string
}

// Renderer renders the hosted login pages.
type Renderer struct {
	log     *zap.Logger
	login   *template.Template
	errTmpl *template.Template
}

func NewRenderer(log *zap.Logger) *Renderer {
	return &Renderer{
		log:     log,
		login:   template.Must(template.New("login").Parse(loginTemplate)),
		errTmpl: template.Must(template.New("error").Parse(errorTemplate)),
	}
}

// RenderLogin writes the credentials form. A non-empty challenge is
// attached as a WWW-Authenticate header so browsers can try SPNEGO
// before falling back to the form.
func (r *Renderer) RenderLogin(w http.ResponseWriter, page LoginPage, challenge string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if challenge != "" {
		w.Header().Set("WWW-Authenticate", challenge)
		w.WriteHeader(http.StatusUnauthorized)
	}
	if err := r.login.Execute(w, page); err != nil {
		r.log.Error("render login page", zap.Error(err))
	}
}

// RenderError writes the protocol error page with the given status.
func (r *Renderer) RenderError(w http.ResponseWriter, status int, page ErrorPage) {
	page.Message = MessageText(page.Message)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := r.errTmpl.Execute(w, page); err != nil {
		r.log.Error("render error page", zap.Error(err))
	}
}

const loginTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sign in to {{.RealmName}}</title>
    <style>
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%, #16213e 100%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            padding: 20px;
        }
        .container {
            background: rgba(255, 255, 255, 0.95);
            border-radius: 16px;
            padding: 40px;
            max-width: 420px;
            width: 100%;
            box-shadow: 0 25px 50px -12px rgba(0, 0, 0, 0.4);
        }
        h1 { color: #1a1a2e; margin-bottom: 8px; font-size: 24px; }
        .subtitle { color: #666; margin-bottom: 24px; font-size: 14px; }
        .client-info {
            background: #f0f4ff;
            border-radius: 8px;
            padding: 16px;
            margin-bottom: 24px;
            border-left: 4px solid #3b82f6;
        }
        .client-info p { color: #3b82f6; font-size: 13px; word-break: break-all; }
        .error {
            background: #fef2f2;
            border-left: 4px solid #ef4444;
            color: #b91c1c;
            border-radius: 8px;
            padding: 12px 16px;
            margin-bottom: 20px;
            font-size: 14px;
        }
        .form-group { margin-bottom: 16px; }
        .form-group label { display: block; color: #374151; font-size: 14px; margin-bottom: 6px; }
        .form-group input {
            width: 100%;
            padding: 12px;
            border: 2px solid #e5e7eb;
            border-radius: 8px;
            font-size: 14px;
        }
        .form-group input:focus { outline: none; border-color: #3b82f6; }
        .remember { display: flex; align-items: center; gap: 8px; margin-bottom: 20px; color: #374151; font-size: 14px; }
        .remember input { width: auto; }
        .submit-btn {
            width: 100%;
            padding: 14px;
            background: linear-gradient(135deg, #3b82f6, #2563eb);
            color: white;
            border: none;
            border-radius: 8px;
            font-size: 16px;
            font-weight: 600;
            cursor: pointer;
        }
        .submit-btn:hover { box-shadow: 0 4px 12px rgba(59, 130, 246, 0.4); }
    </style>
</head>
<body>
    <div class="container">
        <h1>Sign in</h1>
        <p class="subtitle">Realm {{.RealmName}}</p>
        {{if .ClientName}}
        <div class="client-info">
            <p>{{.ClientName}}</p>
        </div>
        {{end}}
        {{if .Error}}
        <div class="error">{{.Error}}</div>
        {{end}}
        <form method="POST" action="{{.ActionURL}}">
            <div class="form-group">
                <label for="username">Username or email</label>
                <input type="text" id="username" name="username" value="{{.Username}}" autofocus required>
            </div>
            <div class="form-group">
                <label for="password">Password</label>
                <input type="password" id="password" name="password" required>
            </div>
            <label class="remember">
                <input type="checkbox" name="rememberMe" value="on"{{if .RememberMe}} checked{{end}}>
                Remember me
            </label>
            <button type="submit" class="submit-btn">Sign In</button>
        </form>
    </div>
</body>
</html>`

const errorTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>We are sorry...</title>
    <style>
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%, #16213e 100%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            padding: 20px;
        }
        .container {
            background: rgba(255, 255, 255, 0.95);
            border-radius: 16px;
            padding: 40px;
            max-width: 420px;
            width: 100%;
            box-shadow: 0 25px 50px -12px rgba(0, 0, 0, 0.4);
        }
        h1 { color: #1a1a2e; margin-bottom: 16px; font-size: 24px; }
        p { color: #374151; font-size: 15px; }
        .realm { color: #9ca3af; font-size: 13px; margin-top: 24px; }
    </style>
</head>
<body>
    <div class="container">
        <h1>We are sorry...</h1>
        <p>{{.Message}}</p>
        <p class="realm">Realm {{.RealmName}}</p>
    </div>
</body>
</html>`
