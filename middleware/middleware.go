package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

type claims map[string]interface{}

// identity is placed on the request context once Authenticate has run. A nil
// claims map means the request is anonymous.
type identity struct {
	claims claims
}

type identityContextKey struct{}

const (
	// DefaultSessionName is the cookie name used when SessionName is empty.
	DefaultSessionName = "oidc_token"

	sessionKeyOIDCState        = "oidc-state"
	sessionKeyOIDCReturnTo     = "oidc-return-to"
	sessionKeyOIDCIDToken      = "oidc-id-token"
	sessionKeyOIDCRefreshToken = "oidc-refresh-token"

	defaultSessionMaxAge = 7 * 24 * 60 * 60
)

// Handler manages the OIDC relying party flow for an application: it gates
// handlers behind a login, handles the provider callback, and exposes the
// validated ID token claims to downstream handlers.
type Handler struct {
	// Issuer is the URL to the OIDC issuer
	Issuer string
	// ClientID is a client ID for the relying party (the service authenticating
	// against the OIDC server)
	ClientID string
	// ClientSecret is a client secret for the relying party
	ClientSecret string
	// BaseURL is the base URL for this relying party. If it is not safe to
	// redirect the user to their original destination, they will be redirected
	// to this URL.
	BaseURL string
	// RedirectURL is the callback URL registered with the OIDC issuer for this
	// relying party. Callback must be mounted at its path.
	RedirectURL string
	// Scopes is a list of scopes to request from the OIDC server. If nil, the
	// openid scope is requested.
	Scopes []string

	// SessionStore is used to persist the session. If nil, a cookie store is
	// built from SessionAuthenticationKey and SessionEncryptionKey.
	SessionStore sessions.Store
	// SessionAuthenticationKey is a 32 or 64 byte random key used to
	// authenticate the session.
	SessionAuthenticationKey []byte
	// SessionEncryptionKey is a 16, 24 or 32 byte random key used to encrypt
	// the session. If nil, the session is not encrypted.
	SessionEncryptionKey []byte
	// SessionName is a name used for the session. If empty,
	// DefaultSessionName is used.
	SessionName string
	// CookieSecure marks the session cookie as HTTPS only. Only applied to the
	// cookie store built by the handler.
	CookieSecure bool

	// HTTPClient is used for discovery, token exchange and refresh. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	Logger logrus.FieldLogger

	provider   *oidc.Provider
	providerMu sync.Mutex

	sessionStore   sessions.Store
	sessionStoreMu sync.Mutex

	clock func() time.Time
}

// Authenticate returns an http.Handler that resolves the session's ID token
// (refreshing it if it has expired) and makes its claims available to next
// via IsAuthenticated, Claim and ClaimFromContext. Anonymous requests are
// passed through unchanged, as are requests whose session can't be verified
// because the issuer is unreachable.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(identityContextKey{}).(*identity); ok {
			next.ServeHTTP(w, r)
			return
		}

		session := h.getSession(r)

		c, err := h.authenticateExisting(r, session)
		if err != nil {
			h.logger().WithError(err).Warn("failed to authenticate existing session, treating request as anonymous")
			c = nil
		}
		if c != nil {
			if err := sessions.Save(r, w); err != nil {
				h.logger().WithError(err).Error("failed to save session")
				http.Error(w, "failed to save session", http.StatusInternalServerError)
				return
			}
		}

		r = r.WithContext(context.WithValue(r.Context(), identityContextKey{}, &identity{claims: c}))
		next.ServeHTTP(w, r)
	})
}

// RequireLogin returns an http.Handler that only calls next for authenticated
// requests. Anonymous requests are redirected to the issuer to start an
// authorization code flow, and return to the requested URL once Callback has
// completed it.
func (h *Handler) RequireLogin(next http.Handler) http.Handler {
	return h.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.IsAuthenticated(r) {
			next.ServeHTTP(w, r)
			return
		}

		session := h.getSession(r)

		redirectURL, err := h.startAuthentication(r, session)
		if err != nil {
			h.logger().WithError(err).Error("failed to start authentication")
			http.Error(w, "failed to start authentication", http.StatusInternalServerError)
			return
		}

		if err := sessions.Save(r, w); err != nil {
			h.logger().WithError(err).Error("failed to save session")
			http.Error(w, "failed to save session", http.StatusInternalServerError)
			return
		}

		http.Redirect(w, r, redirectURL, http.StatusSeeOther)
	}))
}

// Callback returns the handler for the redirect URL registered with the
// issuer. It completes the flow started by RequireLogin.
func (h *Handler) Callback() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		session := h.getSession(r)

		returnTo, err := h.authenticateCallback(r, session)
		if err != nil {
			h.logger().WithError(err).Error("failed to handle OIDC callback")
			http.Error(w, "authentication failed", http.StatusInternalServerError)
			return
		} else if returnTo == "" {
			http.Error(w, "missing state or code in callback", http.StatusBadRequest)
			return
		}

		if err := sessions.Save(r, w); err != nil {
			h.logger().WithError(err).Error("failed to save session")
			http.Error(w, "failed to save session", http.StatusInternalServerError)
			return
		}

		http.Redirect(w, r, returnTo, http.StatusSeeOther)
	})
}

// Logout clears all OIDC state from the session and expires the session
// cookie. It never contacts the issuer, so it does not need Authenticate to
// have run. Requests later in the same chain still see any claims resolved by
// Authenticate; subsequent requests are anonymous.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) error {
	session := h.getSession(r)

	for k := range session.Values {
		delete(session.Values, k)
	}
	opts := *session.Options
	opts.MaxAge = -1
	session.Options = &opts

	return errors.Wrap(session.Save(r, w), "failed to clear session")
}

// IsAuthenticated reports whether Authenticate found a valid ID token for the
// request.
func (h *Handler) IsAuthenticated(r *http.Request) bool {
	return ClaimsFromContext(r.Context()) != nil
}

// Claim returns the named claim of the request's validated ID token, or nil.
func (h *Handler) Claim(r *http.Request, claim string) interface{} {
	return ClaimFromContext(r.Context(), claim)
}

// authenticateExisting returns (claims, nil) if the user is authenticated,
// (nil, error) if the issuer could not be used to verify the session, or
// (nil, nil) if the user is not authenticated.
//
// This function may modify the session if a token is refreshed, so it must be
// saved afterward.
func (h *Handler) authenticateExisting(r *http.Request, session *sessions.Session) (claims, error) {
	ctx := h.clientContext(r.Context())

	rawIDToken, ok := session.Values[sessionKeyOIDCIDToken].(string)
	if !ok {
		return nil, nil
	}

	provider, err := h.getProvider()
	if err != nil {
		return nil, err
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: h.ClientID, Now: h.clock})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		// Attempt to refresh the token
		refreshToken, ok := session.Values[sessionKeyOIDCRefreshToken].(string)
		if !ok || refreshToken == "" {
			return nil, nil
		}

		o2c, err := h.getOauth2Config()
		if err != nil {
			return nil, err
		}

		token, err := o2c.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			h.logger().WithError(err).Debug("refreshing ID token failed")
			return nil, nil
		}

		refreshedRawIDToken, ok := token.Extra("id_token").(string)
		if !ok {
			return nil, nil
		}

		refreshedIDToken, err := verifier.Verify(ctx, refreshedRawIDToken)
		if err != nil {
			return nil, nil
		}

		session.Values[sessionKeyOIDCIDToken] = refreshedRawIDToken
		session.Values[sessionKeyOIDCRefreshToken] = token.RefreshToken

		idToken = refreshedIDToken
	}

	c := make(claims)
	if err := idToken.Claims(&c); err != nil {
		return nil, nil
	}

	return c, nil
}

// authenticateCallback returns (returnTo, nil) if the user is authenticated,
// ("", error) if a fatal error occurs, or ("", nil) if the request is missing
// the state or code parameters.
//
// This function may modify the session if a token is authenticated, so it must be
// saved afterward.
func (h *Handler) authenticateCallback(r *http.Request, session *sessions.Session) (string, error) {
	ctx := h.clientContext(r.Context())

	if qerr := r.URL.Query().Get("error"); qerr != "" {
		qdesc := r.URL.Query().Get("error_description")
		return "", fmt.Errorf("%s: %s", qerr, qdesc)
	}

	state := r.URL.Query().Get("state")
	if state == "" {
		return "", nil
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		return "", nil
	}

	wantState, _ := session.Values[sessionKeyOIDCState].(string)
	if wantState == "" || wantState != state {
		return "", fmt.Errorf("state did not match")
	}

	provider, err := h.getProvider()
	if err != nil {
		return "", err
	}

	o2c, err := h.getOauth2Config()
	if err != nil {
		return "", err
	}

	token, err := o2c.Exchange(ctx, code)
	if err != nil {
		return "", errors.Wrap(err, "failed to exchange code")
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return "", fmt.Errorf("missing id_token")
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: h.ClientID, Now: h.clock})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", errors.Wrap(err, "failed to verify id_token")
	}

	c := make(claims)
	if err := idToken.Claims(&c); err != nil {
		return "", err
	}

	session.Values[sessionKeyOIDCIDToken] = rawIDToken
	session.Values[sessionKeyOIDCRefreshToken] = token.RefreshToken
	delete(session.Values, sessionKeyOIDCState)

	returnTo, ok := session.Values[sessionKeyOIDCReturnTo].(string)
	if !ok || !isLocalPath(returnTo) {
		returnTo = h.baseURL()
	}
	delete(session.Values, sessionKeyOIDCReturnTo)

	h.logger().WithField("sub", c["sub"]).Info("user logged in")

	return returnTo, nil
}

func (h *Handler) startAuthentication(r *http.Request, session *sessions.Session) (string, error) {
	o2c, err := h.getOauth2Config()
	if err != nil {
		return "", err
	}

	delete(session.Values, sessionKeyOIDCIDToken)
	delete(session.Values, sessionKeyOIDCRefreshToken)

	state := randomState()
	session.Values[sessionKeyOIDCState] = state

	delete(session.Values, sessionKeyOIDCReturnTo)
	if r.Method == http.MethodGet {
		session.Values[sessionKeyOIDCReturnTo] = r.URL.RequestURI()
	}

	return o2c.AuthCodeURL(state), nil
}

func (h *Handler) getSession(r *http.Request) *sessions.Session {
	sessionName := h.SessionName
	if sessionName == "" {
		sessionName = DefaultSessionName
	}

	store := h.getSessionStore()

	// An invalid or tampered cookie yields a new, empty session along with
	// the error. Treat that as anonymous.
	session, err := store.Get(r, sessionName)
	if err != nil {
		h.logger().WithError(err).Debug("session decoding failed, a new empty session will be used")
	}
	if session == nil {
		session = sessions.NewSession(store, sessionName)
		session.IsNew = true
	}
	if session.Options == nil {
		session.Options = &sessions.Options{Path: "/", MaxAge: defaultSessionMaxAge, HttpOnly: true}
	}

	return session
}

func (h *Handler) getSessionStore() sessions.Store {
	h.sessionStoreMu.Lock()
	defer h.sessionStoreMu.Unlock()

	if h.sessionStore != nil {
		return h.sessionStore
	}

	if h.SessionStore != nil {
		h.sessionStore = h.SessionStore
		return h.sessionStore
	}

	cs := sessions.NewCookieStore(h.SessionAuthenticationKey, h.SessionEncryptionKey)
	cs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   defaultSessionMaxAge,
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	cs.MaxAge(defaultSessionMaxAge)
	h.sessionStore = cs

	return h.sessionStore
}

func (h *Handler) getProvider() (*oidc.Provider, error) {
	h.providerMu.Lock()
	defer h.providerMu.Unlock()

	if h.provider != nil {
		return h.provider, nil
	}

	// The provided context must remain valid for the lifetime of the provider.
	provider, err := oidc.NewProvider(h.clientContext(context.Background()), h.Issuer)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to discover issuer %s", h.Issuer)
	}
	h.provider = provider

	return h.provider, nil
}

func (h *Handler) getOauth2Config() (*oauth2.Config, error) {
	provider, err := h.getProvider()
	if err != nil {
		return nil, err
	}

	scopes := []string{oidc.ScopeOpenID}
	if len(h.Scopes) > 0 {
		scopes = h.Scopes
	}

	return &oauth2.Config{
		ClientID:     h.ClientID,
		ClientSecret: h.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  h.RedirectURL,
		Scopes:       scopes,
	}, nil
}

func (h *Handler) clientContext(ctx context.Context) context.Context {
	if h.HTTPClient == nil {
		return ctx
	}
	return oidc.ClientContext(ctx, h.HTTPClient)
}

func (h *Handler) baseURL() string {
	if h.BaseURL == "" {
		return "/"
	}
	return h.BaseURL
}

var discardLogger = &logrus.Logger{
	Out:       io.Discard,
	Formatter: new(logrus.TextFormatter),
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.PanicLevel,
}

func (h *Handler) logger() logrus.FieldLogger {
	if h.Logger == nil {
		return discardLogger
	}
	return h.Logger
}

func ClaimFromContext(ctx context.Context, claim string) interface{} {
	c := ClaimsFromContext(ctx)
	if c == nil {
		return nil
	}

	return c[claim]
}

func ClaimsFromContext(ctx context.Context) map[string]interface{} {
	id, ok := ctx.Value(identityContextKey{}).(*identity)
	if !ok || id.claims == nil {
		return nil
	}

	return id.claims
}

// isLocalPath reports whether p is a path on this host, and not a
// scheme-relative URL pointing elsewhere.
func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "/\\")
}

func randomState() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}

	return base64.RawURLEncoding.EncodeToString(b)
}
