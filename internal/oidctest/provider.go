// Package oidctest provides an in-process OIDC provider for tests. It mocks
// out just enough of discovery, authorization, token and key endpoints to run
// an authorization code flow against the middleware package.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/square/go-jose.v2"
)

const (
	// ValidCode is the only authorization code the token endpoint accepts.
	ValidCode = "valid-code"
	// ValidRefreshToken is issued with every token response, and is the only
	// refresh token accepted.
	ValidRefreshToken = "valid-refresh-token"

	keyID = "test"
)

// Provider is a mock OIDC provider. It accepts ClientID, ClientSecret and
// RedirectURL as parameters, and returns an ID token with Claims upon success.
// Fields may be changed between requests.
type Provider struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Claims       map[string]interface{}
	// IDTokenTTL is how long issued ID tokens are valid for. Defaults to 60s.
	IDTokenTTL time.Duration

	// URL is the issuer URL.
	URL string

	key *rsa.PrivateKey
	mux *http.ServeMux

	mu        sync.Mutex
	refreshes int
	exchanges int
}

// NewProvider starts a Provider, stopped when the test finishes.
func NewProvider(t testing.TB) *Provider {
	t.Helper()

	p := &Provider{
		ClientID:     "valid-client-id",
		ClientSecret: "valid-client-secret",
		Claims:       map[string]interface{}{},
		key:          mustGenRSAKey(2048),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/auth", p.handleAuth)
	mux.HandleFunc("/token", p.handleToken)
	mux.HandleFunc("/keys", p.handleKeys)
	p.mux = mux

	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	p.URL = srv.URL

	return p
}

func (p *Provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// Exchanges returns the number of authorization codes exchanged.
func (p *Provider) Exchanges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

// Refreshes returns the number of refresh token grants served.
func (p *Provider) Refreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "not GET request", http.StatusMethodNotAllowed)
		return
	}

	discovery := struct {
		Issuer                 string   `json:"issuer"`
		AuthorizationEndpoint  string   `json:"authorization_endpoint"`
		TokenEndpoint          string   `json:"token_endpoint"`
		JWKSURI                string   `json:"jwks_uri"`
		ResponseTypesSupported []string `json:"response_types_supported"`
		IDTokenSigningAlgs     []string `json:"id_token_signing_alg_values_supported"`
	}{
		Issuer:                 p.URL,
		AuthorizationEndpoint:  fmt.Sprintf("%s/auth", p.URL),
		TokenEndpoint:          fmt.Sprintf("%s/token", p.URL),
		JWKSURI:                fmt.Sprintf("%s/keys", p.URL),
		ResponseTypesSupported: []string{"code"},
		IDTokenSigningAlgs:     []string{"RS256"},
	}

	w.Header().Set("content-type", "application/json")
	if err := json.NewEncoder(w).Encode(discovery); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (p *Provider) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "not GET request", http.StatusMethodNotAllowed)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID != p.ClientID {
		http.Error(w, "invalid client ID", http.StatusBadRequest)
		return
	}

	redirectURI := r.URL.Query().Get("redirect_uri")
	if redirectURI != p.RedirectURL {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	responseType := r.URL.Query().Get("response_type")
	if responseType != "code" {
		http.Error(w, "invalid response_type", http.StatusBadRequest)
		return
	}

	if !hasScope(r.URL.Query().Get("scope"), "openid") {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}

	state := r.URL.Query().Get("state")
	redirectURL := fmt.Sprintf("%s?code=%s&state=%s", p.RedirectURL, url.QueryEscape(ValidCode), url.QueryEscape(state))
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "not a POST request", http.StatusMethodNotAllowed)
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID, clientSecret = r.FormValue("client_id"), r.FormValue("client_secret")
	}
	if clientID != p.ClientID || clientSecret != p.ClientSecret {
		http.Error(w, "invalid client ID or client secret", http.StatusUnauthorized)
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		if r.FormValue("code") != ValidCode {
			http.Error(w, "invalid code", http.StatusUnauthorized)
			return
		}
		if r.FormValue("redirect_uri") != p.RedirectURL {
			http.Error(w, "invalid redirect_uri", http.StatusUnauthorized)
			return
		}
		p.mu.Lock()
		p.exchanges++
		p.mu.Unlock()
	case "refresh_token":
		if r.FormValue("refresh_token") != ValidRefreshToken {
			http.Error(w, "invalid refresh_token", http.StatusUnauthorized)
			return
		}
		p.mu.Lock()
		p.refreshes++
		p.mu.Unlock()
	default:
		http.Error(w, "invalid grant_type", http.StatusUnauthorized)
		return
	}

	idToken, err := p.signIDToken(clientID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
	}{
		AccessToken:  "abc123",
		TokenType:    "Bearer",
		RefreshToken: ValidRefreshToken,
		IDToken:      idToken,
	}

	w.Header().Set("content-type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (p *Provider) handleKeys(w http.ResponseWriter, r *http.Request) {
	jwk := jose.JSONWebKey{
		Key:       p.key.Public(),
		Algorithm: "RS256",
		KeyID:     keyID,
		Use:       "sig",
	}

	w.Header().Set("content-type", "application/json")
	if err := json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (p *Provider) signIDToken(audience string) (string, error) {
	jwk := jose.JSONWebKey{
		Key:       p.key,
		Algorithm: "RS256",
		KeyID:     keyID,
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: jwk}, nil)
	if err != nil {
		return "", err
	}

	ttl := p.IDTokenTTL
	if ttl == 0 {
		ttl = 60 * time.Second
	}

	now := time.Now()
	claims := map[string]interface{}{
		"iss": p.URL,
		"aud": audience,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
	for k, v := range p.Claims {
		claims[k] = v
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	jws, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}

	return jws.CompactSerialize()
}

func hasScope(scopes, want string) bool {
	for _, s := range strings.Fields(scopes) {
		if s == want {
			return true
		}
	}
	return false
}

func mustGenRSAKey(bits int) *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		panic(err)
	}

	return key
}
