package e2e

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/heroku/oidcdash"
	"github.com/heroku/oidcdash/internal/okta"
	"github.com/heroku/oidcdash/internal/oidctest"
	"github.com/heroku/oidcdash/internal/sessionstore"
	"github.com/heroku/oidcdash/middleware"
)

const (
	apiToken     = "00e2e-token"
	callbackPath = "/oidc/callback"
	sessionKey   = "super-secret-key"
)

type env struct {
	provider  *oidctest.Provider
	baseURL   string
	client    *http.Client
	noFollow  *http.Client
	directory map[string]okta.User

	logger logrus.FieldLogger
	users  *okta.UsersClient
}

func setup(t *testing.T, useBolt bool) *env {
	t.Helper()

	logger := logrus.New()
	logger.Out = ioutil.Discard

	e := &env{
		logger:   logger,
		provider: oidctest.NewProvider(t),
		directory: map[string]okta.User{
			"00u-jane": {
				ID:     "00u-jane",
				Status: "ACTIVE",
				Profile: okta.Profile{
					Login:     "jane@example.com",
					Email:     "jane@example.com",
					FirstName: "Jane",
					LastName:  "Doe",
				},
			},
		},
	}
	e.provider.Claims = map[string]interface{}{"sub": "00u-jane", "email": "jane@example.com"}

	dirSvr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("authorization") != "SSWS "+apiToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		u, ok := e.directory[strings.TrimPrefix(r.URL.Path, "/api/v1/users/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(u)
	}))
	t.Cleanup(dirSvr.Close)

	users, err := okta.NewUsersClient(dirSvr.URL, apiToken)
	if err != nil {
		t.Fatal(err)
	}
	e.users = users

	auth := &middleware.Handler{
		Issuer:                   e.provider.URL,
		ClientID:                 e.provider.ClientID,
		ClientSecret:             e.provider.ClientSecret,
		Scopes:                   []string{"openid", "email", "profile"},
		SessionAuthenticationKey: []byte(sessionKey),
		Logger:                   logger,
	}
	if useBolt {
		store, err := sessionstore.New(t.TempDir()+"/sessions.db", 0600, []byte(sessionKey))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = store.Close() })
		auth.SessionStore = store
	}

	app, err := oidcdash.NewApp(logger, auth, users, oidcdash.Config{CallbackPath: callbackPath})
	if err != nil {
		t.Fatal(err)
	}

	appSvr := httptest.NewServer(app)
	t.Cleanup(appSvr.Close)

	e.baseURL = appSvr.URL
	auth.BaseURL = appSvr.URL
	auth.RedirectURL = appSvr.URL + callbackPath
	e.provider.RedirectURL = auth.RedirectURL

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	e.client = &http.Client{Jar: jar}
	e.noFollow = &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return e
}

func (e *env) get(t *testing.T, c *http.Client, path string) (*http.Response, string) {
	t.Helper()

	resp, err := c.Get(e.baseURL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

func TestE2E(t *testing.T) {
	for _, tc := range []struct {
		Name    string
		UseBolt bool
	}{
		{
			Name: "Cookie sessions",
		},
		{
			Name:    "Bolt sessions",
			UseBolt: true,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			e := setup(t, tc.UseBolt)

			// Anonymous home page
			resp, body := e.get(t, e.noFollow, "/")
			if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Log in or register") {
				t.Fatalf("anonymous home: HTTP %d: %s", resp.StatusCode, body)
			}

			// Dashboard sends anonymous users to the issuer
			resp, _ = e.get(t, e.noFollow, "/dashboard")
			if resp.StatusCode != http.StatusSeeOther || !strings.HasPrefix(resp.Header.Get("location"), e.provider.URL+"/auth") {
				t.Fatalf("anonymous dashboard: HTTP %d, location %s", resp.StatusCode, resp.Header.Get("location"))
			}

			// Logging in goes through the issuer, back to /login and on to the
			// dashboard
			resp, body = e.get(t, e.client, "/login")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("login: HTTP %d: %s", resp.StatusCode, body)
			}
			if resp.Request.URL.Path != "/dashboard" {
				t.Errorf("want login to land on /dashboard, got %s", resp.Request.URL.Path)
			}
			if !strings.Contains(body, "Welcome to your dashboard, Jane Doe!") {
				t.Errorf("want dashboard for Jane, got %s", body)
			}
			if got := e.provider.Exchanges(); got != 1 {
				t.Errorf("want 1 code exchange, got %d", got)
			}

			// Once logged in, /login bounces straight to the dashboard
			resp, _ = e.get(t, e.noFollow, "/login")
			if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("location") != "/dashboard" {
				t.Errorf("logged in login: HTTP %d, location %s", resp.StatusCode, resp.Header.Get("location"))
			}

			// Logout clears the session and goes home
			resp, _ = e.get(t, e.noFollow, "/logout")
			if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("location") != "/" {
				t.Errorf("logout: HTTP %d, location %s", resp.StatusCode, resp.Header.Get("location"))
			}

			resp, body = e.get(t, e.noFollow, "/")
			if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Log in or register") {
				t.Errorf("home after logout: HTTP %d: %s", resp.StatusCode, body)
			}
			resp, _ = e.get(t, e.noFollow, "/dashboard")
			if resp.StatusCode != http.StatusSeeOther {
				t.Errorf("dashboard after logout: want redirect, got HTTP %d", resp.StatusCode)
			}
		})
	}
}

func TestE2E_UnknownSubject(t *testing.T) {
	e := setup(t, false)
	e.provider.Claims = map[string]interface{}{"sub": "00u-nobody"}

	resp, body := e.get(t, e.client, "/dashboard")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("want HTTP %d, got HTTP %d: %s", http.StatusBadGateway, resp.StatusCode, body)
	}

	// Logging out still works, and the home page is anonymous again
	e.get(t, e.noFollow, "/logout")
	resp, _ = e.get(t, e.noFollow, "/")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("home after logout: want HTTP 200, got %d", resp.StatusCode)
	}
}

// restart serves a new app sharing e's session key and directory, but whose
// issuer answers every request with a 404. It returns the new base URL.
func (e *env) restart(t *testing.T) string {
	t.Helper()

	deadIssuer := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(deadIssuer.Close)

	auth := &middleware.Handler{
		Issuer:                   deadIssuer.URL,
		ClientID:                 e.provider.ClientID,
		ClientSecret:             e.provider.ClientSecret,
		SessionAuthenticationKey: []byte(sessionKey),
		Logger:                   e.logger,
	}
	app, err := oidcdash.NewApp(e.logger, auth, e.users, oidcdash.Config{CallbackPath: callbackPath})
	if err != nil {
		t.Fatal(err)
	}

	svr := httptest.NewServer(app)
	t.Cleanup(svr.Close)
	auth.BaseURL = svr.URL
	auth.RedirectURL = svr.URL + callbackPath

	return svr.URL
}

func TestE2E_IssuerUnreachable(t *testing.T) {
	e := setup(t, false)

	resp, body := e.get(t, e.client, "/dashboard")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Welcome to your dashboard") {
		t.Fatalf("login: HTTP %d: %s", resp.StatusCode, body)
	}

	// Same browser, app restarted while the issuer is down
	e.baseURL = e.restart(t)

	resp, body = e.get(t, e.noFollow, "/")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Log in or register") {
		t.Errorf("home: want anonymous page, got HTTP %d: %s", resp.StatusCode, body)
	}

	resp, body = e.get(t, e.noFollow, "/logout")
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("location") != "/" {
		t.Fatalf("logout: HTTP %d, location %q: %s", resp.StatusCode, resp.Header.Get("location"), body)
	}
	var expired bool
	for _, c := range resp.Cookies() {
		if c.Name == middleware.DefaultSessionName && c.MaxAge < 0 {
			expired = true
		}
	}
	if !expired {
		t.Error("want logout to expire the session cookie")
	}
	if strings.Contains(body, "discover") {
		t.Errorf("want no issuer details in the response, got %s", body)
	}
}
