package oidcdash

import (
	"bytes"
	"context"
	"embed"
	"html/template"
	"io/fs"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/heroku/oidcdash/internal/okta"
)

const (
	routeIndex     = "index"
	routeDashboard = "dashboard"
	routeLogin     = "login"
	routeLogout    = "logout"
	routeCallback  = "callback"
	routeHealth    = "healthz"
	routeMetrics   = "metrics"
	routeStatic    = "static"
)

//go:embed templates static
var assets embed.FS

// Authenticator gates requests behind an OIDC login. It is implemented by
// *middleware.Handler.
type Authenticator interface {
	// Authenticate resolves the request's session before calling next.
	Authenticate(next http.Handler) http.Handler
	// RequireLogin sends anonymous requests into the login flow instead of
	// calling next.
	RequireLogin(next http.Handler) http.Handler
	// Callback completes the login flow.
	Callback() http.Handler
	// Logout clears the session.
	Logout(w http.ResponseWriter, r *http.Request) error
	IsAuthenticated(r *http.Request) bool
	Claim(r *http.Request, claim string) interface{}
}

// UserDirectory looks up user profiles by subject. It is implemented by
// *okta.UsersClient.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*okta.User, error)
}

// Config holds the App's options.
type Config struct {
	// CallbackPath is where the Authenticator's callback is mounted.
	CallbackPath string

	// PrometheusRegistry receives the HTTP metrics, and is served on /metrics.
	// If nil, a new registry is used.
	PrometheusRegistry *prometheus.Registry
}

type App struct {
	logger logrus.FieldLogger
	auth   Authenticator
	users  UserDirectory

	router  *mux.Router
	handler http.Handler

	indexTmpl     *template.Template
	dashboardTmpl *template.Template
}

type pageData struct {
	User *okta.User
}

func NewApp(logger logrus.FieldLogger, auth Authenticator, users UserDirectory, cfg Config) (*App, error) {
	if cfg.CallbackPath == "" {
		return nil, errors.New("callback path must be set")
	}

	reg := cfg.PrometheusRegistry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	a := &App{
		logger: logger,
		auth:   auth,
		users:  users,
	}

	var err error
	if a.indexTmpl, err = parsePage("templates/index.html.tmpl"); err != nil {
		return nil, err
	}
	if a.dashboardTmpl, err = parsePage("templates/dashboard.html.tmpl"); err != nil {
		return nil, err
	}

	instrument, err := newInstrumentation(logger, reg)
	if err != nil {
		return nil, err
	}

	static, err := fs.Sub(assets, "static")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open static assets")
	}

	a.router = mux.NewRouter()
	a.router.NotFoundHandler = http.HandlerFunc(http.NotFound)

	a.router.Use(instrument)

	a.router.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet).Name(routeHealth)
	a.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet).Name(routeMetrics)
	a.router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(static)))).Name(routeStatic)
	a.router.Handle(cfg.CallbackPath, auth.Callback()).Methods(http.MethodGet).Name(routeCallback)
	// Logout touches neither the issuer nor the directory, so a session can
	// always be ended.
	a.router.HandleFunc("/logout", a.handleLogout).Methods(http.MethodGet).Name(routeLogout)

	// Every page resolves the session and then the user's profile before the
	// route's handler runs.
	pages := a.router.NewRoute().Subrouter()
	pages.Use(auth.Authenticate, a.loadUser)

	pages.HandleFunc("/", a.handleIndex).Methods(http.MethodGet).Name(routeIndex)
	pages.Handle("/dashboard", auth.RequireLogin(http.HandlerFunc(a.handleDashboard))).Methods(http.MethodGet).Name(routeDashboard)
	pages.Handle("/login", auth.RequireLogin(http.HandlerFunc(a.handleLogin))).Methods(http.MethodGet).Name(routeLogin)

	a.handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(logger),
		handlers.PrintRecoveryStack(true),
	)(a.router)

	return a, nil
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

// loadUser stores the profile of the request's authenticated user on the
// request context, or an explicit nil for anonymous requests. A failed lookup
// stops the request with a 502.
func (a *App) loadUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.auth.IsAuthenticated(r) {
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), nil)))
			return
		}

		sub, _ := a.auth.Claim(r, "sub").(string)
		user, err := a.users.GetUser(r.Context(), sub)
		if err != nil {
			err = &ProfileLookupError{Subject: sub, Cause: err}
			a.logger.WithError(err).WithField("sub", sub).Error("failed to load user profile")
			http.Error(w, "failed to load user profile", http.StatusBadGateway)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	a.render(w, http.StatusOK, a.indexTmpl, pageData{User: UserFromContext(r.Context())})
}

func (a *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	a.render(w, http.StatusOK, a.dashboardTmpl, pageData{User: UserFromContext(r.Context())})
}

// handleLogin is only reached once the user is logged in, so there is nothing
// left to do but send them on.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, a.urlFor(routeDashboard), http.StatusSeeOther)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.Logout(w, r); err != nil {
		a.logger.WithError(err).Error("failed to log out")
		http.Error(w, "failed to log out", http.StatusInternalServerError)
		return
	}

	a.logger.Debug("session cleared")

	http.Redirect(w, r, a.urlFor(routeIndex), http.StatusSeeOther)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func (a *App) urlFor(name string) string {
	u, err := a.router.Get(name).URL()
	if err != nil {
		// Routes are static, so this is a programming error.
		panic(err)
	}
	return u.String()
}

func (a *App) render(w http.ResponseWriter, code int, t *template.Template, data interface{}) {
	buf := new(bytes.Buffer)
	if err := t.ExecuteTemplate(buf, "layout", data); err != nil {
		a.logger.WithError(err).Error()
		http.Error(w, "failed to execute template", http.StatusInternalServerError)
		return
	}

	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_, _ = buf.WriteTo(w)
}

func parsePage(filename string) (*template.Template, error) {
	t, err := template.ParseFS(assets, "templates/layouts/default.html.tmpl", filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse template %s", filename)
	}
	return t, nil
}
