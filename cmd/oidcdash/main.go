package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/heroku/oidcdash"
	"github.com/heroku/oidcdash/internal/config"
	"github.com/heroku/oidcdash/internal/okta"
	"github.com/heroku/oidcdash/internal/sessionstore"
	"github.com/heroku/oidcdash/middleware"
)

const (
	shutdownTimeout     = 10 * time.Second
	sessionGCFrequency  = 10 * time.Minute
	sessionDBFileMode   = 0600
	readHeaderTimeout   = 10 * time.Second
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultSessionStore = config.SessionStoreCookie
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "oidcdash",
	Short:         "A dashboard that logs users in with OpenID Connect",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web server",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

var ( // flags
	opts              config.Options
	trustProxyHeaders bool
)

func init() {
	f := serveCmd.Flags()
	f.StringVar(&opts.Addr, "addr", config.DefaultAddr, "Address to listen on")
	f.StringVar(&opts.BaseURL, "base-url", "", "Externally visible URL of the app (default http://<addr>)")
	f.StringVar(&opts.ClientSecretsPath, "client-secrets", "", "Path to the OIDC client secrets file (default $"+config.EnvClientSecrets+" or "+config.DefaultClientSecrets+")")
	f.BoolVar(&opts.CookieSecure, "cookie-secure", false, "Only send the session cookie over HTTPS")
	f.StringVar(&opts.SessionStore, "session-store", defaultSessionStore, "Where sessions are kept: cookie or bolt")
	f.StringVar(&opts.SessionDBPath, "session-db", config.DefaultSessionDBPath, "Path to the bolt session database")
	f.StringVar(&opts.LogLevel, "log-level", defaultLogLevel, "Log level")
	f.StringVar(&opts.LogFormat, "log-format", defaultLogFormat, "Log format: text or json")
	f.DurationVar(&opts.DirectoryTimeout, "directory-timeout", 0, "Timeout for user directory requests (0 for the client default)")
	f.BoolVar(&trustProxyHeaders, "trust-proxy-headers", false, "Use X-Forwarded-* headers for the request scheme and host")

	rootCmd.AddCommand(serveCmd, versionCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(opts, os.Getenv, ioutil.ReadFile)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dirOpts []okta.ClientOpt
	if cfg.Directory.Timeout > 0 {
		dirOpts = append(dirOpts, okta.WithTimeout(cfg.Directory.Timeout))
	}
	users, err := okta.NewUsersClient(cfg.Directory.OrgURL, cfg.Directory.APIToken, dirOpts...)
	if err != nil {
		return errors.Wrap(err, "failed to create user directory client")
	}

	var store sessions.Store
	if cfg.Session.Store == config.SessionStoreBolt {
		bs, err := sessionstore.New(cfg.Session.DBPath, sessionDBFileMode, cfg.Session.AuthenticationKey, cfg.Session.EncryptionKey)
		if err != nil {
			return errors.Wrap(err, "failed to open session store")
		}
		defer bs.Close()

		bs.Options.Secure = cfg.Session.CookieSecure
		bs.StartGarbageCollection(ctx, sessionGCFrequency, logger.WithField("component", "sessionstore"))
		store = bs
	}

	auth := &middleware.Handler{
		Issuer:                   cfg.OIDC.Issuer,
		ClientID:                 cfg.OIDC.ClientID,
		ClientSecret:             cfg.OIDC.ClientSecret,
		BaseURL:                  cfg.BaseURL,
		RedirectURL:              cfg.OIDC.RedirectURL,
		Scopes:                   cfg.OIDC.Scopes,
		SessionStore:             store,
		SessionAuthenticationKey: cfg.Session.AuthenticationKey,
		SessionEncryptionKey:     cfg.Session.EncryptionKey,
		SessionName:              cfg.Session.Name,
		CookieSecure:             cfg.Session.CookieSecure,
		Logger:                   logger.WithField("component", "oidc"),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app, err := oidcdash.NewApp(logger, auth, users, oidcdash.Config{
		CallbackPath:       cfg.OIDC.CallbackPath,
		PrometheusRegistry: reg,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create app")
	}

	var h http.Handler = app
	if trustProxyHeaders {
		h = handlers.ProxyHeaders(h)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errC := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":     cfg.Addr,
			"base_url": cfg.BaseURL,
			"issuer":   cfg.OIDC.Issuer,
			"sessions": cfg.Session.Store,
		}).Info("listening")
		errC <- srv.ListenAndServe()
	}()

	select {
	case err := <-errC:
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down server")
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(cfg.Level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
