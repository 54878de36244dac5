// Package config builds the application's configuration from the environment,
// command line options and the OIDC client secrets file. The resulting Config
// is constructed once at startup and not modified afterwards.
package config

import (
	"crypto/sha256"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// Environment variables read by Load.
const (
	EnvSecretKey     = "SECRET_KEY"
	EnvOktaOrgURL    = "OKTA_ORG_URL"
	EnvOktaAuthToken = "OKTA_AUTH_TOKEN"
	EnvClientSecrets = "OIDC_CLIENT_SECRETS"
)

const (
	DefaultAddr          = "localhost:5000"
	DefaultClientSecrets = "client_secrets.json"
	DefaultCallbackPath  = "/oidc/callback"
	DefaultSessionName   = "oidc_token"
	DefaultSessionDBPath = "oidcdash-sessions.db"

	SessionStoreCookie = "cookie"
	SessionStoreBolt   = "bolt"

	sessionAuthenticationKeyBytesLength = 64
	sessionEncryptionKeyBytesLength     = 32
)

// DefaultScopes are requested from the issuer.
var DefaultScopes = []string{"openid", "email", "profile"}

// Options are the values supplied on the command line. Zero values select the
// defaults.
type Options struct {
	Addr              string
	BaseURL           string
	ClientSecretsPath string
	CookieSecure      bool
	SessionStore      string
	SessionDBPath     string
	LogLevel          string
	LogFormat         string
	DirectoryTimeout  time.Duration
}

// Config holds everything the application needs to run.
type Config struct {
	// Addr is the address the HTTP server listens on.
	Addr string
	// BaseURL is the externally visible URL of the application.
	BaseURL string

	OIDC      OIDCConfig
	Session   SessionConfig
	Directory DirectoryConfig
	Logging   LoggingConfig
}

// OIDCConfig describes this application as an OIDC relying party.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	// RedirectURL is the absolute callback URL registered with the issuer.
	RedirectURL string
	// CallbackPath is the path of RedirectURL, where the callback handler is
	// mounted.
	CallbackPath string
	Scopes       []string
}

// SessionConfig configures the session cookie and its store.
type SessionConfig struct {
	Name string
	// AuthenticationKey and EncryptionKey are derived from SECRET_KEY.
	AuthenticationKey []byte
	EncryptionKey     []byte
	CookieSecure      bool
	// Store is SessionStoreCookie or SessionStoreBolt.
	Store  string
	DBPath string
}

// DirectoryConfig configures the user directory client.
type DirectoryConfig struct {
	OrgURL   string
	APIToken string
	// Timeout bounds each directory request. Zero leaves the client default.
	Timeout time.Duration
}

type LoggingConfig struct {
	Level  logrus.Level
	Format string // text, json
}

// Load builds a Config from opts, environment variables looked up with
// getenv, and the client secrets file read with readFile. All validation
// problems are reported together.
func Load(opts Options, getenv func(string) string, readFile func(string) ([]byte, error)) (*Config, error) {
	var result *multierror.Error

	cfg := &Config{
		Addr:    valueOr(opts.Addr, DefaultAddr),
		BaseURL: strings.TrimRight(opts.BaseURL, "/"),
		Session: SessionConfig{
			Name:         DefaultSessionName,
			CookieSecure: opts.CookieSecure,
			Store:        valueOr(opts.SessionStore, SessionStoreCookie),
			DBPath:       valueOr(opts.SessionDBPath, DefaultSessionDBPath),
		},
		Directory: DirectoryConfig{
			OrgURL:   strings.TrimRight(getenv(EnvOktaOrgURL), "/"),
			APIToken: getenv(EnvOktaAuthToken),
			Timeout:  opts.DirectoryTimeout,
		},
		Logging: LoggingConfig{
			Format: valueOr(opts.LogFormat, "text"),
		},
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://" + cfg.Addr
	}

	level, err := logrus.ParseLevel(valueOr(opts.LogLevel, "info"))
	if err != nil {
		result = multierror.Append(result, err)
	}
	cfg.Logging.Level = level

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown log format %q", cfg.Logging.Format))
	}

	secret := getenv(EnvSecretKey)
	if secret == "" {
		result = multierror.Append(result, fmt.Errorf("%s must be set", EnvSecretKey))
	} else {
		authKey, encKey, err := deriveSessionKeys(secret)
		if err != nil {
			result = multierror.Append(result, err)
		}
		cfg.Session.AuthenticationKey = authKey
		cfg.Session.EncryptionKey = encKey
	}

	switch cfg.Session.Store {
	case SessionStoreCookie, SessionStoreBolt:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown session store %q", cfg.Session.Store))
	}

	if cfg.Directory.OrgURL == "" {
		result = multierror.Append(result, fmt.Errorf("%s must be set", EnvOktaOrgURL))
	} else if u, err := url.Parse(cfg.Directory.OrgURL); err != nil || u.Scheme == "" || u.Host == "" {
		result = multierror.Append(result, fmt.Errorf("%s must be an absolute URL, got %q", EnvOktaOrgURL, cfg.Directory.OrgURL))
	}
	if cfg.Directory.APIToken == "" {
		result = multierror.Append(result, fmt.Errorf("%s must be set", EnvOktaAuthToken))
	}

	secretsPath := opts.ClientSecretsPath
	if secretsPath == "" {
		secretsPath = valueOr(getenv(EnvClientSecrets), DefaultClientSecrets)
	}
	oidcCfg, err := loadOIDC(secretsPath, readFile, cfg.BaseURL)
	if err != nil {
		result = multierror.Append(result, err)
	} else {
		cfg.OIDC = *oidcCfg
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return cfg, nil
}

func loadOIDC(path string, readFile func(string) ([]byte, error), baseURL string) (*OIDCConfig, error) {
	b, err := readFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read client secrets %s", path)
	}

	cs, err := ParseClientSecrets(b)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse client secrets %s", path)
	}

	return &OIDCConfig{
		Issuer:       cs.Issuer,
		ClientID:     cs.ClientID,
		ClientSecret: cs.ClientSecret,
		RedirectURL:  cs.redirectURL(baseURL, DefaultCallbackPath),
		CallbackPath: DefaultCallbackPath,
		Scopes:       append([]string(nil), DefaultScopes...),
	}, nil
}

// deriveSessionKeys expands the configured secret into the fixed-length keys
// securecookie requires.
func deriveSessionKeys(secret string) (authKey, encKey []byte, err error) {
	authKey = make([]byte, sessionAuthenticationKeyBytesLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("session authentication")), authKey); err != nil {
		return nil, nil, errors.Wrap(err, "failed to derive session authentication key")
	}

	encKey = make([]byte, sessionEncryptionKeyBytesLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("session encryption")), encKey); err != nil {
		return nil, nil, errors.Wrap(err, "failed to derive session encryption key")
	}

	return authKey, encKey, nil
}

func valueOr(val, defaultValue string) string {
	if val == "" {
		return defaultValue
	}
	return val
}
