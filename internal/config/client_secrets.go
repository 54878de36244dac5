package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/hashicorp/go-multierror"
)

// ClientSecrets is an OIDC client registration in the client_secrets.json
// format, e.g.
//
//	{
//	  "web": {
//	    "client_id": "0oa...",
//	    "client_secret": "...",
//	    "issuer": "https://example.okta.com/oauth2/default",
//	    "auth_uri": "https://example.okta.com/oauth2/default/v1/authorize",
//	    "token_uri": "https://example.okta.com/oauth2/default/v1/token",
//	    "userinfo_uri": "https://example.okta.com/oauth2/default/userinfo",
//	    "redirect_uris": ["http://localhost:5000/oidc/callback"]
//	  }
//	}
//
// YAML with the same keys is accepted too.
type ClientSecrets struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Issuer       string   `json:"issuer"`
	AuthURI      string   `json:"auth_uri"`
	TokenURI     string   `json:"token_uri"`
	UserInfoURI  string   `json:"userinfo_uri"`
	RedirectURIs []string `json:"redirect_uris"`
}

type clientSecretsFile struct {
	Web       *ClientSecrets `json:"web"`
	Installed *ClientSecrets `json:"installed"`
}

// authorizePathSuffix is stripped from auth_uri to find the issuer when the
// file does not name one.
const authorizePathSuffix = "/v1/authorize"

// ParseClientSecrets parses and validates a client secrets document.
func ParseClientSecrets(b []byte) (*ClientSecrets, error) {
	f := clientSecretsFile{}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}

	cs := f.Web
	if cs == nil {
		cs = f.Installed
	}
	if cs == nil {
		return nil, fmt.Errorf("no web or installed client found")
	}

	if cs.Issuer == "" && strings.HasSuffix(cs.AuthURI, authorizePathSuffix) {
		cs.Issuer = strings.TrimSuffix(cs.AuthURI, authorizePathSuffix)
	}
	cs.Issuer = strings.TrimRight(cs.Issuer, "/")

	var result *multierror.Error
	if cs.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("client_id must be set"))
	}
	if cs.ClientSecret == "" {
		result = multierror.Append(result, fmt.Errorf("client_secret must be set"))
	}
	if cs.Issuer == "" {
		result = multierror.Append(result, fmt.Errorf("issuer must be set, or derivable from auth_uri"))
	}

	return cs, result.ErrorOrNil()
}

// redirectURL returns the first registered redirect URI that points at
// callbackPath, or baseURL joined with callbackPath when there is none.
func (c *ClientSecrets) redirectURL(baseURL, callbackPath string) string {
	for _, ru := range c.RedirectURIs {
		u, err := url.Parse(ru)
		if err != nil {
			continue
		}
		if u.Path == callbackPath {
			return ru
		}
	}
	return baseURL + callbackPath
}
