// Package okta is a client for the user directory API of an Okta organization.
package okta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
)

// ErrUserNotFound is returned when the directory has no user with the
// requested ID.
var ErrUserNotFound = errors.New("user not found")

// maxErrorBody caps how much of an error response is kept on HTTPError.
const maxErrorBody = 4096

// HTTPError indicates the directory returned a non-2xx response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (h *HTTPError) Error() string {
	return fmt.Sprintf("http status %s: %s", h.Status, string(h.Body))
}

// User is a user record as returned by the directory.
type User struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Created     time.Time  `json:"created"`
	LastLogin   *time.Time `json:"lastLogin,omitempty"`
	LastUpdated time.Time  `json:"lastUpdated"`
	Profile     Profile    `json:"profile"`
}

// Profile holds the user's profile attributes.
type Profile struct {
	Login       string `json:"login"`
	Email       string `json:"email"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DisplayName string `json:"displayName,omitempty"`
	NickName    string `json:"nickName,omitempty"`
}

// Name returns the display name, falling back to first and last name, then
// the login.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if n := strings.TrimSpace(p.FirstName + " " + p.LastName); n != "" {
		return n
	}
	return p.Login
}

// UsersClient fetches users from the directory.
//
// It should be created via `NewUsersClient` to ensure it is initialized
// correctly.
type UsersClient struct {
	orgURL   url.URL
	apiToken string

	hc      *http.Client
	timeout time.Duration
}

// ClientOpt is an option that can configure a UsersClient
type ClientOpt func(c *UsersClient)

// WithHTTPClient sets the http.Client used for requests. If not set, a pooled
// client from go-cleanhttp is used.
func WithHTTPClient(hc *http.Client) ClientOpt {
	return func(c *UsersClient) {
		c.hc = hc
	}
}

// WithTimeout sets the overall timeout of each request. It applies to the
// client set by WithHTTPClient too, whatever order the options are given in,
// without modifying that client.
func WithTimeout(d time.Duration) ClientOpt {
	return func(c *UsersClient) {
		c.timeout = d
	}
}

// NewUsersClient returns a client for the organization at orgURL,
// authenticating with the API token.
func NewUsersClient(orgURL, apiToken string, opts ...ClientOpt) (*UsersClient, error) {
	u, err := url.Parse(orgURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse org URL %q", orgURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("org URL %q must be absolute", orgURL)
	}
	if apiToken == "" {
		return nil, errors.New("API token must be set")
	}

	c := &UsersClient{
		orgURL:   *u,
		apiToken: apiToken,
		hc:       cleanhttp.DefaultPooledClient(),
	}

	for _, o := range opts {
		o(c)
	}

	if c.hc == nil {
		c.hc = cleanhttp.DefaultPooledClient()
	}
	if c.timeout > 0 {
		hc := *c.hc
		hc.Timeout = c.timeout
		c.hc = &hc
	}

	return c, nil
}

// GetUser fetches the user with the given ID. The ID may be the user's
// directory ID or their login.
func (c *UsersClient) GetUser(ctx context.Context, id string) (*User, error) {
	switch id {
	case "":
		return nil, errors.New("user ID must be set")
	case ".", "..":
		// Path cleaning would turn these into a different endpoint.
		return nil, fmt.Errorf("invalid user ID %q", id)
	}

	u := c.orgURL.JoinPath("api/v1/users", url.PathEscape(id))

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("accept", "application/json")
	req.Header.Set("authorization", "SSWS "+c.apiToken)

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get user %s", id)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, errors.Wrapf(ErrUserNotFound, "user %s", id)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := ioutil.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &HTTPError{StatusCode: res.StatusCode, Status: res.Status, Body: body}
	}

	user := &User{}
	if err := json.NewDecoder(res.Body).Decode(user); err != nil {
		return nil, errors.Wrap(err, "failed decoding user response")
	}

	return user, nil
}
