// Package synapse is a small client for the Synapse REST API covering the
// table, file and authentication calls mhx needs.
package synapse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/tidwall/gjson"
)

var (
	// ErrAuthentication is returned when no valid credential is available.
	ErrAuthentication = errors.New("synapse authentication failed")

	// ErrRemoteQuery is returned when a table query fails remotely.
	ErrRemoteQuery = errors.New("synapse query failed")

	// ErrDownload is returned when an attachment cannot be downloaded.
	ErrDownload = errors.New("synapse download failed")

	// ErrUpload is returned when a file, table or row upload fails.
	ErrUpload = errors.New("synapse upload failed")
)

const (
	DefaultBaseURL      = "https://repo-prod.prod.sagebase.org"
	DefaultPollInterval = time.Second
	DefaultTimeout      = 60 * time.Second

	// MinPartSize is the smallest part size the multipart API accepts.
	MinPartSize int64 = 5 * 1024 * 1024
)

// TokenCache persists the access token between runs.
type TokenCache interface {
	Token() (string, error)
	SaveToken(token string) error
}

// Options configures a Session.
type Options struct {
	BaseURL      string
	CacheDir     string // attachment cache; defaults to ~/.synapseCache
	PollInterval time.Duration
	PartSize     int64
	Timeout      time.Duration // per API call; transfers are not limited
	TokenCache   TokenCache    // optional
	HTTPClient   *http.Client  // optional, used for API calls and transfers
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.CacheDir == "" {
		o.CacheDir = DefaultCacheDir()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PartSize < MinPartSize {
		o.PartSize = MinPartSize
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// DefaultCacheDir returns ~/.synapseCache.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".synapseCache"
	}
	return filepath.Join(home, ".synapseCache")
}

// Credentials select how Open authenticates. Username and Password together
// trigger a fresh login; otherwise AuthToken, then the token cache, is used.
type Credentials struct {
	Username  string
	Password  string
	AuthToken string
}

// Profile is the subset of the user profile mhx reports.
type Profile struct {
	OwnerID  string `json:"ownerId"`
	UserName string `json:"userName"`
}

// Session is an authenticated connection to Synapse. It is owned by the
// caller and must be released with Close.
type Session struct {
	opts     Options
	api      *http.Client
	transfer *http.Client
	token    string
	profile  Profile
	closed   bool
	logger   *slog.Logger
}

// Open authenticates and verifies the credential against the user profile
// endpoint.
func Open(ctx context.Context, opts Options, creds Credentials) (*Session, error) {
	opts = opts.withDefaults()
	s := &Session{
		opts:   opts,
		logger: slog.Default(),
	}
	if opts.HTTPClient != nil {
		s.api = opts.HTTPClient
		s.transfer = opts.HTTPClient
	} else {
		s.api = &http.Client{Timeout: opts.Timeout}
		s.transfer = &http.Client{Timeout: 0}
	}

	token := creds.AuthToken
	switch {
	case creds.Username != "" && creds.Password != "":
		t, err := s.login(ctx, creds.Username, creds.Password)
		if err != nil {
			return nil, errors.Wrapf(ErrAuthentication, "login as %s: %v", creds.Username, err)
		}
		token = t
		if opts.TokenCache != nil {
			if err := opts.TokenCache.SaveToken(token); err != nil {
				s.logger.Warn("synapse: could not cache access token", "error", err)
			}
		}
	case token == "" && opts.TokenCache != nil:
		t, err := opts.TokenCache.Token()
		if err != nil {
			s.logger.Debug("synapse: no cached token", "error", err)
		}
		token = t
	}
	if token == "" {
		return nil, errors.Wrap(ErrAuthentication, "no credentials: provide username and password or log in first")
	}
	s.token = token

	p, err := s.fetchProfile(ctx)
	if err != nil {
		return nil, errors.Wrapf(ErrAuthentication, "verify credentials: %v", err)
	}
	s.profile = p
	s.logger.Debug("synapse: session opened", "user", p.UserName, "base_url", opts.BaseURL)
	return s, nil
}

// Close releases the session. Calls made afterwards fail with
// ErrAuthentication.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.token = ""
	s.api.CloseIdleConnections()
	s.transfer.CloseIdleConnections()
	return nil
}

// Profile returns the authenticated user's profile.
func (s *Session) Profile() Profile { return s.profile }

// Token returns the access token in use.
func (s *Session) Token() string { return s.token }

// CacheDir returns the attachment cache directory.
func (s *Session) CacheDir() string { return s.opts.CacheDir }

func (s *Session) ready() error {
	if s.closed {
		return errors.Wrap(ErrAuthentication, "session is closed")
	}
	return nil
}

func (s *Session) login(ctx context.Context, username, password string) (string, error) {
	var raw json.RawMessage
	body := map[string]string{"username": username, "password": password}
	if _, err := s.do(ctx, http.MethodPost, "/auth/v1/login2", body, &raw); err != nil {
		return "", err
	}
	token := gjson.GetBytes(raw, "accessToken").String()
	if token == "" {
		return "", errors.New("login response has no access token")
	}
	return token, nil
}

func (s *Session) fetchProfile(ctx context.Context) (Profile, error) {
	var p Profile
	_, err := s.do(ctx, http.MethodGet, "/repo/v1/userProfile", nil, &p)
	return p, err
}

// StatusError is a non-success response from the API.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Reason)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// do sends a JSON request to path under the base URL. Responses with 200 or
// 201 are decoded into out when it is non-nil; 202 and 204 are returned
// without decoding. Anything else becomes a *StatusError.
func (s *Session) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.opts.BaseURL+path, body)
	if err != nil {
		return 0, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.api.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if out == nil {
			return resp.StatusCode, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errors.Wrapf(err, "decode %s response", path)
		}
		return resp.StatusCode, nil
	case http.StatusAccepted, http.StatusNoContent:
		return resp.StatusCode, nil
	}
	return resp.StatusCode, statusError(resp)
}

// doText is like do but returns the response body as a string. It is used
// for endpoints that answer with a bare URL.
func (s *Session) doText(ctx context.Context, method, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.opts.BaseURL+path, nil)
	if err != nil {
		return "", errors.Wrap(err, "create request")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.api.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(err, "read %s response", path)
	}
	return strings.TrimSpace(string(b)), nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	reason := gjson.GetBytes(b, "reason").String()
	if reason == "" && !gjson.ValidBytes(b) {
		reason = strings.TrimSpace(string(b))
	}
	return &StatusError{Code: resp.StatusCode, Reason: reason}
}
